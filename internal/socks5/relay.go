package socks5

import (
	"context"
	"io"
	"net"

	"github.com/xtaci/smux"

	"utp/internal/flog"
	"utp/internal/pkg/buffer"
	"utp/internal/tunnel"
)

// writeTarget sends host:port as the first frame on a freshly opened
// app-stream, so the peer knows where to dial before any payload arrives.
func writeTarget(st *smux.Stream, target string) error {
	return buffer.WriteUDPFrame(st, []byte(target))
}

func readTarget(st *smux.Stream) (string, error) {
	buf := make([]byte, 512)
	n, err := buffer.ReadUDPFrame(st, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// Relay is the peer side of the SOCKS5 front end: it accepts the
// app-streams opened by a Server on the other end, reads the target each
// one carries, dials it locally, and pumps bytes in both directions.
type Relay struct {
	tun *tunnel.Tunnel
}

// NewRelay builds a Relay over tun.
func NewRelay(tun *tunnel.Tunnel) *Relay {
	return &Relay{tun: tun}
}

// Serve accepts app-streams until ctx is canceled or the tunnel closes.
func (r *Relay) Serve(ctx context.Context) {
	for {
		st, err := r.tun.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				flog.Errorf("socks5: relay accept failed: %v", err)
				return
			}
		}
		go r.handle(st)
	}
}

func (r *Relay) handle(st *smux.Stream) {
	defer st.Close()

	target, err := readTarget(st)
	if err != nil {
		flog.Debugf("socks5: relay failed to read target: %v", err)
		return
	}

	conn, err := net.Dial("tcp", target)
	if err != nil {
		flog.Debugf("socks5: relay dial %s failed: %v", target, err)
		return
	}
	defer conn.Close()

	relay(st, conn)
}
