// Package tunnel layers smux app-level stream multiplexing over one
// established uTP Stream, so the CLI's SOCKS5 and port-forward front ends
// can open many logical connections without paying for a fresh uTP
// handshake each time.
package tunnel

import (
	"io"

	"github.com/xtaci/smux"

	"utp/internal/conf"
)

// Tunnel is an smux session carried over one uTP Stream.
type Tunnel struct {
	sess *smux.Session
}

func smuxConfig(cfg *conf.Tunnel) *smux.Config {
	c := smux.DefaultConfig()
	c.Version = 2
	c.KeepAliveInterval = cfg.KeepAliveInterval
	c.KeepAliveTimeout = cfg.KeepAliveTimeout
	c.MaxFrameSize = cfg.MaxFrameSize
	c.MaxReceiveBuffer = cfg.MaxReceiveBuffer
	c.MaxStreamBuffer = cfg.MaxStreamBuffer
	return c
}

// NewClient brings up the initiator side of the tunnel over conn, normally
// a *stream.Stream obtained from mux.Connect/ConnectWithCID.
func NewClient(conn io.ReadWriteCloser, cfg *conf.Tunnel) (*Tunnel, error) {
	sess, err := smux.Client(conn, smuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Tunnel{sess: sess}, nil
}

// NewServer brings up the acceptor side of the tunnel over conn, normally
// a *stream.Stream obtained from mux.Accept/AcceptWithCID.
func NewServer(conn io.ReadWriteCloser, cfg *conf.Tunnel) (*Tunnel, error) {
	sess, err := smux.Server(conn, smuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Tunnel{sess: sess}, nil
}

// Open opens a new logical stream to the peer.
func (t *Tunnel) Open() (*smux.Stream, error) {
	return t.sess.OpenStream()
}

// Accept waits for the peer to open a new logical stream.
func (t *Tunnel) Accept() (*smux.Stream, error) {
	return t.sess.AcceptStream()
}

// NumStreams reports the number of live logical streams.
func (t *Tunnel) NumStreams() int {
	return t.sess.NumStreams()
}

// Close tears the smux session down; the underlying uTP Stream is left to
// its owner to close.
func (t *Tunnel) Close() error {
	return t.sess.Close()
}
