// Package forward bridges a local UDP socket to a target address reachable
// through the peer, by tunneling each client's datagrams over one or more
// parallel smux streams opened on a shared tunnel.Tunnel.
package forward

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/smux"

	"utp/internal/conf"
	"utp/internal/flog"
	"utp/internal/pkg/buffer"
	"utp/internal/pkg/iterator"
	"utp/internal/tunnel"
)

// Forward runs one UDP port-forward rule: traffic arriving on cfg.Listen is
// tunneled, via tun, to cfg.Target_ at the peer.
type Forward struct {
	cfg conf.Forward
	tun *tunnel.Tunnel
}

// New builds a Forward rule that opens parallel app-streams on tun.
func New(cfg conf.Forward, tun *tunnel.Tunnel) *Forward {
	return &Forward{cfg: cfg, tun: tun}
}

// udpSession is one client address's pool of parallel streams.
type udpSession struct {
	streams []*iteratorStream
	iter    *iterator.Iterator[*iteratorStream]
	cancel  context.CancelFunc
	dropped uint64
}

type iteratorStream struct {
	s       *smux.Stream
	writeCh chan []byte
}

// ListenUDP binds cfg.Listen and forwards every client's datagrams to
// cfg.Target_ through parallel smux streams, until ctx is canceled.
func (f *Forward) ListenUDP(ctx context.Context) {
	conn, err := net.ListenUDP("udp", f.cfg.Listen)
	if err != nil {
		flog.Errorf("forward: failed to bind UDP socket on %s: %v", f.cfg.Listen_, err)
		return
	}
	defer conn.Close()

	conn.SetReadBuffer(8 * 1024 * 1024)
	conn.SetWriteBuffer(8 * 1024 * 1024)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	flog.Infof("UDP forwarder listening on %s -> %s (%d parallel streams)", f.cfg.Listen_, f.cfg.Target_, f.cfg.Streams)

	var sessions sync.Map // string (client addr) -> *udpSession

	for {
		bufp := buffer.UPool.Get().(*[]byte)
		buf := *bufp

		n, caddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			buffer.UPool.Put(bufp)
			select {
			case <-ctx.Done():
				return
			default:
				flog.Errorf("forward: UDP read error on %s: %v", f.cfg.Listen_, err)
				continue
			}
		}
		if n == 0 {
			buffer.UPool.Put(bufp)
			continue
		}

		key := caddr.String()
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		buffer.UPool.Put(bufp)

		if v, ok := sessions.Load(key); ok {
			sess := v.(*udpSession)
			st := sess.iter.Next()
			select {
			case st.writeCh <- pkt:
			default:
				atomic.AddUint64(&sess.dropped, 1)
				if sess.dropped%1000 == 1 {
					flog.Debugf("forward: dropped %d packets for %s (buffer full)", sess.dropped, caddr)
				}
			}
			continue
		}

		sess, err := f.newSession(ctx, conn, caddr)
		if err != nil {
			flog.Errorf("forward: failed to establish streams for %s -> %s: %v", caddr, f.cfg.Target_, err)
			continue
		}
		sessions.Store(key, sess)
		sess.streams[0].writeCh <- pkt

		flog.Infof("forward: accepted UDP session for %s -> %s (%d streams)", caddr, f.cfg.Target_, f.cfg.Streams)

		sessCtx, cancel := context.WithCancel(ctx)
		sess.cancel = cancel
		for i, st := range sess.streams {
			go f.writeLoop(sessCtx, st)
			go f.readLoop(sessCtx, sess, st, conn, caddr, key, &sessions, i)
		}
	}
}

func (f *Forward) newSession(ctx context.Context, conn *net.UDPConn, caddr *net.UDPAddr) (*udpSession, error) {
	streamCount := f.cfg.Streams
	perStreamBuffer := 4096 / streamCount
	if perStreamBuffer < 64 {
		perStreamBuffer = 64
	}

	sess := &udpSession{streams: make([]*iteratorStream, streamCount)}
	for i := 0; i < streamCount; i++ {
		s, err := f.tun.Open()
		if err != nil {
			for j := 0; j < i; j++ {
				sess.streams[j].s.Close()
			}
			return nil, err
		}
		sess.streams[i] = &iteratorStream{s: s, writeCh: make(chan []byte, perStreamBuffer)}
	}
	sess.iter = &iterator.Iterator[*iteratorStream]{Items: sess.streams}
	return sess, nil
}

// writeLoop drains queued client datagrams onto one smux stream, framed so
// datagram boundaries survive the byte-stream tunnel.
func (f *Forward) writeLoop(ctx context.Context, st *iteratorStream) {
	var n uint64
	for {
		select {
		case <-ctx.Done():
			flog.Debugf("forward: stream %d writer stopping, wrote %d packets", st.s.ID(), n)
			return
		case pkt := <-st.writeCh:
			st.s.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := buffer.WriteUDPFrame(st.s, pkt); err != nil {
				flog.Debugf("forward: stream %d write error after %d packets: %v", st.s.ID(), n, err)
				return
			}
			n++
			st.s.SetWriteDeadline(time.Time{})
		}
	}
}

// readLoop reads framed datagrams back off one smux stream and writes them
// to the original client address.
func (f *Forward) readLoop(ctx context.Context, sess *udpSession, st *iteratorStream, conn *net.UDPConn, caddr *net.UDPAddr, key string, sessions *sync.Map, idx int) {
	bufp := buffer.UPool.Get().(*[]byte)
	buf := *bufp
	var n uint64
	defer func() {
		buffer.UPool.Put(bufp)
		if idx == 0 {
			sessions.Delete(key)
			sess.cancel()
			for _, s := range sess.streams {
				s.s.Close()
			}
			flog.Debugf("forward: session closed for %s -> %s", caddr, f.cfg.Target_)
		}
		flog.Debugf("forward: stream %d closed (read %d packets)", st.s.ID(), n)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		st.s.SetReadDeadline(time.Now().Add(60 * time.Second))
		size, err := buffer.ReadUDPFrame(st.s, buf)
		if err != nil {
			flog.Debugf("forward: stream %d read error after %d packets: %v", st.s.ID(), n, err)
			return
		}
		n++

		if _, err := conn.WriteToUDP(buf[:size], caddr); err != nil {
			flog.Debugf("forward: write to %s failed after %d packets: %v", caddr, n, err)
			return
		}
	}
}

// ServeUDP runs the peer side of a forward rule: it accepts the app-streams
// opened by ListenUDP on the other end and relays each one's framed
// datagrams to cfg.Target_, feeding replies back over the same stream.
func (f *Forward) ServeUDP(ctx context.Context) {
	target, err := net.ResolveUDPAddr("udp", f.cfg.Target_)
	if err != nil {
		flog.Errorf("forward: failed to resolve target %s: %v", f.cfg.Target_, err)
		return
	}

	for {
		st, err := f.tun.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				flog.Errorf("forward: accept app-stream failed: %v", err)
				return
			}
		}
		go f.relayToTarget(ctx, st, target)
	}
}

// relayToTarget dials target once per accepted stream and pumps framed
// datagrams in both directions until either side closes.
func (f *Forward) relayToTarget(ctx context.Context, st *smux.Stream, target *net.UDPAddr) {
	defer st.Close()

	conn, err := net.DialUDP("udp", nil, target)
	if err != nil {
		flog.Errorf("forward: dial target %s failed: %v", target, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		bufp := buffer.UPool.Get().(*[]byte)
		defer buffer.UPool.Put(bufp)
		buf := *bufp
		for {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if err := buffer.WriteUDPFrame(st, buf[:n]); err != nil {
				return
			}
		}
	}()

	bufp := buffer.UPool.Get().(*[]byte)
	defer buffer.UPool.Put(bufp)
	buf := *bufp
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}
		st.SetReadDeadline(time.Now().Add(60 * time.Second))
		n, err := buffer.ReadUDPFrame(st, buf)
		if err != nil {
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return
		}
	}
}
