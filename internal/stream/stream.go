package stream

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/time/rate"

	"utp/internal/cid"
	"utp/internal/conf"
	"utp/internal/event"
	"utp/internal/packet"
)

// ErrConnectTimeout is returned by Accept when no kcp session comes up over
// the adapter within the configured connect timeout. Dial does not wait for
// the peer and never returns it.
var ErrConnectTimeout = errors.New("stream: connect timed out")

// Stream is one uTP connection: the opening SYN is sent by Dial and
// matched by the multiplexer on the accepting side, and this wraps the
// data-transfer engine (kcp-go) that carries everything after that SYN; no
// STATE reply is exchanged. It is the concrete implementation of spec.md's
// out-of-scope "Stream" collaborator.
type Stream struct {
	id   cid.ID
	sess *kcp.UDPSession
	pc   *packetConn

	limiter *rate.Limiter

	connected chan struct{}
	once      sync.Once
	closeOnce sync.Once
}

// conv derives the kcp conversation id from a cid, so both ends of a
// connection agree on it without an extra handshake field.
func conv(id cid.ID) uint32 {
	return uint32(id.Send)<<16 | uint32(id.Recv)
}

// Accept builds the acceptor-side Stream for a just-matched connection:
// the multiplexer has already popped the SYN (no STATE reply is sent), so
// this just needs to bring up the kcp session over the adapter and wait
// for the peer's first segment.
func Accept(id cid.ID, local net.Addr, in event.ConnChannel, out event.OutboundChannel, cfg *conf.Stream) (*Stream, error) {
	pc := newPacketConn(id, local, in, out)

	listener, err := kcp.ServeConn(nil, cfg.DataShards, cfg.ParityShards, pc)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "stream: serve adapter")
	}

	type result struct {
		sess *kcp.UDPSession
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := listener.AcceptKCP()
		done <- result{sess, err}
	}()

	select {
	case r := <-done:
		listener.Close()
		if r.err != nil {
			pc.Close()
			return nil, errors.Wrap(r.err, "stream: accept kcp session")
		}
		return newStream(id, pc, r.sess, cfg), nil
	case <-time.After(time.Duration(cfg.ConnectTimeout) * time.Second):
		listener.Close()
		pc.Close()
		return nil, ErrConnectTimeout
	}
}

// Dial builds the initiator-side Stream: it must put the wire SYN on the
// socket itself (kcp-go has no notion of one — it assumes an
// already-connected packet conn), so the peer's multiplexer has something
// to rendezvous against before any kcp segment ever arrives. Only then
// does it bring up the kcp session that carries the peer's reply.
func Dial(id cid.ID, local net.Addr, in event.ConnChannel, out event.OutboundChannel, cfg *conf.Stream) (*Stream, error) {
	pc := newPacketConn(id, local, in, out)

	sendSyn(id, out)

	sess, err := kcp.NewConn3(conv(id), id.Peer, nil, cfg.DataShards, cfg.ParityShards, pc)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "stream: dial kcp session")
	}
	return newStream(id, pc, sess, cfg), nil
}

// sendSyn emits the wire SYN that opens a connection: per spec.md's
// ConnectionId derivation, the initiator places its own recv_id on the
// wire as conn_id, so the peer derives acc_cid = (send=conn_id,
// recv=conn_id+1) — exactly id mirrored, matching "the responder mirrors".
func sendSyn(id cid.ID, out event.OutboundChannel) {
	out.Send(event.SocketEvent{
		Kind: event.Outgoing,
		CID:  id,
		Dest: id.Peer,
		Packet: &packet.Packet{
			Type:      packet.Syn,
			ConnID:    id.Recv,
			Timestamp: uint32(time.Now().UnixMicro()),
			Window:    100000,
			SeqNum:    uint16(rand.IntN(1 << 16)),
		},
	})
}

func newStream(id cid.ID, pc *packetConn, sess *kcp.UDPSession, cfg *conf.Stream) *Stream {
	sess.SetNoDelay(boolToInt(cfg.NoDelay), cfg.Interval, cfg.Resend, boolToInt(cfg.NoCongestion))
	sess.SetWindowSize(cfg.SendWindow, cfg.RecvWindow)
	sess.SetMtu(cfg.MTU)
	sess.SetStreamMode(true)

	s := &Stream{
		id:        id,
		sess:      sess,
		pc:        pc,
		connected: make(chan struct{}),
	}
	if cfg.SendRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRateLimit), cfg.SendRateLimit)
	}
	s.markConnected()
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// markConnected fires the one-shot connected signal exactly once.
func (s *Stream) markConnected() {
	s.once.Do(func() { close(s.connected) })
}

// Connected returns a channel closed exactly once, when the handshake has
// produced a usable session.
func (s *Stream) Connected() <-chan struct{} { return s.connected }

// CID reports the connection identifier this Stream was built from.
func (s *Stream) CID() cid.ID { return s.id }

// Read reads application data from the connection.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.sess.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("stream: read: %w", err)
	}
	return n, err
}

// Write sends application data, optionally paced by a token bucket so one
// connection cannot monopolize the shared outbound-event channel.
func (s *Stream) Write(p []byte) (int, error) {
	if s.limiter != nil {
		for rem := len(p); rem > 0; {
			chunk := min(rem, s.limiter.Burst())
			if err := s.limiter.WaitN(context.Background(), chunk); err != nil {
				return 0, err
			}
			rem -= chunk
		}
	}
	n, err := s.sess.Write(p)
	if err != nil {
		return n, fmt.Errorf("stream: write: %w", err)
	}
	return n, nil
}

// Close shuts the kcp session and its adapter down and notifies the
// multiplexer, via ShutdownConn, that this cid's registry entry and
// ingress channel can be torn down. Safe to call more than once.
func (s *Stream) Close() error {
	err := s.sess.Close()
	s.closeOnce.Do(func() {
		s.pc.out.Send(event.SocketEvent{Kind: event.ShutdownConn, CID: s.id})
	})
	s.pc.Close()
	return err
}
