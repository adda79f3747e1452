// Package stream adapts kcp-go's reliable-delivery engine into spec.md's
// out-of-scope "Stream" collaborator: the multiplexer demuxes datagrams and
// hands each connection's data packets to one Stream over an
// event.ConnChannel, and a Stream answers back over the shared
// event.OutboundChannel. kcp-go itself never touches a real socket — it
// only sees the net.PacketConn shape, which packetConn below implements on
// top of those two channels.
package stream

import (
	"errors"
	"net"
	"time"

	"utp/internal/cid"
	"utp/internal/event"
	"utp/internal/packet"
)

var errAdapterClosed = errors.New("stream: adapter closed")

// packetConn presents one connection's channel pair as a net.PacketConn, so
// a kcp-go UDPSession can run its ARQ/congestion logic over the
// multiplexer's demuxed packet stream instead of a real socket. Only Data
// packets flow through here; ReadFrom skips Syn/State/Fin/Reset packets
// arriving on the ingress channel.
type packetConn struct {
	cid   cid.ID
	local net.Addr

	in  event.ConnChannel
	out event.OutboundChannel

	closed chan struct{}

	readDeadline  deadline
	writeDeadline deadline
}

func newPacketConn(id cid.ID, local net.Addr, in event.ConnChannel, out event.OutboundChannel) *packetConn {
	return &packetConn{
		cid:    id,
		local:  local,
		in:     in,
		out:    out,
		closed: make(chan struct{}),
	}
}

// ReadFrom blocks for the next inbound Data packet's payload.
func (c *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		select {
		case <-c.closed:
			return 0, nil, errAdapterClosed
		case <-c.readDeadline.ch():
			return 0, nil, errDeadlineExceeded
		case ev, ok := <-c.in.Recv():
			if !ok {
				return 0, nil, errAdapterClosed
			}
			if ev.Kind != event.Incoming || ev.Packet == nil || ev.Packet.Type != packet.Data {
				continue
			}
			n := copy(p, ev.Packet.Payload)
			return n, c.cid.Peer, nil
		}
	}
}

// WriteTo frames p as a Data packet and hands it to the multiplexer.
func (c *packetConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, errAdapterClosed
	case <-c.writeDeadline.ch():
		return 0, errDeadlineExceeded
	default:
	}

	payload := make([]byte, len(p))
	copy(payload, p)

	c.out.Send(event.SocketEvent{
		Kind: event.Outgoing,
		CID:  c.cid,
		Dest: c.cid.Peer,
		Packet: &packet.Packet{
			Type:      packet.Data,
			ConnID:    c.cid.Send,
			Timestamp: uint32(time.Now().UnixMicro()),
			Payload:   payload,
		},
	})
	return len(p), nil
}

func (c *packetConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *packetConn) LocalAddr() net.Addr { return c.local }

func (c *packetConn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *packetConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

func (c *packetConn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

var errDeadlineExceeded = errors.New("stream: i/o deadline exceeded")

// deadline is a resettable one-shot timer gated by a channel, since
// net.PacketConn deadlines can be changed after Read/WriteTo are already
// blocked.
type deadline struct {
	timer *time.Timer
	c     chan struct{}
}

func (d *deadline) set(t time.Time) {
	if d.c == nil {
		d.c = make(chan struct{})
	} else {
		select {
		case <-d.c:
			d.c = make(chan struct{})
		default:
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	if t.IsZero() {
		d.timer = nil
		return
	}
	dur := time.Until(t)
	ch := d.c
	d.timer = time.AfterFunc(dur, func() {
		select {
		case <-ch:
		default:
			close(ch)
		}
	})
}

func (d *deadline) ch() <-chan struct{} {
	if d.c == nil {
		return nil
	}
	return d.c
}
