// Package event defines the messages passed between the multiplexer and a
// Stream, so neither package needs to import the other.
package event

import (
	"net"

	"utp/internal/cid"
	"utp/internal/packet"
	"utp/internal/queue"
)

// StreamEventKind distinguishes the two things a ConnChannel carries.
type StreamEventKind int

const (
	// Incoming delivers a demultiplexed inbound packet to a Stream.
	Incoming StreamEventKind = iota
	// ShutdownStream tells a Stream its multiplexer has gone away.
	ShutdownStream
)

// StreamEvent is one message delivered on a ConnChannel.
type StreamEvent struct {
	Kind   StreamEventKind
	Packet *packet.Packet
}

// ConnChannel is the unbounded, lossless ingress into one Stream.
type ConnChannel = *queue.Unbounded[StreamEvent]

// SocketEventKind distinguishes the two things the outbound-event channel
// carries.
type SocketEventKind int

const (
	// Outgoing asks the multiplexer to transmit Packet to Dest.
	Outgoing SocketEventKind = iota
	// ShutdownConn tells the multiplexer a connection has terminated and
	// its registry entry must be removed.
	ShutdownConn
)

// SocketEvent is one message produced by a Stream for the multiplexer.
type SocketEvent struct {
	Kind   SocketEventKind
	Packet *packet.Packet
	Dest   net.Addr
	CID    cid.ID
}

// OutboundChannel is the unbounded channel shared by every live Stream to
// reach the multiplexer's event loop.
type OutboundChannel = *queue.Unbounded[SocketEvent]
