// Package packet defines the wire encoding of a uTP datagram.
//
// The multiplexer only contracts on the fields listed in the header below;
// it never interprets the payload beyond handing it to the matching Stream.
package packet

import (
	"encoding/binary"
	"errors"
)

// Type identifies the kind of packet carried by a single datagram.
type Type uint8

const (
	Data Type = iota
	Fin
	State
	Reset
	Syn
)

func (t Type) String() string {
	switch t {
	case Data:
		return "DATA"
	case Fin:
		return "FIN"
	case State:
		return "STATE"
	case Reset:
		return "RESET"
	case Syn:
		return "SYN"
	default:
		return "UNKNOWN"
	}
}

// headerSize is the fixed portion of every encoded packet:
// type(1) + conn_id(2) + timestamp(4) + window(4) + seq_num(2) + ack_num(2).
const headerSize = 15

var ErrShortPacket = errors.New("packet: datagram shorter than header")

// Packet is the decoded form of one uTP datagram.
type Packet struct {
	Type      Type
	ConnID    uint16
	Timestamp uint32 // microseconds, sender's clock
	Window    uint32 // advertised receive window, bytes
	SeqNum    uint16
	AckNum    uint16
	Payload   []byte
}

// Encode serializes p into a freshly allocated byte slice.
func (p *Packet) Encode() []byte {
	buf := make([]byte, headerSize+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint16(buf[1:3], p.ConnID)
	binary.BigEndian.PutUint32(buf[3:7], p.Timestamp)
	binary.BigEndian.PutUint32(buf[7:11], p.Window)
	binary.BigEndian.PutUint16(buf[11:13], p.SeqNum)
	binary.BigEndian.PutUint16(buf[13:15], p.AckNum)
	copy(buf[headerSize:], p.Payload)
	return buf
}

// Decode parses a datagram into a Packet. The returned Payload aliases data;
// callers that retain a Packet past the lifetime of their receive buffer
// must copy it first.
func Decode(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, ErrShortPacket
	}
	p := &Packet{
		Type:      Type(data[0]),
		ConnID:    binary.BigEndian.Uint16(data[1:3]),
		Timestamp: binary.BigEndian.Uint32(data[3:7]),
		Window:    binary.BigEndian.Uint32(data[7:11]),
		SeqNum:    binary.BigEndian.Uint16(data[11:13]),
		AckNum:    binary.BigEndian.Uint16(data[13:15]),
	}
	if len(data) > headerSize {
		p.Payload = data[headerSize:]
	}
	return p, nil
}

// IsSyn reports whether p opens a new connection.
func (p *Packet) IsSyn() bool { return p.Type == Syn }

// IsReset reports whether p is a connection reset.
func (p *Packet) IsReset() bool { return p.Type == Reset }
