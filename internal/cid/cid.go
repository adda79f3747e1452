// Package cid implements uTP connection-id derivation and generation.
//
// A ConnectionId is the triple (send, recv, peer) that uniquely identifies
// one live connection at an endpoint. The two 16-bit ids are carried on the
// wire as a single conn_id field whose meaning depends on direction and
// handshake role — see Derive.
package cid

import (
	"math/rand/v2"
	"net"
)

// ID is a connection identifier: the send/recv id pair plus the remote peer.
type ID struct {
	Send uint16
	Recv uint16
	Peer net.Addr
}

// Key is the comparable projection of an ID, suitable for use as a map key
// (net.Addr implementations are not themselves comparable in the general
// case, since *net.UDPAddr embeds a net.IP byte slice).
type Key struct {
	Send uint16
	Recv uint16
	Peer string
}

// String renders k for use as a string-keyed map key (e.g. in internal/expiring,
// whose underlying cache is string-keyed).
func (k Key) String() string {
	return itoa(k.Send) + "/" + itoa(k.Recv) + "/" + k.Peer
}

// Key returns the comparable map-key form of id.
func (id ID) Key() Key {
	peer := ""
	if id.Peer != nil {
		peer = id.Peer.String()
	}
	return Key{Send: id.Send, Recv: id.Recv, Peer: peer}
}

func (id ID) String() string {
	peer := "<nil>"
	if id.Peer != nil {
		peer = id.Peer.String()
	}
	return "cid(send=" + itoa(id.Send) + ",recv=" + itoa(id.Recv) + ",peer=" + peer + ")"
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Derive computes the three candidate ids for an inbound packet carrying
// wire conn_id c from peer, as defined by spec section 4.2. acc's value
// differs depending on whether the packet is a SYN.
//
//   - acc: cid of a connection we are about to receive into (SYN), or of an
//     already-established connection addressing us (non-SYN)
//   - weInit: cid as it appears in our records if we initiated
//   - peerInit: cid as it appears in our records if the peer initiated
func Derive(c uint16, peer net.Addr, isSyn bool) (acc, weInit, peerInit ID) {
	if isSyn {
		acc = ID{Send: c, Recv: c + 1, Peer: peer}
	} else {
		acc = ID{Send: c - 1, Recv: c, Peer: peer}
	}
	weInit = ID{Send: c + 1, Recv: c, Peer: peer}
	peerInit = ID{Send: c, Recv: c - 1, Peer: peer}
	return acc, weInit, peerInit
}

// Generate draws a fresh random connection id for peer. If isInitiator is
// true, send = recv+1 (we picked recv and expect the peer to mirror it);
// otherwise send = recv-1 (we are the responder mirroring the peer's pick).
// Arithmetic wraps mod 2^16.
func Generate(peer net.Addr, isInitiator bool) ID {
	recv := uint16(rand.IntN(1 << 16))
	var send uint16
	if isInitiator {
		send = recv + 1
	} else {
		send = recv - 1
	}
	return ID{Send: send, Recv: recv, Peer: peer}
}
