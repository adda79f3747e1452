package mux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"utp/internal/cid"
	"utp/internal/conf"
	"utp/internal/event"
	"utp/internal/packet"
	"utp/internal/queue"
	"utp/internal/stream"
)

func testMuxCfg() (*conf.Mux, *conf.Stream) {
	m := &conf.Mux{
		AwaitTimeout:         200 * time.Millisecond,
		MaxUDPPayload:        65535,
		CIDGenerationWarnAt:  10,
		CIDGenerationHardCap: 1 << 16,
	}
	s := &conf.Stream{
		MTU:            1350,
		SendWindow:     256,
		RecvWindow:     256,
		Interval:       20,
		ConnectTimeout: 1,
	}
	return m, s
}

// newTestMux binds a real loopback UDP socket and returns the Mux plus a
// bare UDP socket standing in for a remote peer.
func newTestMux(t *testing.T) (*Mux, *net.UDPConn) {
	t.Helper()
	cfgMux, cfgStream := testMuxCfg()
	m, err := Bind("127.0.0.1:0", cfgMux, cfgStream, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	return m, peer
}

func sendPacket(t *testing.T, from *net.UDPConn, to net.Addr, p *packet.Packet) {
	t.Helper()
	if _, err := from.WriteTo(p.Encode(), to); err != nil {
		t.Fatalf("send packet: %v", err)
	}
}

func TestStrayDataTriggersReset(t *testing.T) {
	m, peer := newTestMux(t)

	sendPacket(t, peer, m.conn.LocalAddr(), &packet.Packet{Type: packet.Data, ConnID: 7})

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected a RESET reply, got error: %v", err)
	}
	resp, err := packet.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if resp.Type != packet.Reset {
		t.Fatalf("expected RESET, got %v", resp.Type)
	}
	if resp.ConnID != 7 {
		t.Fatalf("expected conn_id 7 echoed back, got %d", resp.ConnID)
	}
}

func TestResetNeverMetWithReset(t *testing.T) {
	m, peer := newTestMux(t)

	sendPacket(t, peer, m.conn.LocalAddr(), &packet.Packet{Type: packet.Reset, ConnID: 9})

	peer.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1500)
	_, _, err := peer.ReadFrom(buf)
	if err == nil {
		t.Fatal("expected no reply to a RESET against an unknown cid")
	}
}

func TestConnectWithCIDCollision(t *testing.T) {
	m, peer := newTestMux(t)

	existing := cid.ID{Send: 1, Recv: 2, Peer: peer.LocalAddr()}
	m.conns[existing.Key()] = queue.New[event.StreamEvent]()

	before := m.NumConnections()
	_, err := m.ConnectWithCID(context.Background(), existing, nil)
	if err != ErrConnectionIdUnavailable {
		t.Fatalf("expected ErrConnectionIdUnavailable, got %v", err)
	}
	if m.NumConnections() != before {
		t.Fatalf("conns registry size changed on a rejected ConnectWithCID: %d -> %d", before, m.NumConnections())
	}
}

func TestAcceptWithCIDTimesOutWithNoMatchingSyn(t *testing.T) {
	m, peer := newTestMux(t)

	id := cid.ID{Send: 200, Recv: 201, Peer: peer.LocalAddr()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.AcceptWithCID(ctx, id, nil)
	if err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestSynBuffersThenAcceptWithCIDConsumesIt(t *testing.T) {
	m, peer := newTestMux(t)

	sendPacket(t, peer, m.conn.LocalAddr(), &packet.Packet{Type: packet.Syn, ConnID: 100})
	time.Sleep(50 * time.Millisecond) // let the event loop buffer it into incoming

	id := cid.ID{Send: 100, Recv: 101, Peer: peer.LocalAddr()}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// The bare peer socket never speaks real kcp, so the Stream handshake
	// can't complete — but the SYN must still be consumed from incoming
	// and routed through rendezvous rather than re-buffered or dropped.
	_, err := m.AcceptWithCID(ctx, id, nil)
	if err != ErrTimedOut && err != ErrConnectionAborted {
		t.Fatalf("expected the rendezvous'd Stream to fail closed (ErrTimedOut/ErrConnectionAborted), got %v", err)
	}
	if m.NumConnections() != 0 {
		t.Fatalf("expected registry entry to be cleaned up after a failed handshake, got %d entries", m.NumConnections())
	}
}

func TestDuplicateSynForEstablishedConnectionIsRoutedNotReaccepted(t *testing.T) {
	m, peer := newTestMux(t)

	id := cid.ID{Send: 55, Recv: 56, Peer: peer.LocalAddr()}
	ch := queue.New[event.StreamEvent]()
	m.conns[id.Key()] = ch

	sendPacket(t, peer, m.conn.LocalAddr(), &packet.Packet{Type: packet.Syn, ConnID: 55})

	select {
	case ev := <-ch.Recv():
		if ev.Kind != event.Incoming || ev.Packet.Type != packet.Syn {
			t.Fatalf("expected the duplicate SYN forwarded to the existing Stream, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate SYN was not routed to the existing connection")
	}
	if m.incoming.Len() != 0 {
		t.Fatalf("duplicate SYN for an established cid must not be buffered in incoming, got %d entries", m.incoming.Len())
	}
}

// TestConnectAcceptEndToEnd drives two real *Mux instances against each
// other over loopback: m1.Connect must put an actual wire SYN on the
// socket for m2.Accept to rendezvous against, not just start exchanging
// kcp data that looks like stray traffic to a peer that never saw a SYN.
func TestConnectAcceptEndToEnd(t *testing.T) {
	cfgMux1, cfgStream1 := testMuxCfg()
	cfgMux2, cfgStream2 := testMuxCfg()

	m1, err := Bind("127.0.0.1:0", cfgMux1, cfgStream1, nil)
	if err != nil {
		t.Fatalf("Bind m1: %v", err)
	}
	defer m1.Close()

	m2, err := Bind("127.0.0.1:0", cfgMux2, cfgStream2, nil)
	if err != nil {
		t.Fatalf("Bind m2: %v", err)
	}
	defer m2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptOutcome struct {
		st  *stream.Stream
		err error
	}
	acceptedCh := make(chan acceptOutcome, 1)
	go func() {
		st, err := m2.Accept(ctx, cfgStream2)
		acceptedCh <- acceptOutcome{st, err}
	}()

	clientSt, err := m1.Connect(ctx, m2.conn.LocalAddr(), cfgStream1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer clientSt.Close()

	var accepted acceptOutcome
	select {
	case accepted = <-acceptedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Accept to rendezvous with the Connect's SYN")
	}
	if accepted.err != nil {
		t.Fatalf("Accept: %v", accepted.err)
	}
	serverSt := accepted.st
	defer serverSt.Close()

	const msg = "hello over a real connect/accept handshake"
	if _, err := clientSt.Write([]byte(msg)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	readCh := make(chan error, 1)
	buf := make([]byte, len(msg))
	go func() {
		_, err := io.ReadFull(serverSt, buf)
		readCh <- err
	}()

	select {
	case err := <-readCh:
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data to arrive over the established Stream")
	}
	if string(buf) != msg {
		t.Fatalf("expected %q, got %q", msg, buf)
	}
}

func TestNumConnectionsTracksRegistry(t *testing.T) {
	m, peer := newTestMux(t)
	if m.NumConnections() != 0 {
		t.Fatalf("expected empty registry, got %d", m.NumConnections())
	}
	id := cid.ID{Send: 1, Recv: 2, Peer: peer.LocalAddr()}
	m.conns[id.Key()] = queue.New[event.StreamEvent]()
	if m.NumConnections() != 1 {
		t.Fatalf("expected 1 connection, got %d", m.NumConnections())
	}
}
