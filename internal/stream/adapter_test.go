package stream

import (
	"net"
	"testing"
	"time"

	"utp/internal/cid"
	"utp/internal/event"
	"utp/internal/packet"
	"utp/internal/queue"
)

func testAddr(s string) net.Addr {
	a, _ := net.ResolveUDPAddr("udp", s)
	return a
}

func TestPacketConnWriteToProducesOutgoingEvent(t *testing.T) {
	in := queue.New[event.StreamEvent]()
	out := queue.New[event.SocketEvent]()
	defer in.Close()
	defer out.Close()

	id := cid.ID{Send: 5, Recv: 6, Peer: testAddr("127.0.0.1:9000")}
	pc := newPacketConn(id, testAddr("127.0.0.1:1"), in, out)
	defer pc.Close()

	n, err := pc.WriteTo([]byte("hello"), nil)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}

	select {
	case ev := <-out.Recv():
		if ev.Kind != event.Outgoing {
			t.Fatalf("expected Outgoing event, got %v", ev.Kind)
		}
		if ev.Packet.Type != packet.Data {
			t.Fatalf("expected Data packet, got %v", ev.Packet.Type)
		}
		if string(ev.Packet.Payload) != "hello" {
			t.Fatalf("unexpected payload %q", ev.Packet.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outgoing event")
	}
}

func TestPacketConnReadFromDeliversIncomingData(t *testing.T) {
	in := queue.New[event.StreamEvent]()
	out := queue.New[event.SocketEvent]()
	defer in.Close()
	defer out.Close()

	id := cid.ID{Send: 5, Recv: 6, Peer: testAddr("127.0.0.1:9000")}
	pc := newPacketConn(id, testAddr("127.0.0.1:1"), in, out)
	defer pc.Close()

	in.Send(event.StreamEvent{Kind: event.Incoming, Packet: &packet.Packet{Type: packet.Data, Payload: []byte("world")}})

	buf := make([]byte, 64)
	n, addr, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("unexpected payload %q", buf[:n])
	}
	if addr.String() != id.Peer.String() {
		t.Fatalf("unexpected addr %v", addr)
	}
}

func TestPacketConnReadFromSkipsNonDataPackets(t *testing.T) {
	in := queue.New[event.StreamEvent]()
	out := queue.New[event.SocketEvent]()
	defer in.Close()
	defer out.Close()

	id := cid.ID{Send: 5, Recv: 6, Peer: testAddr("127.0.0.1:9000")}
	pc := newPacketConn(id, testAddr("127.0.0.1:1"), in, out)
	defer pc.Close()

	in.Send(event.StreamEvent{Kind: event.Incoming, Packet: &packet.Packet{Type: packet.State}})
	in.Send(event.StreamEvent{Kind: event.Incoming, Packet: &packet.Packet{Type: packet.Data, Payload: []byte("x")}})

	buf := make([]byte, 8)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "x" {
		t.Fatalf("expected State packet to be skipped, got %q", buf[:n])
	}
}

func TestPacketConnCloseUnblocksReadFrom(t *testing.T) {
	in := queue.New[event.StreamEvent]()
	out := queue.New[event.SocketEvent]()
	defer in.Close()
	defer out.Close()

	id := cid.ID{Send: 1, Recv: 2, Peer: testAddr("127.0.0.1:9000")}
	pc := newPacketConn(id, testAddr("127.0.0.1:1"), in, out)

	done := make(chan error, 1)
	go func() {
		_, _, err := pc.ReadFrom(make([]byte, 8))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	pc.Close()

	select {
	case err := <-done:
		if err != errAdapterClosed {
			t.Fatalf("expected errAdapterClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock ReadFrom")
	}
}

func TestPacketConnReadDeadline(t *testing.T) {
	in := queue.New[event.StreamEvent]()
	out := queue.New[event.SocketEvent]()
	defer in.Close()
	defer out.Close()

	id := cid.ID{Send: 1, Recv: 2, Peer: testAddr("127.0.0.1:9000")}
	pc := newPacketConn(id, testAddr("127.0.0.1:1"), in, out)
	defer pc.Close()

	pc.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, _, err := pc.ReadFrom(make([]byte, 8))
	if err != errDeadlineExceeded {
		t.Fatalf("expected errDeadlineExceeded, got %v", err)
	}
}
