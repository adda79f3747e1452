package tunnel

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"utp/internal/conf"
)

func testTunnelCfg() *conf.Tunnel {
	return &conf.Tunnel{
		MaxFrameSize:      32768,
		MaxReceiveBuffer:  4 * 1024 * 1024,
		MaxStreamBuffer:   2 * 1024 * 1024,
		KeepAliveInterval: 2 * time.Second,
		KeepAliveTimeout:  6 * time.Second,
	}
}

func TestOpenAcceptRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	cfg := testTunnelCfg()

	client, err := NewClient(clientConn, cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	server, err := NewServer(serverConn, cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()

	acceptedCh := make(chan error, 1)
	go func() {
		st, err := server.Accept()
		if err != nil {
			acceptedCh <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(st, buf); err != nil {
			acceptedCh <- err
			return
		}
		if string(buf) != "hello" {
			acceptedCh <- fmt.Errorf("got payload %q, want %q", buf, "hello")
			return
		}
		acceptedCh <- nil
	}()

	st, err := client.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-acceptedCh:
		if err != nil {
			t.Fatalf("server accept/read: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for accepted stream")
	}
}

func TestNumStreamsTracksOpenStreams(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	cfg := testTunnelCfg()

	client, err := NewClient(clientConn, cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	server, err := NewServer(serverConn, cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()

	go func() {
		for i := 0; i < 3; i++ {
			server.Accept()
		}
	}()

	for i := 0; i < 3; i++ {
		if _, err := client.Open(); err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if client.NumStreams() != 3 {
		t.Fatalf("expected 3 streams, got %d", client.NumStreams())
	}
}
