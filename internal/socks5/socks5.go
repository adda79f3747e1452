// Package socks5 implements a local SOCKS5 CONNECT front end whose
// outbound connections are dialed on the peer, over a tunnel.Tunnel
// app-stream, instead of directly from this host.
//
// No SOCKS5 library appeared anywhere in the retrieved example pack (the
// teacher's own config carries a SOCKS5 section, but the file implementing
// it was never retrieved), so this speaks the minimal CONNECT subset of
// RFC 1928 directly over net.Listener rather than guessing at an
// unconfirmed dependency.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"utp/internal/flog"
	"utp/internal/tunnel"
)

const (
	version5    = 0x05
	cmdConnect  = 0x01
	atypIPv4    = 0x01
	atypDomain  = 0x03
	atypIPv6    = 0x04
	authNone    = 0x00 // no-authentication-required method byte
	replySucceeded       = 0x00
	replyCmdNotSupported = 0x07
)

var errUnsupportedCommand = errors.New("socks5: only CONNECT is supported")

// Server is a local SOCKS5 listener that tunnels every CONNECT request
// through a shared tunnel.Tunnel.
type Server struct {
	ln  net.Listener
	tun *tunnel.Tunnel
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr *net.TCPAddr, tun *tunnel.Tunnel) (*Server, error) {
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, tun: tun}, nil
}

// Serve accepts local SOCKS5 clients until ctx is canceled.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				flog.Errorf("socks5: accept failed: %v", err)
				return
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	target, err := handshake(conn)
	if err != nil {
		flog.Debugf("socks5: handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	st, err := s.tun.Open()
	if err != nil {
		flog.Errorf("socks5: failed to open app-stream for %s: %v", target, err)
		writeReply(conn, 0x01) // general SOCKS server failure
		return
	}
	defer st.Close()

	if err := writeTarget(st, target); err != nil {
		flog.Debugf("socks5: failed to send target %s to peer: %v", target, err)
		writeReply(conn, 0x01)
		return
	}
	if err := writeReply(conn, replySucceeded); err != nil {
		return
	}

	relay(conn, st)
}

// handshake performs the version/method negotiation (no-auth only) and
// reads a CONNECT request, returning "host:port".
func handshake(conn net.Conn) (string, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	if buf[0] != version5 {
		return "", fmt.Errorf("socks5: unsupported version %d", buf[0])
	}
	nMethods := int(buf[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte{version5, authNone}); err != nil {
		return "", err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != version5 {
		return "", fmt.Errorf("socks5: unsupported version %d", header[0])
	}
	if header[1] != cmdConnect {
		writeReply(conn, replyCmdNotSupported)
		return "", errUnsupportedCommand
	}

	var host string
	switch header[3] {
	case atypIPv4:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return "", err
		}
		host = net.IP(ip).String()
	case atypIPv6:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return "", err
		}
		host = net.IP(ip).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", err
		}
		host = string(domain)
	default:
		return "", fmt.Errorf("socks5: unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf)

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func writeReply(conn net.Conn, code byte) error {
	reply := []byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

func relay(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}
