package conf

import (
	"fmt"
	"net"
)

// SOCKS5 configures a local SOCKS5 front end whose outbound connections are
// dialed over the uTP tunnel instead of directly.
type SOCKS5 struct {
	Listen_ string `yaml:"listen"`
	Listen  *net.TCPAddr `yaml:"-"`
}

func (s *SOCKS5) setDefaults() {
	if s.Listen_ == "" {
		s.Listen_ = "127.0.0.1:1080"
	}
}

func (s *SOCKS5) validate() []error {
	addr, err := net.ResolveTCPAddr("tcp", s.Listen_)
	if err != nil {
		return []error{fmt.Errorf("socks5 listen address %q: %w", s.Listen_, err)}
	}
	s.Listen = addr
	return nil
}
