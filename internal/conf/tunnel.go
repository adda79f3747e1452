package conf

import (
	"fmt"
	"time"
)

// Tunnel configures smux, the app-level stream multiplexer layered over a
// single established uTP Stream so the CLI's SOCKS5/forward front ends can
// open many logical connections without paying for a new uTP handshake
// each time — the same shape as the teacher's own smux-over-one-session
// tunnel.
type Tunnel struct {
	MaxFrameSize      int           `yaml:"max_frame_size"`
	MaxReceiveBuffer  int           `yaml:"max_receive_buffer"`
	MaxStreamBuffer   int           `yaml:"max_stream_buffer"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepAliveTimeout  time.Duration `yaml:"keepalive_timeout"`
}

func (t *Tunnel) setDefaults() {
	if t.MaxFrameSize == 0 {
		t.MaxFrameSize = 32768
	}
	if t.MaxReceiveBuffer == 0 {
		t.MaxReceiveBuffer = 4 * 1024 * 1024
	}
	if t.MaxStreamBuffer == 0 {
		t.MaxStreamBuffer = 2 * 1024 * 1024
	}
	if t.KeepAliveInterval == 0 {
		t.KeepAliveInterval = 10 * time.Second
	}
	if t.KeepAliveTimeout == 0 {
		t.KeepAliveTimeout = 30 * time.Second
	}
}

func (t *Tunnel) validate() []error {
	var errs []error
	if t.MaxFrameSize < 1024 {
		errs = append(errs, fmt.Errorf("tunnel.max_frame_size must be >= 1024"))
	}
	if t.MaxReceiveBuffer < 65536 {
		errs = append(errs, fmt.Errorf("tunnel.max_receive_buffer must be >= 65536"))
	}
	if t.MaxStreamBuffer < 65536 {
		errs = append(errs, fmt.Errorf("tunnel.max_stream_buffer must be >= 65536"))
	}
	if t.KeepAliveTimeout <= t.KeepAliveInterval {
		errs = append(errs, fmt.Errorf("tunnel.keepalive_timeout must exceed keepalive_interval"))
	}
	return errs
}
