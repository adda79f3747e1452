package conf

import "fmt"

// Stream configures the reliable-delivery engine underneath each
// connection (congestion control, retransmission, ordered delivery —
// spec.md's "Stream" collaborator). These map directly onto kcp-go's own
// tuning knobs.
type Stream struct {
	MTU int `yaml:"mtu"`

	SendWindow int `yaml:"send_window"`
	RecvWindow int `yaml:"recv_window"`

	// NoDelay, Interval, Resend, NoCongestion follow kcp-go's own
	// (*KCP).NoDelay(nodelay, interval, resend, nc int) signature.
	NoDelay      bool `yaml:"no_delay"`
	Interval     int  `yaml:"interval_ms"`
	Resend       int  `yaml:"resend"`
	NoCongestion bool `yaml:"no_congestion"`

	// DataShards/ParityShards configure Reed-Solomon forward error
	// correction across outgoing segments; 0 disables FEC.
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`

	// SendRateLimit paces Writes through a token bucket so one connection
	// cannot monopolize the shared outbound-event channel; 0 disables
	// pacing.
	SendRateLimit int `yaml:"send_rate_limit_bytes_per_sec"`

	ConnectTimeout int `yaml:"connect_timeout_sec"`
}

func (s *Stream) setDefaults() {
	if s.MTU == 0 {
		s.MTU = 1350
	}
	if s.SendWindow == 0 {
		s.SendWindow = 256
	}
	if s.RecvWindow == 0 {
		s.RecvWindow = 256
	}
	if s.Interval == 0 {
		s.Interval = 20
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 10
	}
}

func (s *Stream) validate() []error {
	var errs []error
	if s.MTU < 100 || s.MTU > 65535 {
		errs = append(errs, fmt.Errorf("stream.mtu must be in [100, 65535]"))
	}
	if s.SendWindow < 1 {
		errs = append(errs, fmt.Errorf("stream.send_window must be >= 1"))
	}
	if s.RecvWindow < 1 {
		errs = append(errs, fmt.Errorf("stream.recv_window must be >= 1"))
	}
	if (s.DataShards == 0) != (s.ParityShards == 0) {
		errs = append(errs, fmt.Errorf("stream.data_shards and parity_shards must both be zero or both be positive"))
	}
	if s.ConnectTimeout < 1 {
		errs = append(errs, fmt.Errorf("stream.connect_timeout_sec must be >= 1"))
	}
	return errs
}
