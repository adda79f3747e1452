package conf

import (
	"fmt"
	"net"
)

// Forward configures one port-forward rule tunneled over a uTP Stream:
// traffic arriving on Listen is forwarded, through the peer, to Target.
type Forward struct {
	Listen_ string `yaml:"listen"`
	Target_ string `yaml:"target"`
	Streams int    `yaml:"streams"` // parallel app-streams for UDP rules

	Listen *net.UDPAddr `yaml:"-"`
}

func (f *Forward) setDefaults() {
	if f.Streams == 0 {
		f.Streams = 8
	}
}

func (f *Forward) validate() []error {
	var errs []error

	addr, err := net.ResolveUDPAddr("udp", f.Listen_)
	if err != nil {
		errs = append(errs, fmt.Errorf("forward listen address %q: %w", f.Listen_, err))
	}
	f.Listen = addr

	if f.Target_ == "" {
		errs = append(errs, fmt.Errorf("forward target must not be empty"))
	}

	if f.Streams < 1 {
		f.Streams = 1
	} else if f.Streams > 64 {
		f.Streams = 64
	}

	return errs
}
