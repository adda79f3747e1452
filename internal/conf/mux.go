package conf

import (
	"fmt"
	"time"
)

// Mux configures the multiplexer itself. spec.md section 9 flags
// AWAIT_TIMEOUT and the cid-generation retry threshold as values that
// "should be config rather than hard-coded constants" — this is that
// config surface.
type Mux struct {
	AwaitTimeout time.Duration `yaml:"await_timeout"`
	MaxUDPPayload int          `yaml:"max_udp_payload"`

	// CIDGenerationWarnAt is the attempt count at which a colliding cid
	// generation logs a warning (spec.md CID_GENERATION_TRY_WARNING_COUNT).
	CIDGenerationWarnAt int `yaml:"cid_generation_warn_at"`
	// CIDGenerationHardCap bounds the retry loop: once this many attempts
	// have collided, generation logs an error and returns the last drawn
	// cid anyway instead of spinning forever; the caller is never failed.
	CIDGenerationHardCap int `yaml:"cid_generation_hard_cap"`
}

func (m *Mux) setDefaults() {
	if m.AwaitTimeout == 0 {
		m.AwaitTimeout = 20 * time.Second
	}
	if m.MaxUDPPayload == 0 {
		m.MaxUDPPayload = 65535
	}
	if m.CIDGenerationWarnAt == 0 {
		m.CIDGenerationWarnAt = 10
	}
	if m.CIDGenerationHardCap == 0 {
		m.CIDGenerationHardCap = 1 << 16
	}
}

func (m *Mux) validate() []error {
	var errs []error
	if m.AwaitTimeout < time.Second {
		errs = append(errs, fmt.Errorf("mux.await_timeout must be >= 1s"))
	}
	if m.MaxUDPPayload < 576 || m.MaxUDPPayload > 65535 {
		errs = append(errs, fmt.Errorf("mux.max_udp_payload must be in [576, 65535]"))
	}
	if m.CIDGenerationWarnAt < 1 {
		errs = append(errs, fmt.Errorf("mux.cid_generation_warn_at must be >= 1"))
	}
	if m.CIDGenerationHardCap < m.CIDGenerationWarnAt {
		errs = append(errs, fmt.Errorf("mux.cid_generation_hard_cap must be >= cid_generation_warn_at"))
	}
	return errs
}
