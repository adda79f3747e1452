package conf

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Crypto configures the AEAD cipher applied to every datagram before it
// hits the wire (internal/packet.Cipher). Only AES-GCM is implemented, so
// unlike the teacher's broader cipher menu this validates against exactly
// the two modes that exist: "aes" and "none".
type Crypto struct {
	Key    string `yaml:"key"`
	Block_ string `yaml:"block"`
	Block  []byte `yaml:"-"` // derived key bytes, set by validate
}

// ValidBlocks lists the supported block cipher names.
var ValidBlocks = []string{"aes", "none"}

func (c *Crypto) setDefaults() {
	if c.Block_ == "" {
		c.Block_ = "aes"
	}
}

func (c *Crypto) validate() []error {
	var errs []error

	if !IsNullBlock(c.Block_) && c.Block_ != "aes" {
		errs = append(errs, fmt.Errorf("crypto.block must be one of: %v", ValidBlocks))
		return errs
	}
	if err := ValidateBlockAndKey(c.Block_, c.Key); err != nil {
		errs = append(errs, err)
	}
	if len(c.Key) > 0 && !IsNullBlock(c.Block_) {
		c.Block = DeriveKey(c.Key)
	}
	return errs
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase using PBKDF2.
func DeriveKey(key string) []byte {
	return pbkdf2.Key([]byte(key), []byte("utp"), 100_000, 32, sha256.New)
}

// IsNullBlock returns true if block means "no encryption".
func IsNullBlock(block string) bool {
	return block == "none" || block == ""
}

// ValidateBlockAndKey checks that block is supported and that a key is
// supplied when encryption is enabled.
func ValidateBlockAndKey(block, key string) error {
	if block != "aes" && !IsNullBlock(block) {
		return fmt.Errorf("unsupported encryption block: %s (valid: %v)", block, ValidBlocks)
	}
	if block == "aes" && len(key) == 0 {
		return fmt.Errorf("encryption key is required for block %q", block)
	}
	return nil
}
