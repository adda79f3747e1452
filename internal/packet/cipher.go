package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"sync"
)

// Cipher provides per-datagram AEAD encryption/decryption over the whole
// encoded packet (header included), the same way the teacher's transport
// layer wraps each outgoing datagram before handing it to the socket.
type Cipher struct {
	aead      cipher.AEAD
	noncePool sync.Pool
}

// NewCipher builds an AES-GCM Cipher from key. A nil key disables encryption;
// Encrypt/Decrypt become no-ops on a nil *Cipher.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return nil, nil
	}

	var k []byte
	switch {
	case len(key) >= 32:
		k = key[:32]
	case len(key) >= 24:
		k = key[:24]
	case len(key) >= 16:
		k = key[:16]
	default:
		k = make([]byte, 16)
		copy(k, key)
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	return &Cipher{
		aead: aead,
		noncePool: sync.Pool{
			New: func() any {
				b := make([]byte, nonceSize)
				return &b
			},
		},
	}, nil
}

// Encrypt seals plaintext, returning ciphertext with the nonce prepended.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}

	np := c.noncePool.Get().(*[]byte)
	nonce := *np
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		c.noncePool.Put(np)
		return nil, err
	}

	out := c.aead.Seal(nonce, nonce, plaintext, nil)
	c.noncePool.Put(np)
	return out, nil
}

// Decrypt opens a datagram with its nonce prepended to the ciphertext.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("packet: ciphertext too short")
	}

	nonce := data[:nonceSize]
	ciphertext := data[nonceSize:]

	plain, err := c.aead.Open(ciphertext[:0], nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return plain, nil
}
