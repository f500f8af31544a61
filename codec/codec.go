// Package codec transforms values at the persistence boundary. A codec is
// applied by the cache just before a backend write and just after a backend
// read; in-memory values are never transformed.
package codec

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var ErrOpenFailed = errors.New("codec: sealed value failed to open")

// Codec encodes values on the way into a backend and decodes them on the way
// out. Implementations must satisfy Open(Seal(v)) == v.
type Codec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Noop passes values through unchanged.
type Noop struct{}

func (Noop) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (Noop) Open(sealed []byte) ([]byte, error)    { return sealed, nil }

const nonceSize = 24

// Secretbox authenticates and encrypts values with NaCl secretbox. The random
// nonce is prefixed to the sealed payload.
type Secretbox struct {
	key [32]byte
}

// NewSecretbox builds a codec from a 32-byte secret key.
func NewSecretbox(key [32]byte) *Secretbox {
	return &Secretbox{key: key}
}

func (c *Secretbox) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("codec: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

func (c *Secretbox) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrOpenFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
