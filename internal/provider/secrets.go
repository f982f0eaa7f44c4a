package provider

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// Argon2id parameters for deriving the account secret key.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	keyLen        = 32
	nonceLen      = 24
	minSaltLen    = 8
)

// ErrSecretsDisabled is returned when a secret must be stored but no
// passphrase is configured.
var ErrSecretsDisabled = errors.New("secrets passphrase is not configured")

// Sealer encrypts provider credentials at rest with a key derived from a
// configured passphrase.
type Sealer struct {
	key [keyLen]byte
}

// NewSealer derives the key from passphrase and salt.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrSecretsDisabled
	}
	if len(salt) < minSaltLen {
		return nil, fmt.Errorf("secrets salt must be at least %d bytes", minSaltLen)
	}

	s := &Sealer{}
	copy(s.key[:], argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, keyLen))
	return s, nil
}

// Seal encrypts plain. The output is nonce || box.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceLen+secretbox.Overhead {
		return nil, errors.New("sealed secret is too short")
	}
	var nonce [nonceLen]byte
	copy(nonce[:], sealed[:nonceLen])

	plain, ok := secretbox.Open(nil, sealed[nonceLen:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("failed to decrypt secret: wrong passphrase or corrupted data")
	}
	return plain, nil
}
