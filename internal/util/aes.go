package util

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// KeySize is the length of every symmetric key here: AES-256-GCM keys and
// the HKDF subkeys that feed them.
const KeySize = 32

// ErrOpenFailed means a GCM message did not authenticate under the given
// key and additional data.
var ErrOpenFailed = errors.New("aes-gcm: message authentication failed")

// Sealed is AES-256-GCM output with the nonce kept beside the ciphertext,
// the layout both the sealed private key and the storage envelope persist.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
}

// SealGCM encrypts plaintext under key with a fresh random nonce and
// authenticates aad alongside it.
func SealGCM(key, plaintext, aad []byte) (Sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Nonce: nonce, Ciphertext: gcm.Seal(nil, nonce, plaintext, aad)}, nil
}

// OpenGCM reverses SealGCM. Every authentication failure, wrong key or
// wrong aad included, is ErrOpenFailed.
func OpenGCM(key []byte, s Sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", ErrOpenFailed, len(s.Nonce), gcm.NonceSize())
	}
	plaintext, err := gcm.Open(nil, s.Nonce, s.Ciphertext, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
