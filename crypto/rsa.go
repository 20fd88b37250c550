package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/mailbridge/internal/util"
)

const (
	// MinKeyBits is the smallest RSA modulus accepted for new key pairs.
	MinKeyBits = 2048
	// DefaultKeyBits is the modulus size used when none is configured.
	DefaultKeyBits = 2048

	pemPublicKey = "PUBLIC KEY"
)

var (
	ErrKeySize        = errors.New("crypto: RSA key size below minimum")
	ErrInvalidKey     = errors.New("crypto: invalid key encoding")
	ErrKeyDestroyed   = errors.New("crypto: private key handle destroyed")
	ErrMessageTooLong = errors.New("crypto: plaintext too long for key")
)

// PublicKey is the unprotected half of a user's key pair.
type PublicKey struct {
	key *rsa.PublicKey
}

// PEM encodes the key as a PKIX "PUBLIC KEY" block.
func (p *PublicKey) PEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(p.key)
	if err != nil {
		return "", fmt.Errorf("marshalling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der})), nil
}

// Bits returns the modulus size.
func (p *PublicKey) Bits() int {
	return p.key.N.BitLen()
}

// MaxPlaintext returns the largest plaintext Encrypt accepts for this key.
func (p *PublicKey) MaxPlaintext() int {
	return p.key.Size() - 2*sha256.Size - 2
}

// ParsePublicKey decodes a PEM encoded PKIX RSA public key.
func ParsePublicKey(s string) (*PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != pemPublicKey {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return &PublicKey{key: pub}, nil
}

// PrivateKeyHandle is a loaded private key. The PKCS#8 encoding lives in a
// memguard enclave and is only decrypted into locked memory while in use.
// Raw bytes cross the boundary only through Export and ImportPrivateKey.
type PrivateKeyHandle struct {
	enclave *memguard.Enclave
	public  *PublicKey
}

// ImportPrivateKey loads a PKCS#8 DER encoded RSA private key. The input
// slice is wiped.
func ImportPrivateKey(der []byte) (*PrivateKeyHandle, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		util.WipeBytes(der)
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		util.WipeBytes(der)
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return &PrivateKeyHandle{
		enclave: memguard.NewEnclave(der),
		public:  &PublicKey{key: &priv.PublicKey},
	}, nil
}

// Export returns a copy of the PKCS#8 DER encoding. Callers own the
// returned slice and should wipe it when done.
func (h *PrivateKeyHandle) Export() ([]byte, error) {
	if h == nil || h.enclave == nil {
		return nil, ErrKeyDestroyed
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	return bytes.Clone(buf.Bytes()), nil
}

// Public returns the matching public key.
func (h *PrivateKeyHandle) Public() *PublicKey {
	return h.public
}

// Destroy drops the enclave reference. The handle is unusable afterwards.
func (h *PrivateKeyHandle) Destroy() {
	if h != nil {
		h.enclave = nil
	}
}

func (h *PrivateKeyHandle) withKey(fn func(*rsa.PrivateKey) error) error {
	if h == nil || h.enclave == nil {
		return ErrKeyDestroyed
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()
	parsed, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return fn(priv)
}

// KeyPair is a freshly generated public/private pair.
type KeyPair struct {
	Public  *PublicKey
	Private *PrivateKeyHandle
}

// GenerateKeyPair creates a new RSA key pair with the given modulus size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: %d < %d", ErrKeySize, bits, MinKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshalling private key: %w", err)
	}
	handle, err := ImportPrivateKey(der)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: handle.Public(), Private: handle}, nil
}

// Encrypt encrypts plaintext with RSA-OAEP (SHA-256) and returns standard
// base64.
func Encrypt(plaintext []byte, pub *PublicKey) (string, error) {
	if pub == nil || pub.key == nil {
		return "", ErrInvalidKey
	}
	if len(plaintext) > pub.MaxPlaintext() {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLong, len(plaintext), pub.MaxPlaintext())
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub.key, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}
	return util.EncodeBlob(ct), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, priv *PrivateKeyHandle) ([]byte, error) {
	raw, err := util.DecodeBlob(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	var out []byte
	err = priv.withKey(func(k *rsa.PrivateKey) error {
		pt, err := rsa.DecryptOAEP(sha256.New(), nil, k, raw, nil)
		if err != nil {
			return fmt.Errorf("decrypting: %w", err)
		}
		out = pt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
