package crypto

import (
	"encoding/json"
	"errors"
	"fmt"

	icrypto "github.com/jmcleod/mailbridge/internal/crypto"
	"github.com/jmcleod/mailbridge/internal/util"
)

const (
	sealedKeyVersion = 1
	sealedSaltLen    = 16
)

var (
	// ErrUnseal means the sealed key did not authenticate: the passphrase is
	// wrong or the blob was bound to a different user.
	ErrUnseal = errors.New("crypto: unable to open sealed private key")
	// ErrMalformedSealedKey means the stored blob could not be parsed.
	ErrMalformedSealedKey = errors.New("crypto: malformed sealed private key")
)

type sealedKey struct {
	Version    int            `json:"v"`
	KDF        Argon2idParams `json:"kdf"`
	Salt       []byte         `json:"salt"`
	Nonce      []byte         `json:"nonce"`
	Ciphertext []byte         `json:"ct"`
}

// SealOption is a functional option for SealPrivateKey.
type SealOption func(*sealOptions)

type sealOptions struct {
	params Argon2idParams
}

// WithArgonParams sets the Argon2id parameters used to stretch the passphrase.
func WithArgonParams(params Argon2idParams) SealOption {
	return func(o *sealOptions) {
		o.params = params
	}
}

// SealPrivateKey encrypts the private key under a key derived from the
// passphrase and binds the result to userID. The result is a base64 string
// safe to persist.
func SealPrivateKey(priv *PrivateKeyHandle, userID, passphrase string, opts ...SealOption) (string, error) {
	options := sealOptions{params: DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(&options)
	}
	if err := ValidateArgon2idParams(options.params); err != nil {
		return "", err
	}

	salt, err := util.RandomBytes(sealedSaltLen)
	if err != nil {
		return "", err
	}
	wrapKey, err := wrapKey(passphrase, userID, salt, options.params)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(wrapKey)

	der, err := priv.Export()
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(der)

	sealed, err := util.SealGCM(wrapKey, der, icrypto.AADPrivateKey(userID, sealedKeyVersion))
	if err != nil {
		return "", fmt.Errorf("sealing private key: %w", err)
	}
	blob, err := json.Marshal(sealedKey{
		Version:    sealedKeyVersion,
		KDF:        options.params,
		Salt:       salt,
		Nonce:      sealed.Nonce,
		Ciphertext: sealed.Ciphertext,
	})
	if err != nil {
		return "", fmt.Errorf("encoding sealed key: %w", err)
	}
	return util.EncodeBlob(blob), nil
}

// OpenPrivateKey reverses SealPrivateKey.
func OpenPrivateKey(sealed, userID, passphrase string) (*PrivateKeyHandle, error) {
	blob, err := util.DecodeBlob(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSealedKey, err)
	}
	var sk sealedKey
	if err := json.Unmarshal(blob, &sk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSealedKey, err)
	}
	if sk.Version != sealedKeyVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedSealedKey, sk.Version)
	}
	if err := ValidateArgon2idParams(sk.KDF); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSealedKey, err)
	}

	wrapKey, err := wrapKey(passphrase, userID, sk.Salt, sk.KDF)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	der, err := util.OpenGCM(wrapKey, util.Sealed{Nonce: sk.Nonce, Ciphertext: sk.Ciphertext}, icrypto.AADPrivateKey(userID, sk.Version))
	if err != nil {
		return nil, ErrUnseal
	}
	return ImportPrivateKey(der)
}

func wrapKey(passphrase, userID string, salt []byte, params Argon2idParams) ([]byte, error) {
	passKey, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	defer util.WipeBytes(passKey)
	return icrypto.DerivePrivateKeyWrapKey(passKey, userID)
}
