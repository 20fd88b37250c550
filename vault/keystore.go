package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/mailbridge/crypto"
	"github.com/jmcleod/mailbridge/storage"
)

// KeyStore manages each user's RSA key pair. The public half is stored in
// the clear; the private half is sealed under the user's passphrase.
type KeyStore struct {
	repo    storage.Repository
	keyBits int
	kdf     crypto.Argon2idParams
	logger  *slog.Logger
}

// NewKeyStore returns a KeyStore persisting to repo.
func NewKeyStore(repo storage.Repository, opts ...Option) *KeyStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newKeyStore(repo, o)
}

func newKeyStore(repo storage.Repository, o options) *KeyStore {
	return &KeyStore{
		repo:    repo,
		keyBits: o.keyBits,
		kdf:     o.kdf,
		logger:  o.logger,
	}
}

// GenerateKeyPair creates a fresh pair for userID, seals the private half
// with passphrase and persists both, replacing any existing pair.
// Credentials encrypted under a replaced pair can no longer be decrypted.
func (k *KeyStore) GenerateKeyPair(ctx context.Context, userID, passphrase string) (*crypto.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(userID, "user ID"); err != nil {
		return nil, err
	}
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrKeyGenFailed)
	}

	kp, err := crypto.GenerateKeyPair(k.keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyGenFailed, err)
	}
	pubPEM, err := kp.Public.PEM()
	if err != nil {
		kp.Private.Destroy()
		return nil, fmt.Errorf("%w: %w", ErrKeyGenFailed, err)
	}
	sealed, err := crypto.SealPrivateKey(kp.Private, userID, passphrase, crypto.WithArgonParams(k.kdf))
	if err != nil {
		kp.Private.Destroy()
		return nil, fmt.Errorf("%w: %w", ErrKeyGenFailed, err)
	}
	if err := k.repo.PutKeyPair(ctx, userID, pubPEM, sealed); err != nil {
		kp.Private.Destroy()
		return nil, fmt.Errorf("%w: storing key pair: %w", ErrKeyGenFailed, err)
	}

	k.logger.Info("generated key pair", "user_id", userID, "bits", k.keyBits)
	return kp, nil
}

// PublicKey returns the stored public key for userID.
func (k *KeyStore) PublicKey(ctx context.Context, userID string) (*crypto.PublicKey, error) {
	rec, err := k.repo.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoKeyPair
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if !rec.HasKeyPair() {
		return nil, ErrNoKeyPair
	}
	pub, err := crypto.ParsePublicKey(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing stored public key: %w", err)
	}
	return pub, nil
}

// PrivateKey opens the user's private key with passphrase. A user without
// a key pair gets one generated on the spot. A stored pair that does not
// open with passphrase yields ErrWrongPassphrase.
func (k *KeyStore) PrivateKey(ctx context.Context, userID, passphrase string) (*crypto.PrivateKeyHandle, error) {
	rec, err := k.repo.Get(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if err != nil || !rec.HasKeyPair() {
		k.logger.Info("provisioning key pair on first use", "user_id", userID)
		kp, err := k.GenerateKeyPair(ctx, userID, passphrase)
		if err != nil {
			return nil, err
		}
		return kp.Private, nil
	}

	priv, err := crypto.OpenPrivateKey(rec.PrivateKey, userID, passphrase)
	switch {
	case errors.Is(err, crypto.ErrUnseal):
		return nil, ErrWrongPassphrase
	case err != nil:
		return nil, fmt.Errorf("%w: stored private key: %w", ErrDecryptFailed, err)
	}
	return priv, nil
}

// Encrypt encrypts plaintext for pub.
func (k *KeyStore) Encrypt(plaintext string, pub *crypto.PublicKey) (string, error) {
	ct, err := crypto.Encrypt([]byte(plaintext), pub)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncryptFailed, err)
	}
	return ct, nil
}

// Decrypt decrypts a ciphertext produced by Encrypt.
func (k *KeyStore) Decrypt(ciphertext string, priv *crypto.PrivateKeyHandle) (string, error) {
	pt, err := crypto.Decrypt(ciphertext, priv)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}
	return string(pt), nil
}
