// Package vault keeps each host user's webmail credential encrypted under a
// per-user RSA key pair whose private half is sealed by the user's host
// passphrase.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/mailbridge/crypto"
	"github.com/jmcleod/mailbridge/internal/util"
	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/storage"
)

// EncryptedCredential is a stored credential. Both fields are ciphertexts
// under the user's public key.
type EncryptedCredential struct {
	UserID       string
	MailUser     string
	MailPassword string
	UpdatedAt    time.Time
}

// MailCredentials is a decrypted webmail login.
type MailCredentials struct {
	User     string
	Password string
}

func (c MailCredentials) String() string {
	return fmt.Sprintf("MailCredentials{User: %s, Password: [REDACTED]}", c.User)
}

// LogValue keeps the password out of structured logs.
func (c MailCredentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("user", c.User))
}

// CredentialVault stores and resolves webmail credentials.
type CredentialVault struct {
	repo         storage.Repository
	keys         *KeyStore
	autoRegister bool
	logger       *slog.Logger
}

// New returns a CredentialVault persisting to repo.
func New(repo storage.Repository, opts ...Option) *CredentialVault {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CredentialVault{
		repo:         repo,
		keys:         newKeyStore(repo, o),
		autoRegister: o.autoRegister,
		logger:       o.logger,
	}
}

// Keys returns the underlying KeyStore.
func (v *CredentialVault) Keys() *KeyStore {
	return v.keys
}

// EnsureUserRegistered inserts a bookkeeping row for userID if none exists.
func (v *CredentialVault) EnsureUserRegistered(ctx context.Context, userID string) error {
	if err := validateID(userID, "user ID"); err != nil {
		return err
	}
	created, err := v.repo.Register(ctx, userID)
	if err != nil {
		return fmt.Errorf("registering user: %w", err)
	}
	if created {
		v.logger.Info("registered user", "user_id", userID)
	}
	return nil
}

// HasKeyPair reports whether userID already has a stored key pair. Unlike
// Unlock it never provisions one.
func (v *CredentialVault) HasKeyPair(ctx context.Context, userID string) (bool, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return false, err
	}
	rec, err := v.repo.Get(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("loading account: %w", err)
	}
	return rec.HasKeyPair(), nil
}

// LoadCredentialRecord returns the user's stored credential. The boolean is
// false, with a nil error, when the user has none; in that case the user
// is registered as a side effect unless auto-registration is disabled.
func (v *CredentialVault) LoadCredentialRecord(ctx context.Context, userID string) (*EncryptedCredential, bool, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return nil, false, err
	}
	rec, err := v.repo.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		if v.autoRegister {
			if err := v.EnsureUserRegistered(ctx, userID); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading account: %w", err)
	}
	if !rec.HasCredential() {
		return nil, false, nil
	}
	return &EncryptedCredential{
		UserID:       rec.UserID,
		MailUser:     rec.MailUser,
		MailPassword: rec.MailPassword,
		UpdatedAt:    rec.UpdatedAt,
	}, true, nil
}

// SaveCredential encrypts and stores a webmail login. If the user has no
// public key yet, a key pair is provisioned with passphrase; when that is
// impossible the call fails with ErrNoPublicKey. Nothing is written unless
// both fields encrypt.
func (v *CredentialVault) SaveCredential(ctx context.Context, userID, passphrase, mailUser, mailPassword string) error {
	if err := validateID(userID, "user ID"); err != nil {
		return err
	}
	if err := validateMailCredentials(mailUser, mailPassword); err != nil {
		return err
	}

	pub, err := v.keys.PublicKey(ctx, userID)
	if errors.Is(err, ErrNoKeyPair) {
		if passphrase == "" {
			return ErrNoPublicKey
		}
		kp, genErr := v.keys.GenerateKeyPair(ctx, userID, passphrase)
		if genErr != nil {
			return fmt.Errorf("%w: %w", ErrNoPublicKey, genErr)
		}
		kp.Private.Destroy()
		pub = kp.Public
	} else if err != nil {
		return err
	}

	encUser, err := v.keys.Encrypt(mailUser, pub)
	if err != nil {
		return err
	}
	encPass, err := v.keys.Encrypt(mailPassword, pub)
	if err != nil {
		return err
	}
	if err := v.repo.PutCredential(ctx, userID, encUser, encPass); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	v.logger.Info("stored mail credential", "user_id", userID, "mail_user", mailUser)
	return nil
}

// ResolveCredential decrypts the user's stored credential. With an empty
// passphrase the private key comes from the host session cache; otherwise
// it is opened with passphrase and cached. The mail user is recorded in the session.
func (v *CredentialVault) ResolveCredential(ctx context.Context, sess session.Store, userID, passphrase string) (MailCredentials, error) {
	enc, ok, err := v.LoadCredentialRecord(ctx, userID)
	if err != nil {
		return MailCredentials{}, err
	}
	if !ok {
		return MailCredentials{}, ErrNoCredentials
	}

	priv, err := v.privateKey(ctx, sess, userID, passphrase)
	if err != nil {
		return MailCredentials{}, err
	}
	defer priv.Destroy()

	user, err := v.keys.Decrypt(enc.MailUser, priv)
	if err != nil {
		return MailCredentials{}, err
	}
	password, err := v.keys.Decrypt(enc.MailPassword, priv)
	if err != nil {
		return MailCredentials{}, err
	}

	sess.Set(ctx, session.KeyMailUser, user)
	return MailCredentials{User: user, Password: password}, nil
}

// Unlock opens (or provisions) the user's private key and caches it in the
// host session so later requests do not need the passphrase.
func (v *CredentialVault) Unlock(ctx context.Context, sess session.Store, userID, passphrase string) error {
	if err := validateID(userID, "user ID"); err != nil {
		return err
	}
	priv, err := v.keys.PrivateKey(ctx, userID, passphrase)
	if err != nil {
		return err
	}
	defer priv.Destroy()
	return cachePrivateKey(ctx, sess, priv)
}

// RotateKeyPair replaces the user's key pair. Any stored credential stays
// encrypted under the old key and must be saved again.
func (v *CredentialVault) RotateKeyPair(ctx context.Context, userID, passphrase string) error {
	kp, err := v.keys.GenerateKeyPair(ctx, userID, passphrase)
	if err != nil {
		return err
	}
	kp.Private.Destroy()
	v.logger.Warn("rotated key pair; stored credential must be saved again", "user_id", userID)
	return nil
}

// Purge deletes everything stored for the user.
func (v *CredentialVault) Purge(ctx context.Context, userID string) error {
	if err := v.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("purging account: %w", err)
	}
	v.logger.Info("purged account", "user_id", userID)
	return nil
}

// privateKey uses the session cache only when no passphrase is given. A
// passphrase is always checked against the stored key, and a key it opens
// replaces the cached one.
func (v *CredentialVault) privateKey(ctx context.Context, sess session.Store, userID, passphrase string) (*crypto.PrivateKeyHandle, error) {
	if cached, ok := sess.Get(ctx, session.KeyPrivateKey); passphrase == "" && ok && cached != "" {
		der, err := util.DecodeBlob(cached)
		if err == nil {
			priv, err := crypto.ImportPrivateKey(der)
			if err == nil {
				return priv, nil
			}
		}
		v.logger.Warn("discarding unreadable cached private key", "user_id", userID)
	}

	priv, err := v.keys.PrivateKey(ctx, userID, passphrase)
	if err != nil {
		return nil, err
	}
	if err := cachePrivateKey(ctx, sess, priv); err != nil {
		priv.Destroy()
		return nil, err
	}
	return priv, nil
}

func cachePrivateKey(ctx context.Context, sess session.Store, priv *crypto.PrivateKeyHandle) error {
	der, err := priv.Export()
	if err != nil {
		return fmt.Errorf("exporting private key: %w", err)
	}
	defer util.WipeBytes(der)
	sess.Set(ctx, session.KeyPrivateKey, util.EncodeBlob(der))
	return nil
}
