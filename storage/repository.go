// Package storage provides the storage abstraction layer for per-user
// mail accounts: a key pair and an encrypted webmail credential, one row per
// host user.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row exists for a user.
	ErrNotFound = errors.New("account not found")
	// ErrEmptyUserID is returned when a user id is blank.
	ErrEmptyUserID = errors.New("user id must not be empty")
	// ErrPartialCredential is returned when only one of the encrypted
	// credential fields is supplied.
	ErrPartialCredential = errors.New("mail user and mail password must be stored together")
	// ErrPartialKeyPair is returned when only one half of a key pair is supplied.
	ErrPartialKeyPair = errors.New("public and private key must be stored together")
)

// Record is one user's row. PublicKey is a PEM encoded public key,
// PrivateKey the passphrase-sealed private key, and MailUser/MailPassword
// are ciphertexts under PublicKey. Empty strings mean absent.
type Record struct {
	UserID       string    `json:"user_id"`
	PublicKey    string    `json:"public_key,omitempty"`
	PrivateKey   string    `json:"private_key,omitempty"`
	MailUser     string    `json:"mail_user,omitempty"`
	MailPassword string    `json:"mail_password,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasKeyPair reports whether both key halves are stored.
func (r *Record) HasKeyPair() bool {
	return r.PublicKey != "" && r.PrivateKey != ""
}

// HasCredential reports whether both encrypted credential fields are stored.
func (r *Record) HasCredential() bool {
	return r.MailUser != "" && r.MailPassword != ""
}

// Clone returns a copy safe to hand to callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Repository persists account rows. Every method touches a single row and
// is atomic with respect to that row.
type Repository interface {
	// Register inserts an empty row for userID if none exists. It reports
	// whether a row was created.
	Register(ctx context.Context, userID string) (bool, error)
	Get(ctx context.Context, userID string) (*Record, error)
	// PutKeyPair replaces both key halves, creating the row if needed.
	// Stored credentials are left untouched.
	PutKeyPair(ctx context.Context, userID, publicKey, privateKey string) error
	// PutCredential replaces both credential fields, creating the row if needed.
	PutCredential(ctx context.Context, userID, mailUser, mailPassword string) error
	Delete(ctx context.Context, userID string) error
}

// CheckKeyPair validates arguments to PutKeyPair.
func CheckKeyPair(userID, publicKey, privateKey string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if publicKey == "" || privateKey == "" {
		return ErrPartialKeyPair
	}
	return nil
}

// CheckCredential validates arguments to PutCredential.
func CheckCredential(userID, mailUser, mailPassword string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if mailUser == "" || mailPassword == "" {
		return ErrPartialCredential
	}
	return nil
}
