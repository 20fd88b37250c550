package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyGenFailed indicates a key pair could not be generated or persisted.
	ErrKeyGenFailed = errors.New("key generation failed")
	// ErrWrongPassphrase indicates a key pair exists but the passphrase does not open it.
	ErrWrongPassphrase = errors.New("wrong passphrase")
	// ErrEncryptFailed indicates a credential field could not be encrypted.
	ErrEncryptFailed = errors.New("encryption failed")
	// ErrDecryptFailed indicates a stored credential could not be decrypted.
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrNoCredentials indicates the user has not stored webmail credentials.
	ErrNoCredentials = errors.New("no stored mail credentials")
	// ErrNoPublicKey indicates no public key exists and none could be provisioned.
	ErrNoPublicKey = errors.New("no public key available")
	// ErrNoKeyPair indicates the user has no stored key pair.
	ErrNoKeyPair = errors.New("no key pair")
)

// ValidationError reports a malformed argument.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}
