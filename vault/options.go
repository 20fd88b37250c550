package vault

import (
	"log/slog"

	"github.com/jmcleod/mailbridge/crypto"
)

// Option configures a KeyStore or CredentialVault.
type Option func(*options)

type options struct {
	keyBits      int
	kdf          crypto.Argon2idParams
	logger       *slog.Logger
	autoRegister bool
}

func defaultOptions() options {
	return options{
		keyBits:      crypto.DefaultKeyBits,
		kdf:          crypto.DefaultArgon2idParams(),
		logger:       slog.Default(),
		autoRegister: true,
	}
}

// WithKeyBits sets the RSA modulus size for new key pairs.
// Default: 2048.
func WithKeyBits(bits int) Option {
	return func(o *options) {
		o.keyBits = bits
	}
}

// WithKDFParams sets the Argon2id parameters used to seal new private keys.
func WithKDFParams(params crypto.Argon2idParams) Option {
	return func(o *options) {
		o.kdf = params
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAutoRegister controls whether loading an unknown user inserts a
// bookkeeping row. Default: true.
func WithAutoRegister(enabled bool) Option {
	return func(o *options) {
		o.autoRegister = enabled
	}
}
