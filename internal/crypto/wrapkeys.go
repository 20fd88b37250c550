package icrypto

import "github.com/jmcleod/mailbridge/internal/util"

const (
	privateKeyWrapInfo = "mailbridge:private-key-wrap:v1"
	sessionValueInfo   = "mailbridge:session-value:v1"
)

// DerivePrivateKeyWrapKey expands a passphrase-derived key into the
// user-specific key that seals the private half of a key pair.
func DerivePrivateKeyWrapKey(passKey []byte, userID string) ([]byte, error) {
	return util.DeriveKey(passKey, []byte(userID), privateKeyWrapInfo)
}

// DeriveSessionValueKey derives the per-session key for stored session values
// from the process wrapping key.
func DeriveSessionValueKey(wrappingKey []byte, token string) ([]byte, error) {
	return util.DeriveKey(wrappingKey, []byte(token), sessionValueInfo)
}
