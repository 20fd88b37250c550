package util

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeBlob renders binary material at rest (sealed keys, ciphertexts,
// cached key DER) as padded standard base64.
func EncodeBlob(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBlob reverses EncodeBlob, ignoring surrounding whitespace.
func DecodeBlob(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding blob: %w", err)
	}
	return b, nil
}

// WipeBytes best-effort zeroes each slice in place.
func WipeBytes(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
