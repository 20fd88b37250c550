package vault

import (
	"unicode"
	"unicode/utf8"
)

const (
	MaxIDLength       = 256
	MaxMailUserLength = 320
)

func validateID(id, label string) error {
	if id == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return validationErrorf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

func validateMailCredentials(user, password string) error {
	if user == "" {
		return validationErrorf("mail user must not be empty")
	}
	if len(user) > MaxMailUserLength {
		return validationErrorf("mail user exceeds maximum length of %d", MaxMailUserLength)
	}
	if password == "" {
		return validationErrorf("mail password must not be empty")
	}
	for _, r := range user {
		if unicode.IsControl(r) {
			return validationErrorf("mail user contains control character")
		}
	}
	return nil
}
