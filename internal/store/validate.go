package store

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxNameLength is the longest device name accepted, in characters.
const MaxNameLength = 64

// ValidateName checks a device name before it is persisted.
func ValidateName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("name is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		return fmt.Errorf("name too long: %d chars (max %d)", n, MaxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("name contains control characters")
		}
	}
	return nil
}
