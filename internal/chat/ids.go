package chat

import (
	"strings"

	"github.com/google/uuid"
)

const canonicalIDLen = 36

// NormalizeID returns the lowercase canonical form of a session or turn id.
// Only the hyphenated 8-4-4-4-12 form with a version nibble of 1..8 and the
// RFC 4122 variant is accepted; braces, urn: prefixes and bare hex are rejected.
func NormalizeID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) != canonicalIDLen {
		return "", false
	}
	if s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return "", false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	if v := id.Version(); v < 1 || v > 8 {
		return "", false
	}
	if id.Variant() != uuid.RFC4122 {
		return "", false
	}
	return id.String(), true
}

// NewID generates a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}
