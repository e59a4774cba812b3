// Package uuid provides UUID generation and validation utilities.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4. Device
// ids go through it before they name remote files.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// linkNamespace scopes name-based ids derived by Derive.
var linkNamespace = uuid.MustParse("6f1c1d3e-9b57-4c5a-8a33-2d0c4d6b7e10")

// Derive returns a name-based (v5) UUID for the given parts. Devices that
// create the same logical row independently derive the same id.
func Derive(parts ...string) string {
	return uuid.NewSHA1(linkNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// IsAny reports whether s parses as a UUID of any version.
func IsAny(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}
