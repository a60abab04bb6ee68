// Package uuid generates and validates the identifiers used for works,
// sources, revisions, approvals and pipeline jobs.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Random identifiers are v4; time-ordered identifiers are v7. Both share
// the RFC 4122 variant bits.
var idRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a random (v4) identifier.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered (v7) identifier. Revisions and
// approvals use it so that lexical order follows creation order.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses s and requires a v4 or v7 identifier.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("unsupported id version v%d", v)
	}
	return id, nil
}

// IsValid checks the canonical dashed form of a v4 or v7 identifier.
func IsValid(s string) bool {
	return idRegex.MatchString(s)
}

// Validate returns an error if s is not a valid identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid id format: %q", s)
	}
	return nil
}
