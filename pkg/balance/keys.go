package balance

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ValidateOpID checks an operation or hold identifier.
//
// Rules:
// - Non-empty string
// - Maximum length of 128 characters
// - No control characters, whitespace or braces (braces would break key hash tags)
func ValidateOpID(id string) error {
	if id == "" {
		return ErrInvalidOperation
	}

	if len(id) > 128 {
		return fmt.Errorf("%w: id too long (max 128 characters)", ErrInvalidOperation)
	}

	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: id contains control or space character", ErrInvalidOperation)
		}
		if r == '{' || r == '}' {
			return fmt.Errorf("%w: id contains a brace", ErrInvalidOperation)
		}
	}

	return nil
}

// KeyPattern builds the keys a key-value backend stores balances under.
// The account id is wrapped in a hash tag so that a balance and all of its
// hold and marker keys land in the same Redis Cluster slot, which lets a
// single script touch them atomically.
type KeyPattern struct {
	prefix string
}

// NewKeyPattern creates a key pattern with the given prefix.
// An empty prefix defaults to "balance".
func NewKeyPattern(prefix string) *KeyPattern {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "balance"
	}
	return &KeyPattern{prefix: prefix}
}

// Balance returns the hash key holding available and reserved units.
// Example: balance:{42}
func (kp *KeyPattern) Balance(accountID int64) string {
	return kp.prefix + ":{" + strconv.FormatInt(accountID, 10) + "}"
}

// Hold returns the key recording an outstanding reservation.
// Example: balance:{42}:hold:tx-7
func (kp *KeyPattern) Hold(accountID int64, holdID string) string {
	return kp.Balance(accountID) + ":hold:" + holdID
}

// Applied returns the marker key recording that an operation took effect.
// Example: balance:{42}:applied:tx-7
func (kp *KeyPattern) Applied(accountID int64, opID string) string {
	return kp.Balance(accountID) + ":applied:" + opID
}
