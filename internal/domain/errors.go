/**
 * @description
 * Error taxonomy for the ACH service. Store-level sentinels live in the store
 * package; the kinds here are what callers branch on.
 */
package domain

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrEncryption       = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrLockContention   = errors.New("another batch run is in progress")
	ErrConfiguration    = errors.New("configuration error")
	ErrOrderNotFound    = errors.New("order not found")
	ErrSessionNotFound  = errors.New("verification session not found")
	ErrInvalidStep      = errors.New("verification step transition not allowed")
	ErrRateLimited      = errors.New("rate limit exceeded")

	ErrTokenNotFound    = errors.New("handoff token not found")
	ErrTokenExpired     = errors.New("handoff token expired")
	ErrTokenAlreadyUsed = errors.New("handoff token already used")
)

// ValidationErrors maps a field name to a user-correctable message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+v[field])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Err returns nil when there are no field errors.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// IsTokenError reports whether err is one of the handoff token failures that
// the customer sees as a generic "link expired".
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenAlreadyUsed)
}
