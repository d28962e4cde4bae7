/**
 * @description
 * Stateless bank detail checks used by the verification wizard and the batch
 * runner: ABA routing checksum, account number format, and NACHA-safe holder
 * names.
 *
 * @dependencies
 * - golang.org/x/text: unicode normalization for diacritic stripping.
 */
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reasons reported by ValidateRouting and ValidateAccount.
const (
	ReasonEmpty       = "empty"
	ReasonLength      = "length"
	ReasonNonDigit    = "non-digit"
	ReasonPrefix      = "prefix"
	ReasonChecksum    = "checksum"
	ReasonRepeated    = "repeated-digits"
	ReasonAllZero     = "all-zero"
	MaxHolderNameSize = 22
)

var routingWeights = [9]int{3, 7, 1, 3, 7, 1, 3, 7, 1}

// ValidateRouting checks length, digits, Federal Reserve prefix and the ABA checksum.
func ValidateRouting(routing string) (bool, string) {
	routing = strings.TrimSpace(routing)
	if routing == "" {
		return false, ReasonEmpty
	}
	if len(routing) != 9 {
		return false, ReasonLength
	}
	if !allDigits(routing) {
		return false, ReasonNonDigit
	}
	if !validRoutingPrefix(routing[:2]) {
		return false, ReasonPrefix
	}
	if routingChecksum(routing) != 0 {
		return false, ReasonChecksum
	}
	return true, ""
}

// validRoutingPrefix accepts 00 (government), 01-12 (Federal Reserve districts),
// 21-32 (thrifts), 61-72 (electronic) and 80 (traveler's checks).
func validRoutingPrefix(prefix string) bool {
	n := int(prefix[0]-'0')*10 + int(prefix[1]-'0')
	switch {
	case n >= 0 && n <= 12:
		return true
	case n >= 21 && n <= 32:
		return true
	case n >= 61 && n <= 72:
		return true
	case n == 80:
		return true
	}
	return false
}

func routingChecksum(routing string) int {
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(routing[i]-'0') * routingWeights[i]
	}
	return sum % 10
}

// RoutingCheckDigit returns the ninth digit that makes first8 a valid routing number.
func RoutingCheckDigit(first8 string) (int, error) {
	first8 = strings.TrimSpace(first8)
	if len(first8) != 8 {
		return 0, fmt.Errorf("routing prefix must be 8 digits, got %d", len(first8))
	}
	if !allDigits(first8) {
		return 0, fmt.Errorf("routing prefix must contain only digits")
	}
	sum := 0
	for i := 0; i < 8; i++ {
		sum += int(first8[i]-'0') * routingWeights[i]
	}
	// The ninth weight is 1, so the digit is whatever closes the sum to a multiple of 10.
	return (10 - sum%10) % 10, nil
}

// ValidateAccount checks the 4-17 digit format. Repeated-digit and all-zero
// numbers fail with a heuristic reason; see IsHeuristicAccountReason.
func ValidateAccount(account string) (bool, string) {
	account = strings.TrimSpace(account)
	if account == "" {
		return false, ReasonEmpty
	}
	if len(account) < 4 || len(account) > 17 {
		return false, ReasonLength
	}
	if !allDigits(account) {
		return false, ReasonNonDigit
	}
	if strings.Trim(account, "0") == "" {
		return false, ReasonAllZero
	}
	if strings.Count(account, account[:1]) == len(account) {
		return false, ReasonRepeated
	}
	return true, ""
}

// IsHeuristicAccountReason reports whether a ValidateAccount failure is a
// likely-mistyped warning rather than a hard format error.
func IsHeuristicAccountReason(reason string) bool {
	return reason == ReasonRepeated || reason == ReasonAllZero
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeHolderName produces the NACHA individual-name field value.
func SanitizeHolderName(name string) string {
	stripped, _, err := transform.String(diacriticStripper, name)
	if err != nil {
		stripped = name
	}
	stripped = strings.ToUpper(stripped)

	var b strings.Builder
	lastSpace := true
	for _, r := range stripped {
		switch {
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '.' || r == ',':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}

	out := strings.TrimSpace(b.String())
	if len(out) > MaxHolderNameSize {
		out = strings.TrimSpace(out[:MaxHolderNameSize])
	}
	return out
}

// LastFour returns the trailing four characters of an account number.
func LastFour(account string) string {
	account = strings.TrimSpace(account)
	if len(account) <= 4 {
		return account
	}
	return account[len(account)-4:]
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
