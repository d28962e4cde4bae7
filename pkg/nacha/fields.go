package nacha

import (
	"strconv"
	"strings"
)

const (
	RecordLength   = 94
	BlockingFactor = 10
)

// numeric left-pads digits with zeros, keeping the rightmost width digits.
func numeric(value int64, width int) string {
	if value < 0 {
		value = -value
	}
	s := strconv.FormatInt(value, 10)
	if len(s) > width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}

// numericString left-pads an already-digit string with zeros.
func numericString(value string, width int) string {
	value = strings.TrimSpace(value)
	if len(value) > width {
		return value[len(value)-width:]
	}
	return strings.Repeat("0", width-len(value)) + value
}

// alpha right-pads with spaces and truncates to width. Lowercase is folded to
// upper and characters outside the NACHA printable set become spaces.
func alpha(value string, width int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(value) {
		if r < 0x20 || r > 0x7E {
			r = ' '
		}
		b.WriteRune(r)
		if b.Len() >= width {
			break
		}
	}
	s := b.String()
	if len(s) > width {
		s = s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// blankOrRouting renders the 10-character immediate destination/origin field:
// a 9-digit routing number gets a leading space, a 10-character id is kept.
func blankOrRouting(value string) string {
	value = strings.TrimSpace(value)
	if len(value) == 9 {
		return " " + value
	}
	return alpha(value, 10)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
