package contacts

import (
	"strings"
	"unicode"
)

// NormalizePhone turns a provider sender reference such as
// "5511999999999@c.us" into its digits. It returns "" when nothing is left.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isPlaceholderName reports names that carry no more than the number itself.
func isPlaceholderName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return true
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func bestName(candidates []string) string {
	for _, name := range candidates {
		if !isPlaceholderName(name) {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

func firstNonEmpty(candidates []string) string {
	for _, v := range candidates {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
