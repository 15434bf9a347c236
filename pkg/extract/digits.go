package extract

import "strings"

// NormalizeDigits maps Persian (U+06F0..U+06F9) and Arabic-Indic
// (U+0660..U+0669) digits to ASCII. Idempotent; all other runes pass through.
func NormalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x06F0 && r <= 0x06F9:
			return '0' + (r - 0x06F0)
		case r >= 0x0660 && r <= 0x0669:
			return '0' + (r - 0x0660)
		}
		return r
	}, s)
}
