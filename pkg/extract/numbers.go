package extract

import (
	"math"
	"strconv"
	"strings"
)

// NumberStyle is a separator convention for written numbers.
type NumberStyle int

const (
	StyleUnknown NumberStyle = iota
	StyleUS                  // 1,234.56
	StyleEU                  // 1.234,56
	StylePlain               // 1234.56 or 1234
)

var currencyRunes = map[rune]string{
	'$': "USD", '€': "EUR", '£': "GBP", '¥': "JPY", '₹': "INR",
}

// StripCurrency removes currency symbols and surrounding whitespace,
// returning the cleaned string and the ISO code of the first symbol seen.
func StripCurrency(s string) (string, string) {
	currency := ""
	cleaned := strings.Map(func(r rune) rune {
		if code, ok := currencyRunes[r]; ok {
			if currency == "" {
				currency = code
			}
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(cleaned), currency
}

// ParseNumber parses a numeric string trying the preferred style first, then
// the remaining conventions. Digit normalization and currency stripping are
// applied internally, so callers can pass raw cell text.
func ParseNumber(s string, prefer NumberStyle) (float64, bool) {
	s = NormalizeDigits(strings.TrimSpace(s))
	s, _ = StripCurrency(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	order := []NumberStyle{StyleUS, StyleEU, StylePlain}
	if prefer != StyleUnknown {
		order = append([]NumberStyle{prefer}, order...)
	}
	for _, style := range order {
		if v, ok := parseWithStyle(s, style); ok {
			if neg {
				v = -v
			}
			return v, true
		}
	}
	return 0, false
}

func parseWithStyle(s string, style NumberStyle) (float64, bool) {
	var candidate string
	switch style {
	case StyleUS:
		if !validGrouping(s, ',', '.') {
			return 0, false
		}
		candidate = strings.ReplaceAll(s, ",", "")
	case StyleEU:
		if !validGrouping(s, '.', ',') {
			return 0, false
		}
		candidate = strings.ReplaceAll(s, ".", "")
		candidate = strings.ReplaceAll(candidate, ",", ".")
	case StylePlain:
		if strings.ContainsRune(s, ',') {
			return 0, false
		}
		candidate = s
	default:
		return 0, false
	}
	v, err := strconv.ParseFloat(candidate, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// validGrouping checks that the thousands separator only appears in groups of
// three left of the decimal separator, and the decimal separator at most once.
func validGrouping(s string, thousands, decimal rune) bool {
	intPart := s
	if i := strings.IndexRune(s, decimal); i >= 0 {
		intPart = s[:i]
		frac := s[i+1:]
		if strings.ContainsRune(frac, decimal) || strings.ContainsRune(frac, thousands) {
			return false
		}
	}
	if !strings.ContainsRune(intPart, thousands) {
		return true
	}
	groups := strings.Split(strings.TrimPrefix(intPart, "-"), string(thousands))
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

// DetectColumnStyle inspects a column's values and returns the majority
// separator convention. Values that could belong to either convention do not
// vote.
func DetectColumnStyle(values []string) NumberStyle {
	votes := map[NumberStyle]int{}
	for _, v := range values {
		v = NormalizeDigits(strings.TrimSpace(v))
		v, _ = StripCurrency(v)
		comma := strings.LastIndex(v, ",")
		dot := strings.LastIndex(v, ".")
		switch {
		case comma >= 0 && dot >= 0:
			if dot > comma {
				votes[StyleUS]++
			} else {
				votes[StyleEU]++
			}
		case comma >= 0:
			// A single comma followed by exactly two digits reads as an EU
			// decimal; comma groups of three read as US thousands.
			if len(v)-comma-1 == 2 && strings.Count(v, ",") == 1 {
				votes[StyleEU]++
			} else if validGrouping(v, ',', '.') {
				votes[StyleUS]++
			}
		case dot >= 0:
			if len(v)-dot-1 == 3 && strings.Count(v, ".") == 1 && len(v) > 4 {
				// Could be EU thousands; weak signal, no vote.
				continue
			}
			votes[StylePlain]++
		}
	}
	best, bestN := StyleUnknown, 0
	for style, n := range votes {
		if n > bestN {
			best, bestN = style, n
		}
	}
	return best
}
