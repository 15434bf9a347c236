package extract

// gtinLengths are the GS1 formats accepted for item identification.
var gtinLengths = map[int]bool{8: true, 12: true, 13: true, 14: true}

// ValidGTIN reports whether s is a well-formed GTIN: all digits, a GS1
// length, and a correct check digit. Weights alternate 3,1,3,... starting
// from the digit next to the check digit, counted from the right.
func ValidGTIN(s string) bool {
	s = NormalizeDigits(s)
	if !gtinLengths[len(s)] {
		return false
	}
	sum := 0
	weight := 3
	for i := len(s) - 2; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		sum += int(c-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	check := s[len(s)-1]
	if check < '0' || check > '9' {
		return false
	}
	return int(check-'0') == (10-sum%10)%10
}

// looksLikeGTIN reports whether s has GTIN shape without validating the
// check digit. Used for column profiling where near-misses still signal
// the column's intent.
func looksLikeGTIN(s string) bool {
	s = NormalizeDigits(s)
	if !gtinLengths[len(s)] {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
