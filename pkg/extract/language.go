package extract

import "unicode"

// Farsi uses these letters; core Arabic does not. Their presence tips an
// Arabic-script workbook toward fa.
var farsiOnly = map[rune]bool{
	'پ': true, // پ
	'چ': true, // چ
	'ژ': true, // ژ
	'گ': true, // گ
	'ک': true, // ک
	'ی': true, // ی
}

// detectLanguage classifies the workbook's text as en, fa, ar, mixed or
// unknown. Samples are header texts plus a handful of first-column values;
// digits and punctuation do not vote.
func detectLanguage(samples []string) string {
	var latin, arabicScript, farsiMarks int
	for _, s := range samples {
		for _, r := range s {
			switch {
			case unicode.Is(unicode.Latin, r):
				latin++
			case unicode.Is(unicode.Arabic, r):
				arabicScript++
				if farsiOnly[r] {
					farsiMarks++
				}
			}
		}
	}
	total := latin + arabicScript
	if total == 0 {
		return "unknown"
	}
	latinRatio := float64(latin) / float64(total)
	arabicRatio := float64(arabicScript) / float64(total)
	if latinRatio >= 0.2 && arabicRatio >= 0.2 {
		return "mixed"
	}
	if latinRatio > 0.6 {
		return "en"
	}
	if arabicRatio > 0.6 {
		if farsiMarks > 0 {
			return "fa"
		}
		return "ar"
	}
	return "mixed"
}
