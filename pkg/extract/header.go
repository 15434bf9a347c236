package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// headerScanDepth bounds how many leading rows are scored as header
// candidates.
const headerScanDepth = 10

// ambiguityMargin is the best-vs-runner-up gap under which a choice needs
// review.
const ambiguityMargin = 0.1

// totalsTokens flags summary rows in English, Farsi and Arabic.
var totalsTokens = []string{
	"total", "subtotal", "sub-total", "grand total", "sum", "tax", "vat",
	"جمع", "جمع کل", "مجموع", "مالیات",
	"الإجمالي", "المجموع", "الاجمالي", "الضريبة",
}

func hasTotalsToken(s string) bool {
	n := normalizeText(s)
	if n == "" {
		return false
	}
	for _, tok := range totalsTokens {
		if strings.Contains(n, normalizeText(tok)) {
			return true
		}
	}
	return false
}

// normalizeText folds case, maps non-ASCII digits, strips punctuation and
// collapses whitespace. NFKC runs first so full-width characters and Arabic
// presentation forms compare equal to their plain spellings. The shared
// normal form for header and name matching.
func normalizeText(s string) string {
	s = NormalizeDigits(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// headerScore rates how header-like a row is: non-empty coverage, share of
// textual cells, short-label length distribution, and absence of totals
// tokens. Returns a score in [0,1]; rows with fewer than two non-empty cells
// score zero.
func headerScore(row []Cell) float64 {
	width := len(row)
	if width == 0 {
		return 0
	}
	nonEmpty, text, shortLabels, totals := 0, 0, 0, 0
	for _, c := range row {
		v := strings.TrimSpace(c.Raw)
		if v == "" {
			continue
		}
		nonEmpty++
		if _, ok := ParseNumber(v, StyleUnknown); !ok {
			text++
		}
		if utf8.RuneCountInString(v) <= 32 {
			shortLabels++
		}
		if hasTotalsToken(v) {
			totals++
		}
	}
	if nonEmpty < 2 {
		return 0
	}
	nonEmptyRatio := float64(nonEmpty) / float64(width)
	textRatio := float64(text) / float64(nonEmpty)
	lengthScore := float64(shortLabels) / float64(nonEmpty)
	// A "Total" label among many headers is normal; a row dominated by
	// totals words is a summary row.
	totalsScore := 1 - float64(totals)/float64(nonEmpty)
	return 0.3*nonEmptyRatio + 0.4*textRatio + 0.1*lengthScore + 0.2*totalsScore
}

// rowChoice is a scored candidate with its ambiguity margin.
type rowChoice struct {
	Index      int // 0-based row index
	Score      float64
	RunnerUp   float64
	Candidates int
}

// Margin returns best minus runner-up.
func (c rowChoice) Margin() float64 { return c.Score - c.RunnerUp }

// Ambiguous reports whether the margin falls under the review threshold.
func (c rowChoice) Ambiguous() bool {
	return c.Candidates >= 2 && c.Margin() < ambiguityMargin
}

// Confidence derives the stage confidence: the winning score, halved as the
// margin to the runner-up approaches zero.
func (c rowChoice) Confidence() float64 {
	if c.Candidates < 2 {
		return c.Score
	}
	damp := 0.5 + 5*c.Margin()
	if damp > 1 {
		damp = 1
	}
	return c.Score * damp
}

// detectHeaderRow scores the leading rows of a sheet and picks the most
// header-like one. Returns ok=false when no row qualifies.
func detectHeaderRow(sheet *Sheet) (rowChoice, bool) {
	depth := len(sheet.Rows)
	if depth > headerScanDepth {
		depth = headerScanDepth
	}
	best := rowChoice{Index: -1}
	for r := 0; r < depth; r++ {
		score := headerScore(sheet.Rows[r])
		if score <= 0 {
			continue
		}
		best.Candidates++
		switch {
		case score > best.Score:
			best.RunnerUp = best.Score
			best.Score = score
			best.Index = r
		case score > best.RunnerUp:
			best.RunnerUp = score
		}
	}
	return best, best.Index >= 0
}
