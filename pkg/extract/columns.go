package extract

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/xuri/excelize/v2"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// minMapScore is the floor below which a field stays unmapped rather than
// bound to a column that barely resembles it.
const minMapScore = 0.35

// Scoring weights for binding a canonical field to a column.
const (
	weightHeader    = 0.4
	weightType      = 0.3
	weightPattern   = 0.2
	weightAdjacency = 0.1
)

// columnProfile is the shape summary of one sheet column below the header.
type columnProfile struct {
	Index      int
	ID         string
	Header     string
	HeaderNorm string
	HeaderCell *Cell
	Values     []string
	Cells      []*Cell
	NonEmpty   int
	Unique     int
	Style      NumberStyle

	numericRatio  float64
	integerRatio  float64
	decimal2Ratio float64
	currencyRatio float64
	gtinShape     float64
	gtinValid     float64
	skuShape      float64
	textRatio     float64
	multiWord     float64
	meanRunes     float64
}

// colName converts a zero-based column index to its spreadsheet letter.
func colName(index int) string {
	name, err := excelize.ColumnNumberToName(index + 1)
	if err != nil {
		return ""
	}
	return name
}

// buildProfiles summarizes every candidate column of the selected sheet.
// Columns with neither a header nor data are dropped from the candidate set.
func buildProfiles(sheet *Sheet, headerRow int) []columnProfile {
	width := sheet.Width()
	profiles := make([]columnProfile, 0, width)
	for col := 0; col < width; col++ {
		p := columnProfile{Index: col, ID: colName(col)}
		if hc := sheet.CellAt(headerRow, col); hc != nil {
			p.Header = strings.TrimSpace(hc.Raw)
			p.HeaderNorm = normalizeText(p.Header)
			p.HeaderCell = hc
		}
		for r := headerRow + 1; r < len(sheet.Rows); r++ {
			c := sheet.CellAt(r, col)
			if c == nil {
				continue
			}
			raw := strings.TrimSpace(c.Raw)
			if raw == "" {
				continue
			}
			p.Values = append(p.Values, raw)
			p.Cells = append(p.Cells, c)
		}
		p.NonEmpty = len(p.Values)
		if p.NonEmpty == 0 && p.Header == "" {
			continue
		}
		profileStats(&p)
		profiles = append(profiles, p)
	}
	return profiles
}

func profileStats(p *columnProfile) {
	if p.NonEmpty == 0 {
		return
	}
	seen := make(map[string]struct{}, p.NonEmpty)
	var numeric, integer, decimal2, currency, gtinShape, gtinValid, sku, text, multi int
	var runes int
	for _, v := range p.Values {
		seen[v] = struct{}{}
		runes += utf8.RuneCountInString(v)

		cleaned, iso := StripCurrency(v)
		if iso != "" {
			currency++
		}
		if f, ok := ParseNumber(v, StyleUnknown); ok {
			numeric++
			if f == float64(int64(f)) {
				integer++
			}
			if hasTwoDecimals(cleaned) {
				decimal2++
			}
		} else {
			text++
		}
		if looksLikeGTIN(v) {
			gtinShape++
			if ValidGTIN(v) {
				gtinValid++
			}
		}
		if looksLikeSKU(v) {
			sku++
		}
		if len(strings.Fields(v)) >= 2 {
			multi++
		}
	}
	n := float64(p.NonEmpty)
	p.Unique = len(seen)
	p.Style = DetectColumnStyle(p.Values)
	p.numericRatio = float64(numeric) / n
	p.integerRatio = float64(integer) / n
	p.decimal2Ratio = float64(decimal2) / n
	p.currencyRatio = float64(currency) / n
	p.gtinShape = float64(gtinShape) / n
	p.gtinValid = float64(gtinValid) / n
	p.skuShape = float64(sku) / n
	p.textRatio = float64(text) / n
	p.multiWord = float64(multi) / n
	p.meanRunes = float64(runes) / n
}

// hasTwoDecimals reports whether a cleaned numeric string ends in exactly
// two fractional digits, in either radix convention.
func hasTwoDecimals(s string) bool {
	s = NormalizeDigits(s)
	for _, sep := range []byte{'.', ','} {
		if i := strings.LastIndexByte(s, sep); i >= 0 && len(s)-i-1 == 2 {
			return true
		}
	}
	return false
}

// looksLikeSKU matches vendor part-number shapes: short alphanumeric tokens
// with at least one letter or separator, so bare small integers do not count.
func looksLikeSKU(s string) bool {
	if l := len(s); l < 2 || l > 32 {
		return false
	}
	hasMark := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			hasMark = true
		case c == '-' || c == '_':
			if i == 0 {
				return false
			}
			hasMark = true
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return hasMark
}

// fieldSynonyms lists known header spellings per canonical field, in the
// normalized form produced by normalizeText. English, Farsi and Arabic
// commercial vocabulary.
var fieldSynonyms = map[contracts.FieldKey][]string{
	contracts.FieldSKU: {
		"sku", "item code", "item no", "item number", "product code", "code",
		"part number", "part no", "article", "article number", "reference", "ref",
		"کد کالا", "کد محصول", "کد", "شماره قطعه",
		"رمز الصنف", "كود المنتج", "رقم الصنف",
	},
	contracts.FieldGTIN: {
		"gtin", "ean", "ean13", "upc", "barcode", "bar code",
		"بارکد", "الباركود", "رمز شريطي",
	},
	contracts.FieldProductName: {
		"product", "product name", "item", "item name", "description",
		"item description", "goods", "article name",
		"نام کالا", "شرح کالا", "محصول", "شرح",
		"اسم المنتج", "الوصف", "البيان", "الصنف",
	},
	contracts.FieldQuantity: {
		"qty", "quantity", "count", "units", "order qty", "pcs", "pieces",
		"تعداد", "مقدار",
		"الكمية", "العدد",
	},
	contracts.FieldUnitPrice: {
		"unit price", "price", "rate", "unit cost", "price per unit",
		"unit rate", "price each", "each",
		"قیمت واحد", "قیمت", "فی", "بهای واحد",
		"سعر الوحدة", "السعر",
	},
	contracts.FieldLineTotal: {
		"total", "line total", "amount", "extended price", "ext price",
		"total price", "net amount", "line amount",
		"جمع", "مبلغ", "مبلغ کل", "جمع کل",
		"المجموع", "الإجمالي", "المبلغ",
	},
	contracts.FieldCustomerName: {
		"customer", "customer name", "client", "buyer", "account",
		"company", "sold to", "bill to",
		"مشتری", "نام مشتری", "خریدار",
		"العميل", "اسم العميل", "الزبون",
	},
}

// adjacencyPartners lists the fields that usually sit in a neighboring
// column; a provisional partner one column away earns the adjacency bonus.
var adjacencyPartners = map[contracts.FieldKey][]contracts.FieldKey{
	contracts.FieldSKU:         {contracts.FieldProductName, contracts.FieldGTIN},
	contracts.FieldGTIN:        {contracts.FieldSKU, contracts.FieldProductName},
	contracts.FieldProductName: {contracts.FieldSKU, contracts.FieldQuantity},
	contracts.FieldQuantity:    {contracts.FieldUnitPrice, contracts.FieldProductName},
	contracts.FieldUnitPrice:   {contracts.FieldQuantity, contracts.FieldLineTotal},
	contracts.FieldLineTotal:   {contracts.FieldUnitPrice},
}

// headerSimilarity scores how well a normalized header names the field.
// Exact synonym 1.0, whole-word containment 0.9, otherwise the best
// edit-distance similarity over the synonym list.
func headerSimilarity(header string, field contracts.FieldKey) float64 {
	if header == "" {
		return 0
	}
	best := 0.0
	for _, syn := range fieldSynonyms[field] {
		var s float64
		switch {
		case header == syn:
			s = 1
		case containsWholeWord(header, syn):
			s = 0.9
		default:
			d := levenshtein.ComputeDistance(header, syn)
			longer := utf8.RuneCountInString(header)
			if l := utf8.RuneCountInString(syn); l > longer {
				longer = l
			}
			if longer > 0 {
				s = 1 - float64(d)/float64(longer)
			}
			if s < 0 {
				s = 0
			}
		}
		if s > best {
			best = s
		}
	}
	return best
}

func containsWholeWord(header, syn string) bool {
	return strings.Contains(" "+header+" ", " "+syn+" ")
}

// typeCompat scores whether the column's value shapes fit the field.
func typeCompat(field contracts.FieldKey, p *columnProfile) float64 {
	if p.NonEmpty == 0 {
		return 0
	}
	uniqueness := float64(p.Unique) / float64(p.NonEmpty)
	nameLenFit := 0.3
	if p.meanRunes >= 4 && p.meanRunes <= 80 {
		nameLenFit = 1
	}
	switch field {
	case contracts.FieldSKU:
		return 0.5*p.skuShape + 0.2*(1-p.numericRatio) + 0.3*uniqueness
	case contracts.FieldGTIN:
		return p.gtinShape
	case contracts.FieldProductName, contracts.FieldCustomerName:
		return 0.7*p.textRatio + 0.3*nameLenFit
	case contracts.FieldQuantity:
		return 0.5*p.numericRatio + 0.5*p.integerRatio
	case contracts.FieldUnitPrice, contracts.FieldLineTotal:
		return p.numericRatio
	}
	return 0
}

// patternScore scores field-specific value patterns: valid check digits,
// money formatting, part-number shapes, multi-word names.
func patternScore(field contracts.FieldKey, p *columnProfile) float64 {
	if p.NonEmpty == 0 {
		return 0
	}
	switch field {
	case contracts.FieldGTIN:
		return p.gtinValid
	case contracts.FieldSKU:
		return p.skuShape
	case contracts.FieldQuantity:
		return p.integerRatio
	case contracts.FieldUnitPrice, contracts.FieldLineTotal:
		if p.currencyRatio > p.decimal2Ratio {
			return p.currencyRatio
		}
		return p.decimal2Ratio
	case contracts.FieldProductName, contracts.FieldCustomerName:
		return p.multiWord
	}
	return 0
}

// fieldChoice is the scored outcome for one canonical field.
type fieldChoice struct {
	Field     contracts.FieldKey
	Profile   int // index into profiles, -1 when unmapped
	Score     float64
	RunnerUp  float64
	Ambiguous bool
}

func (c fieldChoice) margin() float64 { return c.Score - c.RunnerUp }

// mappingOutcome is the column-mapping stage result.
type mappingOutcome struct {
	Mappings   []contracts.ColumnMapping
	ByField    map[contracts.FieldKey]int
	Choices    map[contracts.FieldKey]fieldChoice
	Issues     []contracts.Issue
	Confidence float64
}

// mapColumns binds canonical fields to columns. Scores combine header
// similarity, type compatibility, value patterns and neighbor adjacency;
// assignment is greedy best-first with each column used at most once.
func mapColumns(profiles []columnProfile) mappingOutcome {
	out := mappingOutcome{
		ByField: map[contracts.FieldKey]int{},
		Choices: map[contracts.FieldKey]fieldChoice{},
	}
	if len(profiles) == 0 {
		out.Confidence = 0
		return out
	}

	base := make(map[contracts.FieldKey][]float64, len(contracts.MappableFields))
	provisional := make(map[contracts.FieldKey]int, len(contracts.MappableFields))
	for _, f := range contracts.MappableFields {
		scores := make([]float64, len(profiles))
		bestIdx, bestScore := -1, 0.0
		for i := range profiles {
			s := weightHeader*headerSimilarity(profiles[i].HeaderNorm, f) +
				weightType*typeCompat(f, &profiles[i]) +
				weightPattern*patternScore(f, &profiles[i])
			scores[i] = s
			if s > bestScore {
				bestIdx, bestScore = i, s
			}
		}
		base[f] = scores
		provisional[f] = bestIdx
	}

	// Second pass folds in the adjacency bonus against provisional winners.
	final := make(map[contracts.FieldKey][]float64, len(contracts.MappableFields))
	for _, f := range contracts.MappableFields {
		scores := make([]float64, len(profiles))
		copy(scores, base[f])
		for i := range profiles {
			if adjacentToPartner(f, profiles[i].Index, provisional, profiles) {
				scores[i] += weightAdjacency
			}
		}
		final[f] = scores
	}

	type ranked struct {
		field contracts.FieldKey
		best  float64
	}
	order := make([]ranked, 0, len(contracts.MappableFields))
	for _, f := range contracts.MappableFields {
		best := 0.0
		for _, s := range final[f] {
			if s > best {
				best = s
			}
		}
		order = append(order, ranked{f, best})
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].best > order[j].best })

	taken := make([]bool, len(profiles))
	for _, r := range order {
		f := r.field
		choice := fieldChoice{Field: f, Profile: -1}
		for i, s := range final[f] {
			if taken[i] || s < minMapScore {
				continue
			}
			if choice.Profile == -1 || s > choice.Score {
				if choice.Profile != -1 && choice.Score > choice.RunnerUp {
					choice.RunnerUp = choice.Score
				}
				choice.Profile, choice.Score = i, s
			} else if s > choice.RunnerUp {
				choice.RunnerUp = s
			}
		}
		if choice.Profile == -1 {
			out.Choices[f] = choice
			continue
		}
		taken[choice.Profile] = true
		choice.Ambiguous = choice.RunnerUp > 0 && choice.margin() < ambiguityMargin
		out.Choices[f] = choice
		out.ByField[f] = choice.Profile
		out.Mappings = append(out.Mappings, contracts.ColumnMapping{
			Field:      f,
			ColumnID:   profiles[choice.Profile].ID,
			Confidence: clamp01(choice.Score),
			Method:     MethodInferred,
		})
		if choice.Ambiguous {
			issue := contracts.NewIssue(contracts.IssueLowConfidence, contracts.SeverityWarning,
				"close column candidates for "+string(f)).WithField(f)
			if hc := profiles[choice.Profile].HeaderCell; hc != nil {
				issue.Evidence = append(issue.Evidence, contracts.EvidenceCell{
					Cell: hc.Ref, RawValue: hc.Raw,
				})
			}
			out.Issues = append(out.Issues, issue)
		}
	}

	out.Issues = append(out.Issues, missingFieldIssues(out.ByField)...)
	out.Confidence = mappingConfidence(out)
	return out
}

// adjacentToPartner reports whether column colIndex sits directly next to a
// provisional winner of one of the field's usual neighbors.
func adjacentToPartner(f contracts.FieldKey, colIndex int, provisional map[contracts.FieldKey]int, profiles []columnProfile) bool {
	for _, partner := range adjacencyPartners[f] {
		pi := provisional[partner]
		if pi < 0 || pi >= len(profiles) {
			continue
		}
		d := profiles[pi].Index - colIndex
		if d == 1 || d == -1 {
			return true
		}
	}
	return false
}

// missingFieldIssues flags when no column could carry a line identity or a
// quantity. Without either there is nothing a draft order could be built from.
func missingFieldIssues(byField map[contracts.FieldKey]int) []contracts.Issue {
	var issues []contracts.Issue
	_, hasSKU := byField[contracts.FieldSKU]
	_, hasGTIN := byField[contracts.FieldGTIN]
	_, hasName := byField[contracts.FieldProductName]
	if !hasSKU && !hasGTIN && !hasName {
		issues = append(issues, contracts.NewIssue(contracts.IssueMissingRequiredField, contracts.SeverityError,
			"no column identifies the ordered items").
			WithField(contracts.FieldSKU).WithField(contracts.FieldProductName))
	}
	if _, ok := byField[contracts.FieldQuantity]; !ok {
		issues = append(issues, contracts.NewIssue(contracts.IssueMissingRequiredField, contracts.SeverityError,
			"no quantity column found").WithField(contracts.FieldQuantity))
	}
	return issues
}

// mappingConfidence averages assigned mapping scores and damps the result by
// the tightest ambiguous margin.
func mappingConfidence(out mappingOutcome) float64 {
	if len(out.Mappings) == 0 {
		return 0
	}
	sum := 0.0
	worstMargin := 1.0
	anyAmbiguous := false
	for _, m := range out.Mappings {
		sum += m.Confidence
		ch := out.Choices[m.Field]
		if ch.Ambiguous {
			anyAmbiguous = true
			if mg := ch.margin(); mg < worstMargin {
				worstMargin = mg
			}
		}
	}
	conf := sum / float64(len(out.Mappings))
	if anyAmbiguous {
		conf *= dampen(worstMargin)
	}
	return clamp01(conf)
}

// dampen scales a confidence by how decisive the winning margin was.
func dampen(margin float64) float64 {
	d := 0.5 + 5*margin
	if d > 1 {
		return 1
	}
	return d
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
