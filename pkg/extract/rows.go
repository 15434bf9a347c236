package extract

import (
	"fmt"
	"strings"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// arithmeticTolerance is the allowed gap between quantity*price and the
// stated line total: two cents absolute, or 1% of the larger magnitude.
func arithmeticTolerance(product, stated float64) float64 {
	m := 1.0
	if a := abs(product); a > m {
		m = a
	}
	if a := abs(stated); a > m {
		m = a
	}
	tol := 0.01 * m
	if tol < 0.02 {
		return 0.02
	}
	return tol
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Totals labels, checked most-specific first so "subtotal" never lands on
// the grand total.
var (
	subtotalTokens = []string{"subtotal", "sub total", "جمع جزء", "المجموع الفرعي"}
	taxTokens      = []string{"tax", "vat", "مالیات", "الضريبة", "ضريبة"}
	grandTokens    = []string{"grand total", "total", "sum", "جمع کل", "جمع", "مجموع", "الإجمالي", "الاجمالي", "المجموع"}
)

func classifyTotalsLabel(s string) contracts.FieldKey {
	n := normalizeText(s)
	if n == "" {
		return ""
	}
	for _, tok := range subtotalTokens {
		if strings.Contains(n, normalizeText(tok)) {
			return contracts.FieldSubtotal
		}
	}
	for _, tok := range taxTokens {
		if strings.Contains(n, normalizeText(tok)) {
			return contracts.FieldTaxTotal
		}
	}
	for _, tok := range grandTokens {
		if strings.Contains(n, normalizeText(tok)) {
			return contracts.FieldGrandTotal
		}
	}
	return ""
}

// cellEvidence builds the audit pointer for one workbook cell.
func cellEvidence(sheetName string, c *Cell) contracts.EvidenceCell {
	return contracts.EvidenceCell{
		SheetName:    sheetName,
		Cell:         c.Ref,
		RawValue:     c.Raw,
		DisplayValue: c.Display,
		NumberFormat: c.NumberFormat,
	}
}

// rowExtraction is the outcome of walking the data rows.
type rowExtraction struct {
	Items      []contracts.LineItem
	Totals     contracts.Totals
	Issues     []contracts.Issue
	Confidence float64

	// CustomerRaw is the first value of a mapped customer column, when the
	// workbook carries the customer per row instead of in a label block.
	CustomerRaw      string
	CustomerEvidence contracts.Evidence
}

// extractRows turns the rows below the header into line items and totals.
// Source values are kept exactly as parsed; nothing is invented or repaired.
func extractRows(sheet *Sheet, headerRow int, profiles []columnProfile, byField map[contracts.FieldKey]int) rowExtraction {
	var out rowExtraction

	colIndex := func(f contracts.FieldKey) int {
		pi, ok := byField[f]
		if !ok {
			return -1
		}
		return profiles[pi].Index
	}
	colStyle := func(f contracts.FieldKey) NumberStyle {
		pi, ok := byField[f]
		if !ok {
			return StyleUnknown
		}
		return profiles[pi].Style
	}

	skuCol := colIndex(contracts.FieldSKU)
	gtinCol := colIndex(contracts.FieldGTIN)
	nameCol := colIndex(contracts.FieldProductName)
	qtyCol := colIndex(contracts.FieldQuantity)
	priceCol := colIndex(contracts.FieldUnitPrice)
	totalCol := colIndex(contracts.FieldLineTotal)
	custCol := colIndex(contracts.FieldCustomerName)

	qtyStyle := colStyle(contracts.FieldQuantity)
	priceStyle := colStyle(contracts.FieldUnitPrice)
	totalStyle := colStyle(contracts.FieldLineTotal)

	cellAt := func(r, col int) (*Cell, string) {
		if col < 0 {
			return nil, ""
		}
		c := sheet.CellAt(r, col)
		if c == nil {
			return nil, ""
		}
		return c, strings.TrimSpace(c.Raw)
	}

	seenIdentity := map[string]int{}
	var runningTotal float64
	var invalidRows int

	for r := headerRow + 1; r < len(sheet.Rows); r++ {
		skuCell, skuRaw := cellAt(r, skuCol)
		gtinCell, gtinRaw := cellAt(r, gtinCol)
		nameCell, nameRaw := cellAt(r, nameCol)
		qtyCell, qtyRaw := cellAt(r, qtyCol)
		priceCell, priceRaw := cellAt(r, priceCol)
		totalCell, totalRaw := cellAt(r, totalCol)
		custCell, custRaw := cellAt(r, custCol)

		if rowEmpty(sheet.Rows[r]) {
			continue
		}

		if custRaw != "" && out.CustomerRaw == "" {
			out.CustomerRaw = custRaw
			out.CustomerEvidence = contracts.Evidence{
				contracts.FieldCustomerName: cellEvidence(sheet.Name, custCell),
			}
		}

		// Totals rows never become line items. A labeled summary anywhere in
		// the row wins; otherwise an identity-less row whose total matches
		// the running sum is treated as the grand total.
		if field, cell := totalsRowLabel(sheet.Rows[r]); field != "" {
			value, vCell := totalsRowValue(sheet, r, totalCol, totalStyle)
			if value != nil {
				setTotal(&out.Totals, field, *value, sheet.Name, vCell)
			} else if cell != nil {
				setTotalEvidence(&out.Totals, field, sheet.Name, cell)
			}
			continue
		}
		if skuRaw == "" && gtinRaw == "" && nameRaw == "" && qtyRaw == "" && totalRaw != "" {
			if tv, ok := ParseNumber(totalRaw, totalStyle); ok {
				if abs(tv-runningTotal) <= arithmeticTolerance(runningTotal, tv) {
					setTotal(&out.Totals, contracts.FieldGrandTotal, tv, sheet.Name, totalCell)
					continue
				}
			}
		}

		evidence := contracts.Evidence{}
		item := contracts.LineItem{
			RowIndex:   r,
			Resolution: contracts.ItemResolution{Status: contracts.ResolutionPending},
		}

		if skuRaw != "" {
			item.SKU = skuRaw
			evidence[contracts.FieldSKU] = cellEvidence(sheet.Name, skuCell)
		}
		if gtinRaw != "" {
			item.GTIN = strings.ReplaceAll(NormalizeDigits(gtinRaw), " ", "")
			evidence[contracts.FieldGTIN] = cellEvidence(sheet.Name, gtinCell)
		}
		if nameRaw != "" {
			item.ProductName = nameRaw
			evidence[contracts.FieldProductName] = cellEvidence(sheet.Name, nameCell)
		}

		hasIdentity := item.SKU != "" || item.GTIN != "" || item.ProductName != ""

		if qtyRaw == "" {
			// Identity plus money is an order line missing its quantity;
			// identity alone is a note or section label and stays silent.
			if hasIdentity && (priceRaw != "" || totalRaw != "") {
				out.Issues = append(out.Issues, contracts.NewIssue(contracts.IssueInvalidQuantity,
					contracts.SeverityError, "order line has no quantity").WithRow(r))
				invalidRows++
			}
			continue
		}
		qty, ok := ParseNumber(qtyRaw, qtyStyle)
		if !ok || qty < 0 {
			issue := contracts.NewIssue(contracts.IssueInvalidQuantity, contracts.SeverityError,
				fmt.Sprintf("quantity %q is not a usable number", qtyRaw)).
				WithField(contracts.FieldQuantity).WithRow(r)
			issue.Evidence = append(issue.Evidence, cellEvidence(sheet.Name, qtyCell))
			out.Issues = append(out.Issues, issue)
			invalidRows++
			continue
		}
		if qty == 0 {
			// Zero-quantity rows are placeholders, dropped without comment.
			continue
		}
		if !hasIdentity {
			issue := contracts.NewIssue(contracts.IssueMissingItem, contracts.SeverityError,
				"row has a quantity but nothing identifying the item").WithRow(r)
			issue.Evidence = append(issue.Evidence, cellEvidence(sheet.Name, qtyCell))
			out.Issues = append(out.Issues, issue)
			invalidRows++
			continue
		}
		item.Quantity = &qty
		evidence[contracts.FieldQuantity] = cellEvidence(sheet.Name, qtyCell)

		if priceRaw != "" {
			if price, ok := ParseNumber(priceRaw, priceStyle); ok && price >= 0 {
				item.UnitPriceSource = &price
				evidence[contracts.FieldUnitPrice] = cellEvidence(sheet.Name, priceCell)
			} else {
				issue := contracts.NewIssue(contracts.IssueInvalidPrice, contracts.SeverityError,
					fmt.Sprintf("unit price %q is not a usable number", priceRaw)).
					WithField(contracts.FieldUnitPrice).WithRow(r)
				issue.Evidence = append(issue.Evidence, cellEvidence(sheet.Name, priceCell))
				out.Issues = append(out.Issues, issue)
			}
			if _, iso := StripCurrency(priceRaw); iso != "" && item.Currency == "" {
				item.Currency = iso
			}
		}
		if totalRaw != "" {
			if total, ok := ParseNumber(totalRaw, totalStyle); ok {
				item.LineTotalSource = &total
				evidence[contracts.FieldLineTotal] = cellEvidence(sheet.Name, totalCell)
				runningTotal += total
			}
			if _, iso := StripCurrency(totalRaw); iso != "" && item.Currency == "" {
				item.Currency = iso
			}
		}

		if item.Quantity != nil && item.UnitPriceSource != nil && item.LineTotalSource != nil {
			product := *item.Quantity * *item.UnitPriceSource
			stated := *item.LineTotalSource
			if abs(product-stated) > arithmeticTolerance(product, stated) {
				issue := contracts.NewIssue(contracts.IssueArithmeticMismatch, contracts.SeverityWarning,
					fmt.Sprintf("quantity x price is %.2f but the row says %.2f", product, stated)).
					WithField(contracts.FieldLineTotal).WithRow(r)
				issue.Evidence = append(issue.Evidence,
					evidence[contracts.FieldQuantity],
					evidence[contracts.FieldUnitPrice],
					evidence[contracts.FieldLineTotal])
				out.Issues = append(out.Issues, issue)
			}
		}

		if item.GTIN != "" && !ValidGTIN(item.GTIN) {
			issue := contracts.NewIssue(contracts.IssueInvalidGTIN, contracts.SeverityWarning,
				fmt.Sprintf("barcode %q fails its check digit", item.GTIN)).
				WithField(contracts.FieldGTIN).WithRow(r)
			issue.Evidence = append(issue.Evidence, cellEvidence(sheet.Name, gtinCell))
			out.Issues = append(out.Issues, issue)
		}

		if key := identityKey(item); key != "" {
			if firstRow, dup := seenIdentity[key]; dup {
				out.Issues = append(out.Issues, contracts.NewIssue(contracts.IssueDuplicateLineItem,
					contracts.SeverityWarning,
					fmt.Sprintf("same item as row %d", firstRow)).WithRow(r))
			} else {
				seenIdentity[key] = r
			}
		}

		item.Evidence = evidence
		out.Items = append(out.Items, item)
	}

	if len(out.Items) == 0 {
		out.Issues = append(out.Issues, contracts.NewIssue(contracts.IssueNoLineItems,
			contracts.SeverityError, "no order lines could be read from the sheet"))
		out.Confidence = 0
		return out
	}

	out.Confidence = rowConfidence(len(out.Items), invalidRows, countCode(out.Issues, contracts.IssueArithmeticMismatch))
	return out
}

func rowEmpty(row []Cell) bool {
	for i := range row {
		if strings.TrimSpace(row[i].Raw) != "" {
			return false
		}
	}
	return true
}

// totalsRowLabel scans a row for a summary label and returns the totals
// field it names plus the labeled cell.
func totalsRowLabel(row []Cell) (contracts.FieldKey, *Cell) {
	for i := range row {
		raw := strings.TrimSpace(row[i].Raw)
		if raw == "" {
			continue
		}
		if _, ok := ParseNumber(raw, StyleUnknown); ok {
			continue
		}
		if field := classifyTotalsLabel(raw); field != "" {
			return field, &row[i]
		}
	}
	return "", nil
}

// totalsRowValue finds the numeric value of a totals row: the mapped total
// column when it holds one, otherwise the rightmost numeric cell.
func totalsRowValue(sheet *Sheet, r, totalCol int, style NumberStyle) (*float64, *Cell) {
	if totalCol >= 0 {
		if c := sheet.CellAt(r, totalCol); c != nil {
			if v, ok := ParseNumber(strings.TrimSpace(c.Raw), style); ok {
				return &v, c
			}
		}
	}
	row := sheet.Rows[r]
	for i := len(row) - 1; i >= 0; i-- {
		raw := strings.TrimSpace(row[i].Raw)
		if raw == "" {
			continue
		}
		if v, ok := ParseNumber(raw, style); ok {
			return &v, &row[i]
		}
	}
	return nil, nil
}

func setTotal(t *contracts.Totals, field contracts.FieldKey, v float64, sheetName string, cell *Cell) {
	switch field {
	case contracts.FieldSubtotal:
		if t.Subtotal == nil {
			t.Subtotal = &v
		}
	case contracts.FieldTaxTotal:
		if t.TaxTotal == nil {
			t.TaxTotal = &v
		}
	case contracts.FieldGrandTotal:
		if t.GrandTotal == nil {
			t.GrandTotal = &v
		}
	}
	if cell != nil {
		setTotalEvidence(t, field, sheetName, cell)
	}
}

func setTotalEvidence(t *contracts.Totals, field contracts.FieldKey, sheetName string, cell *Cell) {
	if t.Evidence == nil {
		t.Evidence = contracts.Evidence{}
	}
	if _, ok := t.Evidence[field]; !ok {
		t.Evidence[field] = cellEvidence(sheetName, cell)
	}
}

// identityKey folds an item's strongest identifier for duplicate detection.
func identityKey(item contracts.LineItem) string {
	if item.SKU != "" {
		return "sku:" + strings.ToUpper(strings.ReplaceAll(item.SKU, " ", ""))
	}
	if item.GTIN != "" {
		return "gtin:" + item.GTIN
	}
	if item.ProductName != "" {
		return "name:" + normalizeText(item.ProductName)
	}
	return ""
}

func countCode(issues []contracts.Issue, code contracts.IssueCode) int {
	n := 0
	for _, is := range issues {
		if is.Code == code {
			n++
		}
	}
	return n
}

// rowConfidence degrades with rows lost to validation and with arithmetic
// disagreements. A clean sheet scores 1.
func rowConfidence(extracted, invalid, mismatches int) float64 {
	base := float64(extracted) / float64(extracted+invalid)
	penalty := 0.05 * float64(mismatches)
	if penalty > 0.2 {
		penalty = 0.2
	}
	return clamp01(base * (1 - penalty))
}
