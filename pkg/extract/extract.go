// Package extract turns uploaded spreadsheets into canonical orders. The
// pipeline is deterministic: the same bytes with the same options always
// produce the same order. No stage calls a model; anything doubtful becomes
// an issue for the committee or a human, never a guess.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
)

// DefaultParserVersion names the extraction algorithm revision recorded in
// order meta. Bump on any change that can alter output for the same bytes.
const DefaultParserVersion = "orderdesk-extract/1.0.0"

// Stage keys of the confidence map.
const (
	StageDecode        = "decode"
	StageSheet         = "sheet_selection"
	StageHeader        = "header_detection"
	StageColumnMapping = "column_mapping"
	StageRows          = "row_extraction"
)

// Options tunes extraction behavior.
type Options struct {
	// StrictFormulas blocks workbooks containing formula cells instead of
	// trusting their cached results.
	StrictFormulas bool
	ParserVersion  string
}

// Extractor runs the deterministic spreadsheet pipeline.
type Extractor struct {
	opts   Options
	logger *slog.Logger
}

// New returns an extractor with the given options.
func New(opts Options) *Extractor {
	if opts.ParserVersion == "" {
		opts.ParserVersion = DefaultParserVersion
	}
	return &Extractor{opts: opts, logger: observability.Component("extract")}
}

// Result pairs the canonical order with the bounded evidence pack built
// from the same decode. Pack is nil when extraction blocked before mapping.
type Result struct {
	Order *contracts.CanonicalOrder
	Pack  *contracts.EvidencePack
}

// Extract decodes data and walks the pipeline. It returns an error only for
// unrecoverable decode failures (ErrDecode); every other problem is recorded
// as an issue on the returned order.
func (e *Extractor) Extract(ctx context.Context, meta contracts.OrderMeta, data []byte) (*Result, error) {
	return e.run(ctx, meta, data, nil)
}

// Reextract repeats the pipeline with bindings pinned by overrides. Beyond
// decode failures it also errors when an override names a column the workbook
// does not have.
func (e *Extractor) Reextract(ctx context.Context, meta contracts.OrderMeta, data []byte, ov *Overrides) (*Result, error) {
	return e.run(ctx, meta, data, ov)
}

func (e *Extractor) run(ctx context.Context, meta contracts.OrderMeta, data []byte, ov *Overrides) (*Result, error) {
	meta.ParserVersion = e.opts.ParserVersion

	wb, err := Decode(meta.FileName, data)
	if err != nil {
		return nil, err
	}

	order := &contracts.CanonicalOrder{
		Meta:     meta,
		Customer: contracts.CustomerBlock{Resolution: contracts.ResolutionPending},
	}
	stages := map[string]float64{StageDecode: 1}

	visible := wb.VisibleSheets()
	if allEmpty(visible) {
		order.Issues = append(order.Issues, contracts.NewIssue(contracts.IssueEmptySpreadsheet,
			contracts.SeverityBlocker, "the workbook has no readable cells"))
		return e.finish(ctx, order, nil, stages), nil
	}

	if issue, blocked := e.formulaGate(visible); issue != nil {
		order.Issues = append(order.Issues, *issue)
		if blocked {
			return e.finish(ctx, order, nil, stages), nil
		}
	}

	choice, ok := selectSheet(wb)
	if !ok {
		order.Issues = append(order.Issues, contracts.NewIssue(contracts.IssueEmptySpreadsheet,
			contracts.SeverityBlocker, "no sheet holds tabular data"))
		return e.finish(ctx, order, nil, stages), nil
	}
	sheet := choice.Sheet
	stages[StageSheet] = choice.Confidence()
	if choice.Ambiguous() {
		order.Issues = append(order.Issues, contracts.NewIssue(contracts.IssueMultipleSheetCandidates,
			contracts.SeverityWarning,
			fmt.Sprintf("%d sheets look like order tables; picked %q", choice.Candidates, sheet.Name)))
	}

	header := choice.Header
	stages[StageHeader] = header.Confidence()
	if header.Ambiguous() {
		order.Issues = append(order.Issues, contracts.NewIssue(contracts.IssueMultipleHeaderCandidates,
			contracts.SeverityWarning,
			fmt.Sprintf("%d rows could be the header; picked row %d",
				header.Candidates, header.Index+1)))
	}

	profiles := buildProfiles(sheet, header.Index)
	mapping := mapColumns(profiles)
	if ov != nil {
		if err := applyOverrides(&mapping, profiles, ov); err != nil {
			return nil, err
		}
	}
	stages[StageColumnMapping] = mapping.Confidence
	order.Issues = append(order.Issues, mapping.Issues...)
	order.Schema = contracts.SchemaInference{
		SelectedSheet:   sheet.Name,
		SheetConfidence: choice.Confidence(),
		HeaderRow:       header.Index + 1,
		HeaderTexts:     headerTexts(profiles),
		Mappings:        mapping.Mappings,
	}

	rows := extractRows(sheet, header.Index, profiles, mapping.ByField)
	stages[StageRows] = rows.Confidence
	order.LineItems = rows.Items
	order.Totals = rows.Totals
	order.Issues = append(order.Issues, rows.Issues...)

	e.fillCustomer(order, sheet, header.Index, rows)
	if ov != nil && ov.CustomerText != "" {
		overrideCustomer(order, ov.CustomerText)
	}

	order.Meta.LanguageHint = detectLanguage(languageSamples(profiles, order))

	pack := buildPack(meta.CaseID, profiles, order.Meta.LanguageHint)
	return e.finish(ctx, order, pack, stages), nil
}

// formulaGate scans visible sheets for formula cells. Strict mode returns a
// blocker; otherwise a warning and the cached results are used as-is.
func (e *Extractor) formulaGate(sheets []*Sheet) (*contracts.Issue, bool) {
	var count int
	var evidence []contracts.EvidenceCell
	var first string
	for _, s := range sheets {
		for _, row := range s.Rows {
			for i := range row {
				c := &row[i]
				if c.Formula == "" {
					continue
				}
				count++
				if len(evidence) < 5 {
					ev := cellEvidence(s.Name, c)
					ev.RawValue = c.Formula
					evidence = append(evidence, ev)
				}
				if first == "" {
					first = fmt.Sprintf("%s!%s", s.Name, c.Ref)
				}
			}
		}
	}
	if count == 0 {
		return nil, false
	}
	sev := contracts.SeverityWarning
	msg := fmt.Sprintf("%d formula cells found (first at %s); using their stored results", count, first)
	if e.opts.StrictFormulas {
		sev = contracts.SeverityBlocker
		msg = fmt.Sprintf("%d formula cells found (first at %s); upload values, not formulas", count, first)
	}
	issue := contracts.NewIssue(contracts.IssueFormulasBlocked, sev, msg)
	issue.Evidence = evidence
	issue.SuggestedAction = "paste values only and upload the file again"
	return &issue, e.opts.StrictFormulas
}

// fillCustomer locates the buyer: a labeled cell above the header wins,
// then a mapped customer column, and with neither the case needs input.
func (e *Extractor) fillCustomer(order *contracts.CanonicalOrder, sheet *Sheet, headerRow int, rows rowExtraction) {
	if raw, ev, ok := findCustomerLabel(sheet, headerRow); ok {
		order.Customer.RawText = raw
		order.Customer.Evidence = ev
		return
	}
	if rows.CustomerRaw != "" {
		order.Customer.RawText = rows.CustomerRaw
		order.Customer.Evidence = rows.CustomerEvidence
		return
	}
	order.Issues = append(order.Issues, contracts.NewIssue(contracts.IssueMissingCustomer,
		contracts.SeverityError, "nothing in the workbook names the customer").
		WithField(contracts.FieldCustomerName))
}

// findCustomerLabel scans the rows above the header for "Customer: X" style
// labels, either inline after a colon or in the next cell to the right.
func findCustomerLabel(sheet *Sheet, headerRow int) (string, contracts.Evidence, bool) {
	for r := 0; r < headerRow && r < len(sheet.Rows); r++ {
		row := sheet.Rows[r]
		for i := range row {
			raw := strings.TrimSpace(row[i].Raw)
			if raw == "" {
				continue
			}
			if label, value, found := strings.Cut(raw, ":"); found {
				if isCustomerLabel(label) && strings.TrimSpace(value) != "" {
					ev := contracts.Evidence{contracts.FieldCustomerName: cellEvidence(sheet.Name, &row[i])}
					return strings.TrimSpace(value), ev, true
				}
				continue
			}
			if !isCustomerLabel(raw) {
				continue
			}
			for j := i + 1; j < len(row); j++ {
				if v := strings.TrimSpace(row[j].Raw); v != "" {
					ev := contracts.Evidence{contracts.FieldCustomerName: cellEvidence(sheet.Name, &row[j])}
					return v, ev, true
				}
			}
		}
	}
	return "", nil, false
}

func isCustomerLabel(s string) bool {
	n := normalizeText(s)
	if n == "" {
		return false
	}
	for _, syn := range fieldSynonyms[contracts.FieldCustomerName] {
		if n == syn || containsWholeWord(n, syn) {
			return true
		}
	}
	return false
}

// languageSamples gathers the text the language heuristic votes on: header
// texts, a bounded slice of first-column values, and the customer text.
func languageSamples(profiles []columnProfile, order *contracts.CanonicalOrder) []string {
	var samples []string
	for i := range profiles {
		if profiles[i].Header != "" {
			samples = append(samples, profiles[i].Header)
		}
	}
	if len(profiles) > 0 {
		limit := 10
		for _, v := range profiles[0].Values {
			if limit == 0 {
				break
			}
			samples = append(samples, v)
			limit--
		}
	}
	if order.Customer.RawText != "" {
		samples = append(samples, order.Customer.RawText)
	}
	return samples
}

func headerTexts(profiles []columnProfile) []string {
	out := make([]string, 0, len(profiles))
	for i := range profiles {
		out = append(out, profiles[i].Header)
	}
	return out
}

// buildPack summarizes candidate columns for committee review, bounded to
// the pack limits. Samples are distinct leading values, never whole rows.
func buildPack(caseID string, profiles []columnProfile, language string) *contracts.EvidencePack {
	pack := &contracts.EvidencePack{
		CaseID:   caseID,
		Fields:   append([]contracts.FieldKey(nil), contracts.MappableFields...),
		Language: language,
		Constraints: []string{
			"one column maps to at most one field",
			"a field with no matching column maps to null",
		},
	}
	for i := range profiles {
		p := &profiles[i]
		col := contracts.ColumnSummary{
			ID:       p.ID,
			Header:   p.Header,
			NonEmpty: p.NonEmpty,
			Unique:   p.Unique,
			Types:    packTypes(p),
			Patterns: packPatterns(p),
		}
		seen := map[string]bool{}
		for _, v := range p.Values {
			if len(col.Samples) == contracts.MaxPackSamples {
				break
			}
			if seen[v] {
				continue
			}
			seen[v] = true
			col.Samples = append(col.Samples, v)
		}
		pack.Columns = append(pack.Columns, col)
	}
	pack.Bound()
	return pack
}

func packTypes(p *columnProfile) []string {
	if p.NonEmpty == 0 {
		return nil
	}
	switch {
	case p.numericRatio > 0.8:
		return []string{"number"}
	case p.textRatio > 0.8:
		return []string{"text"}
	default:
		return []string{"mixed"}
	}
}

func packPatterns(p *columnProfile) []string {
	if p.NonEmpty == 0 {
		return nil
	}
	var out []string
	if p.integerRatio > 0.8 {
		out = append(out, "integer")
	}
	if p.currencyRatio > 0.3 {
		out = append(out, "currency")
	}
	if p.decimal2Ratio > 0.6 {
		out = append(out, "two_decimals")
	}
	if p.gtinValid > 0.6 {
		out = append(out, "gtin_check_digit")
	}
	if p.skuShape > 0.6 {
		out = append(out, "sku_shape")
	}
	if p.multiWord > 0.6 {
		out = append(out, "multi_word")
	}
	return out
}

// finish computes the confidence block and logs the outcome. Overall is the
// minimum across stages, zeroed when a blocker stopped the pipeline early.
func (e *Extractor) finish(ctx context.Context, order *contracts.CanonicalOrder, pack *contracts.EvidencePack, stages map[string]float64) *Result {
	overall := 1.0
	for _, v := range stages {
		if v < overall {
			overall = v
		}
	}
	if order.HasBlockers() {
		overall = 0
	}
	order.Confid = contracts.Confidence{Overall: overall, Stages: stages}

	e.logger.InfoContext(ctx, "workbook extracted",
		slog.String("case_id", order.Meta.CaseID),
		slog.String("sheet", order.Schema.SelectedSheet),
		slog.Int("line_items", len(order.LineItems)),
		slog.Int("issues", len(order.Issues)),
		slog.String("language", order.Meta.LanguageHint),
		slog.Float64("confidence", overall),
		slog.Bool("blocked", order.HasBlockers()),
	)
	return &Result{Order: order, Pack: pack}
}

func allEmpty(sheets []*Sheet) bool {
	for _, s := range sheets {
		if !s.Empty() {
			return false
		}
	}
	return true
}
