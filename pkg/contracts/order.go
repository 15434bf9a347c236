package contracts

import (
	"fmt"
	"time"
)

// FieldKey names a canonical order field. Evidence maps and committee votes
// are keyed by this closed set; unknown keys are rejected at validation.
type FieldKey string

const (
	FieldCustomerName FieldKey = "customer_name"
	FieldSKU          FieldKey = "sku"
	FieldGTIN         FieldKey = "gtin"
	FieldProductName  FieldKey = "product_name"
	FieldQuantity     FieldKey = "quantity"
	FieldUnitPrice    FieldKey = "unit_price"
	FieldLineTotal    FieldKey = "line_total"
	FieldSubtotal     FieldKey = "subtotal"
	FieldTaxTotal     FieldKey = "tax_total"
	FieldGrandTotal   FieldKey = "grand_total"
)

// CanonicalFields lists every legal FieldKey in declaration order.
var CanonicalFields = []FieldKey{
	FieldCustomerName, FieldSKU, FieldGTIN, FieldProductName,
	FieldQuantity, FieldUnitPrice, FieldLineTotal,
	FieldSubtotal, FieldTaxTotal, FieldGrandTotal,
}

// MappableFields lists the fields the committee may bind to a spreadsheet
// column. Customer name is included because many workbooks carry it per row.
var MappableFields = []FieldKey{
	FieldCustomerName, FieldSKU, FieldGTIN, FieldProductName,
	FieldQuantity, FieldUnitPrice, FieldLineTotal,
}

// Valid reports whether k belongs to the canonical field set.
func (k FieldKey) Valid() bool {
	for _, f := range CanonicalFields {
		if f == k {
			return true
		}
	}
	return false
}

// Mappable reports whether k may be bound to a spreadsheet column.
func (k FieldKey) Mappable() bool {
	for _, f := range MappableFields {
		if f == k {
			return true
		}
	}
	return false
}

// EvidenceCell points a scalar back at the exact workbook cell it came from.
type EvidenceCell struct {
	SheetName    string `json:"sheet_name"`
	Cell         string `json:"cell"` // A1 notation
	RawValue     string `json:"raw_value"`
	DisplayValue string `json:"display_value,omitempty"`
	NumberFormat string `json:"number_format,omitempty"`
}

// Evidence maps canonical fields to their source cells.
type Evidence map[FieldKey]EvidenceCell

// Validate rejects evidence keyed outside the canonical field set.
func (e Evidence) Validate() error {
	for k := range e {
		if !k.Valid() {
			return fmt.Errorf("evidence: unknown field key %q", k)
		}
	}
	return nil
}

// ResolutionStatus is the outcome of matching extracted text against the
// customer or item catalog.
type ResolutionStatus string

const (
	ResolutionPending        ResolutionStatus = "pending"
	ResolutionResolved       ResolutionStatus = "resolved"
	ResolutionAmbiguous      ResolutionStatus = "ambiguous"
	ResolutionNeedsUserInput ResolutionStatus = "needs_user_input"
	ResolutionNotFound       ResolutionStatus = "not_found"
)

// CatalogRef identifies a record in the external accounting catalog.
type CatalogRef struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
}

// MatchCandidate is one scored catalog match offered for human selection.
type MatchCandidate struct {
	Ref   CatalogRef `json:"ref"`
	Score float64    `json:"score"`
}

// CustomerBlock carries the extracted customer text and its resolution.
type CustomerBlock struct {
	RawText    string           `json:"raw_text"`
	Resolution ResolutionStatus `json:"resolution"`
	Resolved   *CatalogRef      `json:"resolved,omitempty"`
	Candidates []MatchCandidate `json:"candidates,omitempty"`
	Evidence   Evidence         `json:"evidence,omitempty"`
}

// ItemResolution is the per-line catalog match outcome.
type ItemResolution struct {
	Status     ResolutionStatus `json:"status"`
	Resolved   *CatalogRef      `json:"resolved,omitempty"`
	Candidates []MatchCandidate `json:"candidates,omitempty"`
	Method     string           `json:"method,omitempty"` // sku_exact, gtin_exact, name_fuzzy
}

// LineItem is one extracted order line. Source values stay exactly as parsed;
// UnitPriceResolved is the catalog price and is the only price ever submitted.
type LineItem struct {
	RowIndex          int            `json:"row_index"` // zero-based sheet row
	SKU               string         `json:"sku,omitempty"`
	GTIN              string         `json:"gtin,omitempty"`
	ProductName       string         `json:"product_name,omitempty"`
	Quantity          *float64       `json:"quantity,omitempty"`
	UnitPriceSource   *float64       `json:"unit_price_source,omitempty"`
	UnitPriceResolved *float64       `json:"unit_price_resolved,omitempty"`
	LineTotalSource   *float64       `json:"line_total_source,omitempty"`
	Currency          string         `json:"currency,omitempty"`
	Resolution        ItemResolution `json:"resolution"`
	Evidence          Evidence       `json:"evidence,omitempty"`
}

// Totals carries the workbook-level totals when present.
type Totals struct {
	Subtotal   *float64 `json:"subtotal,omitempty"`
	TaxTotal   *float64 `json:"tax_total,omitempty"`
	GrandTotal *float64 `json:"grand_total,omitempty"`
	Evidence   Evidence `json:"evidence,omitempty"`
}

// ColumnMapping binds a canonical field to a workbook column.
type ColumnMapping struct {
	Field      FieldKey `json:"field"`
	ColumnID   string   `json:"column_id"` // spreadsheet column letter, e.g. "B"
	Confidence float64  `json:"confidence"`
	Method     string   `json:"method"` // header_similarity, type_inference, committee, user
}

// SchemaInference records how the extractor read the workbook's shape.
type SchemaInference struct {
	SelectedSheet   string          `json:"selected_sheet"`
	SheetConfidence float64         `json:"sheet_confidence"`
	HeaderRow       int             `json:"header_row"` // 1-based workbook row
	HeaderTexts     []string        `json:"header_texts,omitempty"`
	Mappings        []ColumnMapping `json:"mappings"`
}

// Confidence is the per-stage and overall extraction confidence. Overall is
// the minimum across stages, never an average.
type Confidence struct {
	Overall float64            `json:"overall"`
	Stages  map[string]float64 `json:"stages"`
}

// Approval records one human approval decision.
type Approval struct {
	Actor    Actor     `json:"actor"`
	Approved bool      `json:"approved"`
	At       time.Time `json:"at"`
	Note     string    `json:"note,omitempty"`
	Auto     bool      `json:"auto,omitempty"`
}

// ExternalLink ties the case to the draft order created downstream.
type ExternalLink struct {
	System      string     `json:"system,omitempty"` // "zoho_books"
	OrderID     string     `json:"order_id,omitempty"`
	OrderNumber string     `json:"order_number,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// OrderMeta is the immutable provenance header of a canonical order.
type OrderMeta struct {
	CaseID        string    `json:"case_id"`
	TenantID      string    `json:"tenant_id"`
	ReceivedAt    time.Time `json:"received_at"`
	FileName      string    `json:"file_name"`
	FileHash      string    `json:"file_hash"`
	LanguageHint  string    `json:"language_hint"` // en, fa, ar, mixed, unknown
	ParserVersion string    `json:"parser_version"`
}

// CanonicalOrder is the structured representation of one uploaded order. It
// accumulates through the pipeline: the extractor writes meta, line items,
// totals, schema inference and confidence; the committee refines mappings;
// the resolver fills resolutions; the submitter writes the external link.
type CanonicalOrder struct {
	Meta      OrderMeta       `json:"meta"`
	Customer  CustomerBlock   `json:"customer"`
	LineItems []LineItem      `json:"line_items"`
	Totals    Totals          `json:"totals"`
	Schema    SchemaInference `json:"schema_inference"`
	Confid    Confidence      `json:"confidence"`
	Issues    []Issue         `json:"issues,omitempty"`
	Approvals []Approval      `json:"approvals,omitempty"`
	External  ExternalLink    `json:"external,omitempty"`
}

// Validate checks evidence key discipline and per-line numeric sanity.
func (o *CanonicalOrder) Validate() error {
	if o.Meta.CaseID == "" {
		return fmt.Errorf("order: meta.case_id is required")
	}
	if err := o.Customer.Evidence.Validate(); err != nil {
		return err
	}
	if err := o.Totals.Evidence.Validate(); err != nil {
		return err
	}
	for i, li := range o.LineItems {
		if err := li.Evidence.Validate(); err != nil {
			return fmt.Errorf("order: line %d: %w", i, err)
		}
		if li.Quantity != nil && *li.Quantity < 0 {
			return fmt.Errorf("order: line %d: negative quantity", i)
		}
		if li.UnitPriceSource != nil && *li.UnitPriceSource < 0 {
			return fmt.Errorf("order: line %d: negative unit price", i)
		}
	}
	for _, m := range o.Schema.Mappings {
		if !m.Field.Valid() {
			return fmt.Errorf("order: mapping for unknown field %q", m.Field)
		}
	}
	return nil
}

// HasBlockers reports whether any issue blocks the pipeline.
func (o *CanonicalOrder) HasBlockers() bool {
	for _, is := range o.Issues {
		if is.Severity == SeverityBlocker {
			return true
		}
	}
	return false
}

// IssuesAtLeast returns the issues with severity at or above min, in stored order.
func (o *CanonicalOrder) IssuesAtLeast(min Severity) []Issue {
	var out []Issue
	for _, is := range o.Issues {
		if is.Severity.AtLeast(min) {
			out = append(out, is)
		}
	}
	return out
}
