package contracts

import (
	"fmt"
	"unicode/utf8"
)

// Evidence pack bounds. The pack is the only case data that ever reaches an
// AI provider; the caps are a privacy and cost boundary, not a tuning knob.
const (
	MaxPackHeaderChars = 100
	MaxPackSamples     = 5
	MaxPackSampleChars = 200
)

// ColumnSummary describes one candidate column to the committee: header,
// bounded samples, and shape statistics. Never raw rows.
type ColumnSummary struct {
	ID       string   `json:"id"`
	Header   string   `json:"header"`
	Samples  []string `json:"samples,omitempty"`
	NonEmpty int      `json:"non_empty"`
	Unique   int      `json:"unique"`
	Types    []string `json:"types,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
}

// EvidencePack is the bounded input to a committee review.
type EvidencePack struct {
	CaseID      string          `json:"case_id"`
	Columns     []ColumnSummary `json:"columns"`
	Fields      []FieldKey      `json:"fields"`
	Language    string          `json:"language"`
	Constraints []string        `json:"constraints,omitempty"`
}

// truncate caps a string at max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// Bound clips every header and sample to the pack limits, in place. Building
// a pack without calling Bound is a contract violation caught by Validate.
func (p *EvidencePack) Bound() {
	for i := range p.Columns {
		col := &p.Columns[i]
		col.Header = truncate(col.Header, MaxPackHeaderChars)
		if len(col.Samples) > MaxPackSamples {
			col.Samples = col.Samples[:MaxPackSamples]
		}
		for j := range col.Samples {
			col.Samples[j] = truncate(col.Samples[j], MaxPackSampleChars)
		}
	}
}

// Validate enforces the boundedness rule and structural sanity.
func (p *EvidencePack) Validate() error {
	if len(p.Columns) == 0 {
		return fmt.Errorf("pack: no candidate columns")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("pack: no target fields")
	}
	seen := map[string]bool{}
	for _, col := range p.Columns {
		if col.ID == "" {
			return fmt.Errorf("pack: column with empty id")
		}
		if seen[col.ID] {
			return fmt.Errorf("pack: duplicate column id %q", col.ID)
		}
		seen[col.ID] = true
		if utf8.RuneCountInString(col.Header) > MaxPackHeaderChars {
			return fmt.Errorf("pack: column %s header exceeds %d chars", col.ID, MaxPackHeaderChars)
		}
		if len(col.Samples) > MaxPackSamples {
			return fmt.Errorf("pack: column %s carries %d samples, max %d", col.ID, len(col.Samples), MaxPackSamples)
		}
		for _, s := range col.Samples {
			if utf8.RuneCountInString(s) > MaxPackSampleChars {
				return fmt.Errorf("pack: column %s sample exceeds %d chars", col.ID, MaxPackSampleChars)
			}
		}
	}
	for _, f := range p.Fields {
		if !f.Valid() {
			return fmt.Errorf("pack: unknown field %q", f)
		}
	}
	return nil
}

// ColumnIDs returns the candidate id set in column order.
func (p *EvidencePack) ColumnIDs() []string {
	out := make([]string, len(p.Columns))
	for i, col := range p.Columns {
		out[i] = col.ID
	}
	return out
}

// HasColumn reports whether id belongs to the candidate set.
func (p *EvidencePack) HasColumn(id string) bool {
	for _, col := range p.Columns {
		if col.ID == id {
			return true
		}
	}
	return false
}
