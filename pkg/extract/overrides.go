package extract

import (
	"fmt"
	"sort"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// Mapping methods recorded on column bindings.
const (
	MethodInferred  = "header_similarity"
	MethodCommittee = "committee"
	MethodUser      = "user"
)

// Overrides pins column bindings decided outside the pipeline, either by
// committee consensus or by a user correcting a parse. Overridden fields skip
// scoring and bind with full confidence.
type Overrides struct {
	// Mappings binds fields to column ids of the same workbook; an empty id
	// removes whatever binding inference produced.
	Mappings map[contracts.FieldKey]string
	// Method labels overridden bindings in the schema, MethodCommittee or
	// MethodUser. Empty means MethodUser.
	Method string
	// CustomerText replaces the located customer text when non-empty.
	CustomerText string
}

// FromCorrections converts a submitted corrections payload into overrides.
func FromCorrections(c *contracts.Corrections) *Overrides {
	if c == nil {
		return nil
	}
	return &Overrides{Mappings: c.Mappings, Method: MethodUser, CustomerText: c.CustomerText}
}

// applyOverrides rebinds the mapping outcome in place. Each override evicts
// whichever field held the column before it; an override naming a column the
// workbook does not have is an error.
func applyOverrides(out *mappingOutcome, profiles []columnProfile, ov *Overrides) error {
	if len(ov.Mappings) == 0 {
		return nil
	}
	method := ov.Method
	if method == "" {
		method = MethodUser
	}

	byID := make(map[string]int, len(profiles))
	for i := range profiles {
		byID[profiles[i].ID] = i
	}

	fields := make([]contracts.FieldKey, 0, len(ov.Mappings))
	for f := range ov.Mappings {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })

	touched := make(map[contracts.FieldKey]bool, len(fields))
	for _, f := range fields {
		if !f.Mappable() {
			return fmt.Errorf("extract: field %q cannot be bound to a column", f)
		}
		touched[f] = true
		id := ov.Mappings[f]
		if id == "" {
			unbind(out, f)
			continue
		}
		idx, ok := byID[id]
		if !ok {
			return fmt.Errorf("extract: override binds %s to unknown column %q", f, id)
		}
		for other, oi := range out.ByField {
			if oi == idx && other != f {
				touched[other] = true
				unbind(out, other)
			}
		}
		unbind(out, f)
		out.ByField[f] = idx
		out.Choices[f] = fieldChoice{Field: f, Profile: idx, Score: 1}
		out.Mappings = append(out.Mappings, contracts.ColumnMapping{
			Field:      f,
			ColumnID:   id,
			Confidence: 1,
			Method:     method,
		})
	}

	out.Issues = pruneMappingIssues(out.Issues, touched)
	out.Issues = append(out.Issues, missingFieldIssues(out.ByField)...)
	out.Confidence = mappingConfidence(*out)
	return nil
}

// unbind clears a field's binding across ByField, Choices and Mappings.
func unbind(out *mappingOutcome, f contracts.FieldKey) {
	delete(out.ByField, f)
	out.Choices[f] = fieldChoice{Field: f, Profile: -1}
	for i := range out.Mappings {
		if out.Mappings[i].Field == f {
			out.Mappings = append(out.Mappings[:i], out.Mappings[i+1:]...)
			break
		}
	}
}

// pruneMappingIssues drops warnings an override supersedes: low confidence on
// a touched field, and every missing-field issue so the set can be recomputed
// against the final bindings.
func pruneMappingIssues(issues []contracts.Issue, touched map[contracts.FieldKey]bool) []contracts.Issue {
	kept := issues[:0]
	for _, is := range issues {
		switch {
		case is.Code == contracts.IssueMissingRequiredField:
			continue
		case is.Code == contracts.IssueLowConfidence && touchesAny(is, touched):
			continue
		}
		kept = append(kept, is)
	}
	return kept
}

func touchesAny(is contracts.Issue, fields map[contracts.FieldKey]bool) bool {
	for _, f := range is.AffectedFields {
		if fields[f] {
			return true
		}
	}
	return false
}

// overrideCustomer replaces whatever customer text the workbook yielded and
// drops the missing-customer issue if one was raised.
func overrideCustomer(order *contracts.CanonicalOrder, text string) {
	order.Customer = contracts.CustomerBlock{RawText: text, Resolution: contracts.ResolutionPending}
	kept := order.Issues[:0]
	for _, is := range order.Issues {
		if is.Code == contracts.IssueMissingCustomer {
			continue
		}
		kept = append(kept, is)
	}
	order.Issues = kept
}
