package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// reextractCSV runs the pipeline over CSV text with bindings pinned.
func reextractCSV(t *testing.T, csvText string, ov *Overrides) *Result {
	t.Helper()
	ex := New(Options{StrictFormulas: true})
	res, err := ex.Reextract(context.Background(), testMeta("case-1"), []byte(csvText), ov)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	return res
}

func cleanProfiles(t *testing.T) []columnProfile {
	t.Helper()
	sheet := sheetFromStrings(t, "Orders", [][]string{
		{"SKU", "Product Name", "Qty", "Unit Price", "Total"},
		{"SKU-001", "Blue Widget", "10", "25.50", "255.00"},
		{"SKU-002", "Red Gadget", "5", "10.00", "50.00"},
	})
	return buildProfiles(sheet, 0)
}

func mappingFor(out mappingOutcome, f contracts.FieldKey) *contracts.ColumnMapping {
	for i := range out.Mappings {
		if out.Mappings[i].Field == f {
			return &out.Mappings[i]
		}
	}
	return nil
}

func TestApplyOverridesRebindsAndEvicts(t *testing.T) {
	profiles := cleanProfiles(t)
	out := mapColumns(profiles)
	require.Equal(t, "C", mappingFor(out, contracts.FieldQuantity).ColumnID)

	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldQuantity: "D"}}
	require.NoError(t, applyOverrides(&out, profiles, ov))

	m := mappingFor(out, contracts.FieldQuantity)
	require.NotNil(t, m)
	assert.Equal(t, "D", m.ColumnID)
	assert.Equal(t, 1.0, m.Confidence)
	assert.Equal(t, MethodUser, m.Method)

	// The former holder of column D is gone, not silently doubled up.
	assert.Nil(t, mappingFor(out, contracts.FieldUnitPrice))
	assert.NotContains(t, out.ByField, contracts.FieldUnitPrice)
	assert.Equal(t, -1, out.Choices[contracts.FieldUnitPrice].Profile)
	assert.Equal(t, 1.0, out.Choices[contracts.FieldQuantity].Score)
}

func TestApplyOverridesUnbind(t *testing.T) {
	profiles := cleanProfiles(t)
	out := mapColumns(profiles)
	require.NotNil(t, mappingFor(out, contracts.FieldLineTotal))

	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldLineTotal: ""}}
	require.NoError(t, applyOverrides(&out, profiles, ov))

	assert.Nil(t, mappingFor(out, contracts.FieldLineTotal))
	assert.NotContains(t, out.ByField, contracts.FieldLineTotal)
	assert.Empty(t, out.Issues)
}

func TestApplyOverridesUnbindRequiredFieldRaisesIssue(t *testing.T) {
	profiles := cleanProfiles(t)
	out := mapColumns(profiles)
	require.Empty(t, out.Issues)

	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldQuantity: ""}}
	require.NoError(t, applyOverrides(&out, profiles, ov))

	codes := issueCodes(out.Issues)
	assert.Contains(t, codes, contracts.IssueMissingRequiredField)
}

func TestApplyOverridesFillsMissingField(t *testing.T) {
	// "Menge" with x-prefixed counts defeats header, type and pattern
	// scoring, so inference leaves quantity unmapped.
	sheet := sheetFromStrings(t, "Orders", [][]string{
		{"Artikel", "Menge"},
		{"A-1", "x2"},
		{"B-2", "x5"},
	})
	profiles := buildProfiles(sheet, 0)
	out := mapColumns(profiles)

	require.NotContains(t, out.ByField, contracts.FieldQuantity)
	require.Contains(t, issueCodes(out.Issues), contracts.IssueMissingRequiredField)

	ov := &Overrides{
		Mappings: map[contracts.FieldKey]string{
			contracts.FieldSKU:      "A",
			contracts.FieldQuantity: "B",
		},
	}
	require.NoError(t, applyOverrides(&out, profiles, ov))
	assert.NotContains(t, issueCodes(out.Issues), contracts.IssueMissingRequiredField)
}

func TestApplyOverridesClearsAmbiguity(t *testing.T) {
	sheet := sheetFromStrings(t, "Orders", [][]string{
		{"Qty", "Price", "Price", "SKU"},
		{"2", "3.00", "3.00", "A-1"},
		{"5", "4.00", "4.00", "B-2"},
	})
	profiles := buildProfiles(sheet, 0)
	out := mapColumns(profiles)
	before := out.Confidence
	require.Contains(t, issueCodes(out.Issues), contracts.IssueLowConfidence)

	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldUnitPrice: "C"}}
	require.NoError(t, applyOverrides(&out, profiles, ov))

	for _, is := range out.Issues {
		if is.Code == contracts.IssueLowConfidence {
			assert.NotContains(t, is.AffectedFields, contracts.FieldUnitPrice)
		}
	}
	m := mappingFor(out, contracts.FieldUnitPrice)
	require.NotNil(t, m)
	assert.Equal(t, "C", m.ColumnID)
	assert.Greater(t, out.Confidence, before)
}

func TestApplyOverridesConfirmsExistingBinding(t *testing.T) {
	sheet := sheetFromStrings(t, "Orders", [][]string{
		{"Qty", "Price", "Price", "SKU"},
		{"2", "3.00", "3.00", "A-1"},
		{"5", "4.00", "4.00", "B-2"},
	})
	profiles := buildProfiles(sheet, 0)
	out := mapColumns(profiles)

	idx, ok := out.ByField[contracts.FieldUnitPrice]
	require.True(t, ok)
	current := profiles[idx].ID

	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldUnitPrice: current}}
	require.NoError(t, applyOverrides(&out, profiles, ov))

	m := mappingFor(out, contracts.FieldUnitPrice)
	require.NotNil(t, m)
	assert.Equal(t, current, m.ColumnID)
	assert.Equal(t, 1.0, m.Confidence)
	for _, is := range out.Issues {
		if is.Code == contracts.IssueLowConfidence {
			assert.NotContains(t, is.AffectedFields, contracts.FieldUnitPrice)
		}
	}
}

func TestApplyOverridesUnknownColumn(t *testing.T) {
	profiles := cleanProfiles(t)
	out := mapColumns(profiles)

	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldQuantity: "Z"}}
	err := applyOverrides(&out, profiles, ov)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"Z"`)
	assert.Contains(t, err.Error(), "quantity")
}

func TestApplyOverridesRejectsUnmappableField(t *testing.T) {
	profiles := cleanProfiles(t)
	out := mapColumns(profiles)

	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldSubtotal: "A"}}
	err := applyOverrides(&out, profiles, ov)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be bound")
}

func TestReextractPinsMapping(t *testing.T) {
	ov := &Overrides{
		Mappings: map[contracts.FieldKey]string{contracts.FieldQuantity: "D"},
		Method:   MethodCommittee,
	}
	res := reextractCSV(t, happyCSV, ov)
	order := res.Order

	require.Len(t, order.LineItems, 1)
	item := order.LineItems[0]
	require.NotNil(t, item.Quantity)
	assert.Equal(t, 25.5, *item.Quantity)
	assert.Nil(t, item.UnitPriceSource)

	var pinned *contracts.ColumnMapping
	for i := range order.Schema.Mappings {
		if order.Schema.Mappings[i].Field == contracts.FieldQuantity {
			pinned = &order.Schema.Mappings[i]
		}
	}
	require.NotNil(t, pinned)
	assert.Equal(t, "D", pinned.ColumnID)
	assert.Equal(t, MethodCommittee, pinned.Method)
	assert.Equal(t, 1.0, pinned.Confidence)
}

func TestReextractCustomerText(t *testing.T) {
	csv := "SKU,Qty\nA-1,2\n"
	plain := extractCSV(t, csv)
	require.Contains(t, issueCodes(plain.Order.Issues), contracts.IssueMissingCustomer)

	res := reextractCSV(t, csv, &Overrides{CustomerText: "ACME GmbH"})
	order := res.Order
	assert.Equal(t, "ACME GmbH", order.Customer.RawText)
	assert.Equal(t, contracts.ResolutionPending, order.Customer.Resolution)
	assert.Empty(t, order.Customer.Evidence)
	assert.NotContains(t, issueCodes(order.Issues), contracts.IssueMissingCustomer)
}

func TestReextractCustomerTextReplacesLabeled(t *testing.T) {
	res := reextractCSV(t, happyCSV, &Overrides{CustomerText: "Globex International"})
	assert.Equal(t, "Globex International", res.Order.Customer.RawText)
	assert.Empty(t, res.Order.Customer.Evidence)
}

func TestReextractNilMatchesExtract(t *testing.T) {
	ex := New(Options{StrictFormulas: true})
	a, err := ex.Extract(context.Background(), testMeta("case-1"), []byte(happyCSV))
	require.NoError(t, err)
	b, err := ex.Reextract(context.Background(), testMeta("case-1"), []byte(happyCSV), nil)
	require.NoError(t, err)
	require.Equal(t, a.Order, b.Order)
}

func TestReextractUnknownColumnFails(t *testing.T) {
	ex := New(Options{StrictFormulas: true})
	ov := &Overrides{Mappings: map[contracts.FieldKey]string{contracts.FieldSKU: "Q"}}
	_, err := ex.Reextract(context.Background(), testMeta("case-1"), []byte(happyCSV), ov)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), `"Q"`)
}

func TestFromCorrections(t *testing.T) {
	assert.Nil(t, FromCorrections(nil))

	c := &contracts.Corrections{
		Mappings:     map[contracts.FieldKey]string{contracts.FieldQuantity: "B"},
		CustomerText: "ACME Corporation",
	}
	ov := FromCorrections(c)
	require.NotNil(t, ov)
	assert.Equal(t, MethodUser, ov.Method)
	assert.Equal(t, "B", ov.Mappings[contracts.FieldQuantity])
	assert.Equal(t, "ACME Corporation", ov.CustomerText)
}
