package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		prefer NumberStyle
		want   float64
		ok     bool
	}{
		{"plain integer", "10", StyleUnknown, 10, true},
		{"plain decimal", "25.50", StyleUnknown, 25.50, true},
		{"us grouped", "1,234.56", StyleUnknown, 1234.56, true},
		{"us millions", "12,345,678.90", StyleUnknown, 12345678.90, true},
		{"eu grouped", "1.234,56", StyleUnknown, 1234.56, true},
		{"eu decimal only", "12,34", StyleUnknown, 12.34, true},
		{"eu short decimal", "1,5", StyleUnknown, 1.5, true},
		{"prefer eu rereads us thousands", "1,234", StyleEU, 1.234, true},
		{"us thousands by default", "1,234", StyleUnknown, 1234, true},
		{"dollar sign", "$25.50", StyleUnknown, 25.50, true},
		{"euro suffix", "1.234,56 €", StyleUnknown, 1234.56, true},
		{"rupee", "₹99", StyleUnknown, 99, true},
		{"accounting negative", "(42)", StyleUnknown, -42, true},
		{"leading minus", "-7.5", StyleUnknown, -7.5, true},
		{"farsi digits", "۲۵۰۰۰", StyleUnknown, 25000, true},
		{"farsi with text fails", "۱۵ عدد", StyleUnknown, 0, false},
		{"words fail", "ten", StyleUnknown, 0, false},
		{"empty fails", "", StyleUnknown, 0, false},
		{"bad grouping fails us", "1,23.45", StyleUnknown, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseNumber(tc.in, tc.prefer)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.want, got, 1e-9)
			}
		})
	}
}

func TestStripCurrency(t *testing.T) {
	cleaned, iso := StripCurrency("$25.50")
	assert.Equal(t, "25.50", cleaned)
	assert.Equal(t, "USD", iso)

	cleaned, iso = StripCurrency("1.234,56 €")
	assert.Equal(t, "1.234,56", cleaned)
	assert.Equal(t, "EUR", iso)

	cleaned, iso = StripCurrency("25.50")
	assert.Equal(t, "25.50", cleaned)
	assert.Equal(t, "", iso)
}

func TestDetectColumnStyle(t *testing.T) {
	cases := []struct {
		name   string
		values []string
		want   NumberStyle
	}{
		{"us column", []string{"1,234.56", "2,000.00", "15.99"}, StyleUS},
		{"eu column", []string{"1.234,56", "99,50"}, StyleEU},
		{"plain column", []string{"10", "25.50", "7"}, StylePlain},
		{"eu decimals outvote", []string{"12,34", "56,78", "1,234"}, StyleEU},
		{"ambiguous dot thousands abstains", []string{"1.234"}, StyleUnknown},
		{"empty", nil, StyleUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectColumnStyle(tc.values))
		})
	}
}
