package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	input := map[string]any{
		"quantity":   10,
		"item_id":    "it_42",
		"unit_price": json.Number("25.50"),
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"item_id":"it_42","quantity":10,"unit_price":25.50}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"totals": map[string]any{
			"tax":      8.5,
			"subtotal": 255,
		},
		"case_id": "c1",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"case_id":"c1","totals":{"subtotal":255,"tax":8.5}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	// Customer names with ampersands must survive byte-for-byte; standard
	// encoding/json would emit &.
	input := map[string]string{"customer": "Smith & Sons <Ltd>"}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"customer":"Smith & Sons <Ltd>"}`, string(b))
}

func TestJCS_RespectsStructTags(t *testing.T) {
	type line struct {
		Quantity float64 `json:"quantity"`
		ItemID   string  `json:"item_id"`
	}
	b, err := JCS(line{Quantity: 15, ItemID: "it_9"})
	require.NoError(t, err)
	assert.Equal(t, `{"item_id":"it_9","quantity":15}`, string(b))
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]any{"a": 1, "b": 2}

	type s struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := s{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "semantically identical inputs must hash identically")
	assert.Len(t, h1, 64)
}

func TestPrefixedHash(t *testing.T) {
	h := PrefixedHash([]byte("workbook bytes"))
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, h)
	assert.Equal(t, h, PrefixedHash([]byte("workbook bytes")))
}
