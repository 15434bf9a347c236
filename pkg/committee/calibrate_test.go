package committee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

func goldenSet(t *testing.T) []GoldenCase {
	t.Helper()
	colA, colB, colC := "A", "B", "C"
	return []GoldenCase{{
		Name: "clean english sheet",
		Pack: testPack("golden-1"),
		Expected: map[contracts.FieldKey]*string{
			contracts.FieldSKU:       &colA,
			contracts.FieldQuantity:  &colB,
			contracts.FieldUnitPrice: &colC,
		},
	}}
}

func TestCalibrate(t *testing.T) {
	sharp := newStub("anthropic:sonnet", "anthropic", packReply(t))
	blurry := newStub("openai:gpt-4o", "openai", voteReply(t, 0.6,
		pick{contracts.FieldSKU, "A", 0.9},
		pick{contracts.FieldQuantity, "C", 0.5},
		pick{contracts.FieldUnitPrice, "", 0.4},
	))
	broken := newStub("google:gemini-flash", "google", "")
	broken.err = errors.New("google: status 500")

	weights, err := Calibrate(context.Background(), []Provider{sharp, blurry, broken}, goldenSet(t), time.Second)
	require.NoError(t, err)
	require.Len(t, weights, 3)

	assert.InDelta(t, 1.0, weights["anthropic:sonnet"], 1e-9)
	assert.InDelta(t, 1.0/3.0, weights["openai:gpt-4o"], 1e-9)
	assert.InDelta(t, weightFloor, weights["google:gemini-flash"], 1e-9)
}

func TestCalibrateCreditsAgreedAbsence(t *testing.T) {
	pack := &contracts.EvidencePack{
		CaseID: "golden-2",
		Columns: []contracts.ColumnSummary{
			{ID: "A", Header: "Product", Samples: []string{"Blue Widget"}, NonEmpty: 1, Unique: 1},
		},
		Fields:   []contracts.FieldKey{contracts.FieldGTIN},
		Language: "en",
	}
	golden := []GoldenCase{{
		Name:     "sheet without barcodes",
		Pack:     pack,
		Expected: map[contracts.FieldKey]*string{contracts.FieldGTIN: nil},
	}}

	honest := newStub("anthropic:sonnet", "anthropic",
		voteReply(t, 0.9, pick{contracts.FieldGTIN, "", 0.9}))
	guessing := newStub("openai:gpt-4o", "openai",
		voteReply(t, 0.9, pick{contracts.FieldGTIN, "A", 0.9}))

	weights, err := Calibrate(context.Background(), []Provider{honest, guessing}, golden, time.Second)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, weights["anthropic:sonnet"], 1e-9)
	assert.InDelta(t, weightFloor, weights["openai:gpt-4o"], 1e-9)
}

func TestCalibrateNeedsGoldenSet(t *testing.T) {
	_, err := Calibrate(context.Background(), []Provider{newStub("anthropic:sonnet", "anthropic", "")}, nil, time.Second)
	require.Error(t, err)
}
