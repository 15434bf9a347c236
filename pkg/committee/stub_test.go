package committee

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// stubProvider fakes one committee member with a canned raw response.
type stubProvider struct {
	baseProvider
	reply string
	err   error
	delay time.Duration
}

func newStub(name, family, reply string) *stubProvider {
	return &stubProvider{baseProvider: baseProvider{name: name, family: family}, reply: reply}
}

func (s *stubProvider) Invoke(ctx context.Context, _ string) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func testPack(caseID string) *contracts.EvidencePack {
	return &contracts.EvidencePack{
		CaseID: caseID,
		Columns: []contracts.ColumnSummary{
			{ID: "A", Header: "SKU", Samples: []string{"SKU-001", "SKU-002"}, NonEmpty: 2, Unique: 2},
			{ID: "B", Header: "Qty", Samples: []string{"10", "3"}, NonEmpty: 2, Unique: 2},
			{ID: "C", Header: "Unit Price", Samples: []string{"25.50", "9.99"}, NonEmpty: 2, Unique: 2},
		},
		Fields:   []contracts.FieldKey{contracts.FieldSKU, contracts.FieldQuantity, contracts.FieldUnitPrice},
		Language: "en",
	}
}

// pick is one field selection for a reply or a direct vote. An empty column
// means the provider declared the field absent.
type pick struct {
	field contracts.FieldKey
	col   string
	conf  float64
}

// voteReply renders a schema-valid raw response for the given picks.
func voteReply(t *testing.T, overall float64, picks ...pick) string {
	t.Helper()
	type wireMapping struct {
		Field            string  `json:"field"`
		SelectedColumnID *string `json:"selected_column_id"`
		Confidence       float64 `json:"confidence"`
	}
	mappings := make([]wireMapping, 0, len(picks))
	for _, p := range picks {
		m := wireMapping{Field: string(p.field), Confidence: p.conf}
		if p.col != "" {
			col := p.col
			m.SelectedColumnID = &col
		}
		mappings = append(mappings, m)
	}
	body, err := json.Marshal(map[string]any{
		"mappings":           mappings,
		"overall_confidence": overall,
	})
	require.NoError(t, err)
	return string(body)
}

// packReply is a reply mapping every testPack field the obvious way.
func packReply(t *testing.T) string {
	t.Helper()
	return voteReply(t, 0.9,
		pick{contracts.FieldSKU, "A", 0.95},
		pick{contracts.FieldQuantity, "B", 0.9},
		pick{contracts.FieldUnitPrice, "C", 0.85},
	)
}

// validVote builds an already-parsed valid vote for aggregation tests.
func validVote(provider string, overall float64, picks ...pick) contracts.ProviderVote {
	v := contracts.ProviderVote{Provider: provider, Valid: true, OverallConfidence: overall}
	for _, p := range picks {
		mv := contracts.MappingVote{Field: p.field, Confidence: p.conf}
		if p.col != "" {
			col := p.col
			mv.SelectedColumnID = &col
		}
		v.Mappings = append(v.Mappings, mv)
	}
	return v
}

func uniform(providers ...string) contracts.ProviderWeights {
	w := make(contracts.ProviderWeights, len(providers))
	for _, p := range providers {
		w[p] = 1
	}
	return w
}
