package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderWeights_Normalized(t *testing.T) {
	w := ProviderWeights{"claude": 1.2, "gpt": 1.0, "gemini": 0.8}
	active := []string{"claude", "gpt", "gemini"}

	n := w.Normalized(active)
	assert.InDelta(t, 3.0, n.Sum(), 1e-9)
	assert.Greater(t, n["claude"], n["gemini"])
}

func TestProviderWeights_MissingProviderDefaultsToOne(t *testing.T) {
	w := ProviderWeights{"claude": 2.0}
	n := w.Normalized([]string{"claude", "mistral"})
	assert.InDelta(t, 2.0, n.Sum(), 1e-9)
	assert.InDelta(t, n["claude"], 2*n["mistral"], 1e-9)
}

func TestProviderWeights_EmptyActiveSet(t *testing.T) {
	w := ProviderWeights{"claude": 1.0}
	assert.Empty(t, w.Normalized(nil))
}

func TestCommitteeResult_Consensus(t *testing.T) {
	col := "B"
	r := CommitteeResult{
		Fields: []FieldConsensus{
			{Field: FieldQuantity, WinnerColumnID: &col, Label: ConsensusUnanimous, Score: 2.85},
		},
	}
	fc, err := r.Consensus(FieldQuantity)
	require.NoError(t, err)
	assert.Equal(t, ConsensusUnanimous, fc.Label)

	_, err = r.Consensus(FieldGTIN)
	assert.Error(t, err)
}

func TestCommitteeResult_ValidVoteCount(t *testing.T) {
	r := CommitteeResult{Votes: []ProviderVote{
		{Provider: "claude", Valid: true},
		{Provider: "gpt", Valid: false, DiscardReason: "schema violation"},
		{Provider: "gemini", Valid: true},
	}}
	assert.Equal(t, 2, r.ValidVoteCount())
}
