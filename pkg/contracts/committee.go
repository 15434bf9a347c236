package contracts

import "fmt"

// ConsensusLabel classifies how strongly the committee agreed on a field.
type ConsensusLabel string

const (
	ConsensusUnanimous   ConsensusLabel = "unanimous"
	ConsensusMajority    ConsensusLabel = "majority"
	ConsensusSplit       ConsensusLabel = "split"
	ConsensusNoConsensus ConsensusLabel = "no_consensus"
)

// VoteSeverity is the severity scale providers use for reported issues. It
// is narrower than Severity: providers never block on their own.
type VoteSeverity string

const (
	VoteInfo    VoteSeverity = "info"
	VoteWarning VoteSeverity = "warning"
	VoteError   VoteSeverity = "error"
)

// MappingVote is one provider's opinion on a single canonical field. A nil
// SelectedColumnID means the provider believes the field is absent.
type MappingVote struct {
	Field            FieldKey `json:"field"`
	SelectedColumnID *string  `json:"selected_column_id"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
}

// VoteIssue is a problem a provider noticed while reviewing the pack.
type VoteIssue struct {
	Code     string       `json:"code"`
	Severity VoteSeverity `json:"severity"`
	Evidence string       `json:"evidence"`
}

// ProviderVote is one provider's complete, schema-validated response.
// Invalid responses are recorded with Valid=false and a DiscardReason but
// never contribute to aggregation.
type ProviderVote struct {
	Provider          string        `json:"provider"`
	Family            string        `json:"family"`
	Mappings          []MappingVote `json:"mappings"`
	Issues            []VoteIssue   `json:"issues,omitempty"`
	OverallConfidence float64       `json:"overall_confidence"`
	ProcessingTimeMs  int64         `json:"processing_time_ms"`
	Valid             bool          `json:"valid"`
	DiscardReason     string        `json:"discard_reason,omitempty"`
}

// FieldConsensus is the aggregated outcome for one canonical field.
type FieldConsensus struct {
	Field              FieldKey       `json:"field"`
	WinnerColumnID     *string        `json:"winner_column_id"`
	Label              ConsensusLabel `json:"label"`
	Score              float64        `json:"score"`
	RunnerUpScore      float64        `json:"runner_up_score"`
	RequiresHumanInput bool           `json:"requires_human_input"`
}

// CommitteeResult is the full outcome of one committee session. Votes keep
// every provider response, valid or not, for the audit trail.
type CommitteeResult struct {
	CaseID             string           `json:"case_id"`
	Attempt            int              `json:"attempt"`
	PanelSeed          uint64           `json:"panel_seed"`
	Providers          []string         `json:"providers"`
	Votes              []ProviderVote   `json:"votes"`
	Fields             []FieldConsensus `json:"fields"`
	ValidVotes         int              `json:"valid_votes"`
	RequiresHumanInput bool             `json:"requires_human_input"`
	OverallConfidence  float64          `json:"overall_confidence"`
}

// ValidVoteCount recounts votes marked valid.
func (r *CommitteeResult) ValidVoteCount() int {
	n := 0
	for _, v := range r.Votes {
		if v.Valid {
			n++
		}
	}
	return n
}

// Consensus returns the aggregated outcome for one field.
func (r *CommitteeResult) Consensus(f FieldKey) (FieldConsensus, error) {
	for _, fc := range r.Fields {
		if fc.Field == f {
			return fc, nil
		}
	}
	return FieldConsensus{}, fmt.Errorf("committee: no consensus recorded for field %q", f)
}

// ProviderWeights maps provider names to their calibrated vote weights.
type ProviderWeights map[string]float64

// Sum returns the total weight.
func (w ProviderWeights) Sum() float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

// Normalized rescales the weights of the given active providers so their sum
// equals the provider count. Providers missing from w weigh 1 before
// rescaling.
func (w ProviderWeights) Normalized(active []string) ProviderWeights {
	if len(active) == 0 {
		return ProviderWeights{}
	}
	raw := make(ProviderWeights, len(active))
	total := 0.0
	for _, p := range active {
		wt, ok := w[p]
		if !ok || wt <= 0 {
			wt = 1
		}
		raw[p] = wt
		total += wt
	}
	scale := float64(len(active)) / total
	out := make(ProviderWeights, len(active))
	for p, wt := range raw {
		out[p] = wt * scale
	}
	return out
}
