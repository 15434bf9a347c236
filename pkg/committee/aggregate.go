package committee

import (
	"sort"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

const (
	// consensusFloor is the fraction of the valid-vote weight a winner
	// must carry. Below it the field has no consensus.
	consensusFloor = 0.5
	// marginFraction is the winner-vs-runner-up gap, as a fraction of the
	// valid-vote weight, under which a human decides.
	marginFraction = 0.1
)

// aggregate folds the valid votes into one consensus per requested field.
// Weights must already be normalized for the sitting panel. The returned
// flag is true when any field needs a human decision.
func aggregate(fields []contracts.FieldKey, votes []contracts.ProviderVote, weights contracts.ProviderWeights) ([]contracts.FieldConsensus, bool) {
	valid := make([]contracts.ProviderVote, 0, len(votes))
	sumW := 0.0
	for _, v := range votes {
		if v.Valid {
			valid = append(valid, v)
			sumW += weights[v.Provider]
		}
	}

	out := make([]contracts.FieldConsensus, 0, len(fields))
	needsHuman := false
	for _, f := range fields {
		fc := aggregateField(f, valid, weights, sumW)
		needsHuman = needsHuman || fc.RequiresHumanInput
		out = append(out, fc)
	}
	return out, needsHuman
}

func aggregateField(field contracts.FieldKey, valid []contracts.ProviderVote, weights contracts.ProviderWeights, sumW float64) contracts.FieldConsensus {
	fc := contracts.FieldConsensus{Field: field}
	if len(valid) == 0 {
		fc.Label = contracts.ConsensusNoConsensus
		fc.RequiresHumanInput = true
		return fc
	}

	scores := make(map[string]float64)
	ballots := make(map[string]int)
	nulls := 0
	for _, v := range valid {
		mv, ok := voteFor(v, field)
		if !ok {
			continue
		}
		if mv.SelectedColumnID == nil {
			nulls++
			continue
		}
		col := *mv.SelectedColumnID
		scores[col] += mv.Confidence * weights[v.Provider]
		ballots[col]++
	}

	// Every valid vote declaring the field absent is itself agreement.
	if len(scores) == 0 {
		fc.Label = contracts.ConsensusUnanimous
		return fc
	}

	cols := make([]string, 0, len(scores))
	for c := range scores {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	winner, runnerUp := cols[0], ""
	for _, c := range cols[1:] {
		if scores[c] > scores[winner] {
			runnerUp = winner
			winner = c
		} else if runnerUp == "" || scores[c] > scores[runnerUp] {
			runnerUp = c
		}
	}
	fc.Score = scores[winner]
	if runnerUp != "" {
		fc.RunnerUpScore = scores[runnerUp]
	}

	switch {
	case nulls == 0 && len(scores) == 1:
		fc.Label = contracts.ConsensusUnanimous
	case float64(ballots[winner]) > float64(len(valid))/2:
		fc.Label = contracts.ConsensusMajority
	default:
		fc.Label = contracts.ConsensusSplit
	}

	if fc.Score < consensusFloor*sumW {
		fc.Label = contracts.ConsensusNoConsensus
		fc.RequiresHumanInput = true
		return fc
	}

	w := winner
	fc.WinnerColumnID = &w
	if fc.Score-fc.RunnerUpScore < marginFraction*sumW {
		fc.RequiresHumanInput = true
	}
	return fc
}

func voteFor(v contracts.ProviderVote, field contracts.FieldKey) (contracts.MappingVote, bool) {
	for _, mv := range v.Mappings {
		if mv.Field == field {
			return mv, true
		}
	}
	return contracts.MappingVote{}, false
}

// overallConfidence is the weight-averaged confidence of the valid votes.
func overallConfidence(votes []contracts.ProviderVote, weights contracts.ProviderWeights) float64 {
	sum, sumW := 0.0, 0.0
	for _, v := range votes {
		if !v.Valid {
			continue
		}
		w := weights[v.Provider]
		sum += w * v.OverallConfidence
		sumW += w
	}
	if sumW == 0 {
		return 0
	}
	return sum / sumW
}
