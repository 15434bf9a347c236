package committee

import (
	"context"
	"fmt"
	"time"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
)

// weightFloor keeps a poorly scoring provider seated with a small voice
// instead of silencing it outright.
const weightFloor = 0.1

// GoldenCase pairs an evidence pack with the mapping a human judged correct.
// A nil expected column means the field is genuinely absent from the sheet.
type GoldenCase struct {
	Name     string
	Pack     *contracts.EvidencePack
	Expected map[contracts.FieldKey]*string
}

// Calibrate runs every pool provider over the golden set and turns each
// one's per-field accuracy into a vote weight. It is an offline job; the
// returned weights go into the weights file, not straight into a panel.
func Calibrate(ctx context.Context, pool []Provider, golden []GoldenCase, timeout time.Duration) (contracts.ProviderWeights, error) {
	if len(golden) == 0 {
		return nil, fmt.Errorf("committee: calibration needs a golden set")
	}
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	log := observability.Component("committee.calibrate")

	weights := make(contracts.ProviderWeights, len(pool))
	for _, p := range pool {
		correct, judged := 0, 0
		for _, gc := range golden {
			hits, total := scoreGolden(ctx, p, gc, timeout)
			correct += hits
			judged += total
		}
		accuracy := 0.0
		if judged > 0 {
			accuracy = float64(correct) / float64(judged)
		}
		weights[p.Name()] = max(weightFloor, accuracy)
		log.InfoContext(ctx, "provider calibrated",
			"provider", p.Name(), "correct", correct, "judged", judged,
			"weight", weights[p.Name()])
	}
	return weights, nil
}

// scoreGolden collects one vote for one golden case. An invalid vote
// judges every expected field and gets none of them credit.
func scoreGolden(ctx context.Context, p Provider, gc GoldenCase, timeout time.Duration) (hits, total int) {
	total = len(gc.Expected)

	prompt, err := p.PreparePrompt(gc.Pack)
	if err != nil {
		return 0, total
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := p.Invoke(tctx, prompt)
	if err != nil {
		return 0, total
	}
	vote, err := p.ParseOutput(raw)
	if err != nil {
		return 0, total
	}
	if err := checkVote(vote, gc.Pack); err != nil {
		return 0, total
	}

	for field, want := range gc.Expected {
		mv, ok := voteFor(*vote, field)
		if !ok {
			continue
		}
		switch {
		case want == nil && mv.SelectedColumnID == nil:
			hits++
		case want != nil && mv.SelectedColumnID != nil && *want == *mv.SelectedColumnID:
			hits++
		}
	}
	return hits, total
}
