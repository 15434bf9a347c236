// Package committee runs a seeded panel of model providers over a bounded
// evidence pack and folds their votes into a weighted consensus. Providers
// only ever see the pack, never the workbook, and their raw responses only
// ever leave this package as schema-validated votes.
package committee

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
)

// DefaultProviderTimeout bounds a single provider invocation.
const DefaultProviderTimeout = 30 * time.Second

// Options configures a committee.
type Options struct {
	// Weights are calibrated per-provider vote weights; missing providers
	// weigh 1.0. They are normalized per sitting panel.
	Weights contracts.ProviderWeights
	// ProviderTimeout bounds each Invoke. Zero means DefaultProviderTimeout.
	ProviderTimeout time.Duration
	// ProviderRPS caps invocations per second per vendor family. Zero
	// disables the limiter.
	ProviderRPS float64
}

// Committee reviews evidence packs with panels drawn from a provider pool.
type Committee struct {
	pool    []Provider
	weights contracts.ProviderWeights
	timeout time.Duration
	rps     float64
	log     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // keyed by vendor family
}

// New builds a committee over the given pool. The pool must span at least
// PanelSize vendor families or Review will fail.
func New(pool []Provider, opts Options) *Committee {
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	weights := opts.Weights
	if weights == nil {
		weights = contracts.ProviderWeights{}
	}
	return &Committee{
		pool:     pool,
		weights:  weights,
		timeout:  timeout,
		rps:      opts.ProviderRPS,
		log:      observability.Component("committee"),
		limiters: map[string]*rate.Limiter{},
	}
}

// limiter returns the family's rate limiter, or nil when limiting is off.
func (c *Committee) limiter(family string) *rate.Limiter {
	if c.rps <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[family]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.rps), 1)
		c.limiters[family] = lim
	}
	return lim
}

// Review seats a panel for the case, collects votes in parallel, and
// aggregates them. A session with zero valid votes is still a result, not
// an error; callers branch on ValidVotes.
func (c *Committee) Review(ctx context.Context, caseID string, attempt int, pack *contracts.EvidencePack) (*contracts.CommitteeResult, error) {
	if err := pack.Validate(); err != nil {
		return nil, err
	}

	seed := PanelSeed(caseID, attempt)
	panel, err := SelectPanel(c.pool, seed, PanelSize)
	if err != nil {
		return nil, err
	}
	names := PanelNames(panel)
	weights := c.weights.Normalized(names)

	votes := make([]contracts.ProviderVote, len(panel))
	var wg sync.WaitGroup
	for i, p := range panel {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			votes[i] = c.collectVote(ctx, p, pack)
		}(i, p)
	}
	wg.Wait()

	validVotes := 0
	for _, v := range votes {
		if v.Valid {
			validVotes++
		} else {
			c.log.WarnContext(ctx, "vote discarded",
				"case_id", caseID, "provider", v.Provider, "reason", v.DiscardReason)
		}
	}

	fields, needsHuman := aggregate(pack.Fields, votes, weights)
	result := &contracts.CommitteeResult{
		CaseID:             caseID,
		Attempt:            attempt,
		PanelSeed:          seed,
		Providers:          names,
		Votes:              votes,
		Fields:             fields,
		ValidVotes:         validVotes,
		RequiresHumanInput: needsHuman || validVotes == 1,
		OverallConfidence:  overallConfidence(votes, weights),
	}

	c.log.InfoContext(ctx, "committee reviewed",
		"case_id", caseID,
		"attempt", attempt,
		"panel", names,
		"valid_votes", validVotes,
		"requires_human", result.RequiresHumanInput,
		"confidence", result.OverallConfidence,
	)
	return result, nil
}

// collectVote runs one provider end to end. Failures at any stage come back
// as an invalid vote whose discard reason carries no response content.
func (c *Committee) collectVote(ctx context.Context, p Provider, pack *contracts.EvidencePack) contracts.ProviderVote {
	invalid := func(reason string) contracts.ProviderVote {
		return contracts.ProviderVote{
			Provider:      p.Name(),
			Family:        p.Family(),
			Valid:         false,
			DiscardReason: reason,
		}
	}

	prompt, err := p.PreparePrompt(pack)
	if err != nil {
		return invalid("prepare: " + err.Error())
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// The family quota is shared across workers; waiting counts against the
	// provider timeout so a saturated family cannot stall a step.
	if lim := c.limiter(p.Family()); lim != nil {
		if err := lim.Wait(tctx); err != nil {
			return invalid("throttle: " + err.Error())
		}
	}

	start := time.Now()
	raw, err := p.Invoke(tctx, prompt)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return invalid("invoke: " + err.Error())
	}

	vote, err := p.ParseOutput(raw)
	if err != nil {
		return invalid("parse: " + err.Error())
	}
	if err := checkVote(vote, pack); err != nil {
		return invalid("check: " + err.Error())
	}

	vote.Provider = p.Name()
	vote.Family = p.Family()
	vote.Valid = true
	if vote.ProcessingTimeMs == 0 {
		vote.ProcessingTimeMs = elapsed
	}
	return *vote
}
