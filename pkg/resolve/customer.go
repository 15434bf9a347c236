package resolve

import (
	"context"
	"fmt"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// CustomerResult is the outcome of matching the extracted customer text.
type CustomerResult struct {
	Block  contracts.CustomerBlock
	Issues []contracts.Issue
	// Stale is true when the catalog snapshot was served past its window.
	Stale bool
}

// ResolveCustomer matches the block's raw text against the customer catalog.
// An exact normalized match wins outright; otherwise fuzzy scores decide
// between resolved, ambiguous, needs_user_input, and not_found.
func (r *Resolver) ResolveCustomer(ctx context.Context, block contracts.CustomerBlock) (*CustomerResult, error) {
	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Stale {
		r.log.WarnContext(ctx, "matching against stale catalog", "fetched_at", snap.FetchedAt)
	}

	res := &CustomerResult{Block: block, Stale: snap.Stale}
	res.Block.Resolved = nil
	res.Block.Candidates = nil

	// An empty customer block already carries a MISSING_CUSTOMER issue from
	// extraction; there is nothing to match.
	if block.RawText == "" {
		res.Block.Resolution = contracts.ResolutionNotFound
		return res, nil
	}

	norm := normalizeName(block.RawText)
	var exact []scored
	var fuzzy []scored
	for _, c := range snap.Customers {
		if !c.Active {
			continue
		}
		score := similarity(norm, normalizeName(c.DisplayName))
		if c.CompanyName != "" {
			if s := similarity(norm, normalizeName(c.CompanyName)); s > score {
				score = s
			}
		}
		if score == 1 {
			exact = append(exact, scored{ref: c.Ref(), score: 1})
		}
		fuzzy = append(fuzzy, scored{ref: c.Ref(), score: score})
	}

	if len(exact) == 1 {
		res.Block.Resolution = contracts.ResolutionResolved
		res.Block.Resolved = &exact[0].ref
		r.log.InfoContext(ctx, "customer resolved", "external_id", exact[0].ref.ExternalID, "method", "exact")
		return res, nil
	}
	if len(exact) > 1 {
		rank(exact)
		res.Block.Resolution = contracts.ResolutionAmbiguous
		res.Block.Candidates = r.candidates(exact)
		res.Issues = append(res.Issues, contracts.NewIssue(
			contracts.IssueAmbiguousCustomer, contracts.SeverityError,
			fmt.Sprintf("%d catalog customers share the name %q", len(exact), block.RawText),
		).WithField(contracts.FieldCustomerName))
		return res, nil
	}

	rank(fuzzy)
	best, margin := 0.0, 1.0
	if len(fuzzy) > 0 {
		best = fuzzy[0].score
		if len(fuzzy) > 1 {
			margin = best - fuzzy[1].score
		}
	}

	switch {
	case best >= r.opts.FuzzyHigh && margin >= r.opts.Margin:
		res.Block.Resolution = contracts.ResolutionResolved
		res.Block.Resolved = &fuzzy[0].ref
		r.log.InfoContext(ctx, "customer resolved",
			"external_id", fuzzy[0].ref.ExternalID, "method", "fuzzy", "score", best)
	case best >= r.opts.FuzzyHigh:
		res.Block.Resolution = contracts.ResolutionAmbiguous
		res.Block.Candidates = r.candidates(fuzzy)
		res.Issues = append(res.Issues, contracts.NewIssue(
			contracts.IssueAmbiguousCustomer, contracts.SeverityError,
			fmt.Sprintf("several catalog customers match %q about equally", block.RawText),
		).WithField(contracts.FieldCustomerName))
	case best >= r.opts.FuzzyLow:
		res.Block.Resolution = contracts.ResolutionNeedsUserInput
		res.Block.Candidates = r.candidates(fuzzy)
		res.Issues = append(res.Issues, contracts.NewIssue(
			contracts.IssueAmbiguousCustomer, contracts.SeverityError,
			fmt.Sprintf("no catalog customer clearly matches %q; closest suggestions attached", block.RawText),
		).WithField(contracts.FieldCustomerName))
	default:
		res.Block.Resolution = contracts.ResolutionNotFound
		res.Issues = append(res.Issues, contracts.NewIssue(
			contracts.IssueCustomerNotFound, contracts.SeverityError,
			fmt.Sprintf("%q is not in the customer catalog", block.RawText),
		).WithField(contracts.FieldCustomerName))
	}
	return res, nil
}
