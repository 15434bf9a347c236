package resolve

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
)

// PriceDiff records a sheet price that disagrees with the catalog. The
// catalog price is what gets submitted; the diff is kept for the audit trail.
type PriceDiff struct {
	RowIndex   int     `json:"row_index"`
	ExternalID string  `json:"external_id"`
	Source     float64 `json:"source"`
	Resolved   float64 `json:"resolved"`
}

// ItemsResult is the outcome of matching every order line.
type ItemsResult struct {
	Items      []contracts.LineItem
	Issues     []contracts.Issue
	PriceDiffs []PriceDiff
	Stale      bool
}

// Resolved reports whether every line landed on a catalog item.
func (ir *ItemsResult) Resolved() bool {
	for _, it := range ir.Items {
		if it.Resolution.Status != contracts.ResolutionResolved {
			return false
		}
	}
	return true
}

// canonicalSKU uppercases and strips spaces so "sku 001" and "SKU001" meet.
func canonicalSKU(s string) string {
	return strings.ToUpper(strings.ReplaceAll(extract.NormalizeDigits(s), " ", ""))
}

// canonicalGTIN keeps digits only.
func canonicalGTIN(s string) string {
	var b strings.Builder
	for _, r := range extract.NormalizeDigits(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type itemIndex struct {
	bySKU  map[string][]contracts.CatalogItem
	byGTIN map[string][]contracts.CatalogItem
	active []contracts.CatalogItem
}

func buildItemIndex(items []contracts.CatalogItem) *itemIndex {
	idx := &itemIndex{
		bySKU:  make(map[string][]contracts.CatalogItem),
		byGTIN: make(map[string][]contracts.CatalogItem),
	}
	for _, it := range items {
		if !it.Active {
			continue
		}
		idx.active = append(idx.active, it)
		if sku := canonicalSKU(it.SKU); sku != "" {
			idx.bySKU[sku] = append(idx.bySKU[sku], it)
		}
		if gtin := canonicalGTIN(it.GTIN); gtin != "" {
			idx.byGTIN[gtin] = append(idx.byGTIN[gtin], it)
		}
	}
	return idx
}

// ResolveItems matches every line against the item catalog: SKU exact, then
// GTIN exact, then fuzzy name when enabled. Resolved lines get the catalog
// rate as their submit price; the sheet price stays on the line for audit.
func (r *Resolver) ResolveItems(ctx context.Context, items []contracts.LineItem) (*ItemsResult, error) {
	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Stale {
		r.log.WarnContext(ctx, "matching against stale catalog", "fetched_at", snap.FetchedAt)
	}
	idx := buildItemIndex(snap.Items)

	res := &ItemsResult{Items: make([]contracts.LineItem, len(items)), Stale: snap.Stale}
	for i, item := range items {
		line := item
		line.Resolution = contracts.ItemResolution{Status: contracts.ResolutionPending}
		line.UnitPriceResolved = nil

		match := r.resolveLine(idx, &line, res)
		if match != nil {
			rate := match.Rate
			line.UnitPriceResolved = &rate
			if line.UnitPriceSource != nil && math.Abs(*line.UnitPriceSource-rate) > 0.005 {
				res.PriceDiffs = append(res.PriceDiffs, PriceDiff{
					RowIndex:   line.RowIndex,
					ExternalID: match.ExternalID,
					Source:     *line.UnitPriceSource,
					Resolved:   rate,
				})
				r.log.WarnContext(ctx, "sheet price differs from catalog",
					"row", line.RowIndex, "external_id", match.ExternalID,
					"sheet", *line.UnitPriceSource, "catalog", rate)
			}
		}
		res.Items[i] = line
	}
	return res, nil
}

// resolveLine fills the line's resolution and returns the matched catalog
// item, if any. Issues land on the shared result.
func (r *Resolver) resolveLine(idx *itemIndex, line *contracts.LineItem, res *ItemsResult) *contracts.CatalogItem {
	if sku := canonicalSKU(line.SKU); sku != "" {
		if found := idx.bySKU[sku]; len(found) > 0 {
			return r.settleExact(found, line, res, "sku_exact", "sku "+line.SKU)
		}
	}
	if gtin := canonicalGTIN(line.GTIN); gtin != "" {
		if found := idx.byGTIN[gtin]; len(found) > 0 {
			return r.settleExact(found, line, res, "gtin_exact", "barcode "+line.GTIN)
		}
	}
	if r.opts.NameFuzzy && line.ProductName != "" {
		if match := r.settleByName(idx, line, res); match != nil {
			return match
		}
		if line.Resolution.Status != contracts.ResolutionPending {
			return nil
		}
	}

	line.Resolution.Status = contracts.ResolutionNotFound
	res.Issues = append(res.Issues, contracts.NewIssue(
		contracts.IssueItemNotFound, contracts.SeverityError,
		fmt.Sprintf("%q is not in the item catalog", lineIdentity(line)),
	).WithRow(line.RowIndex))
	return nil
}

// lineIdentity names the line in messages: SKU first, then barcode, then name.
func lineIdentity(line *contracts.LineItem) string {
	switch {
	case line.SKU != "":
		return line.SKU
	case line.GTIN != "":
		return line.GTIN
	default:
		return line.ProductName
	}
}

// settleExact handles an exact-key hit: one record resolves, several are
// ambiguous and go to the user.
func (r *Resolver) settleExact(found []contracts.CatalogItem, line *contracts.LineItem, res *ItemsResult, method, what string) *contracts.CatalogItem {
	if len(found) == 1 {
		ref := found[0].Ref()
		line.Resolution = contracts.ItemResolution{
			Status:   contracts.ResolutionResolved,
			Resolved: &ref,
			Method:   method,
		}
		return &found[0]
	}

	matches := make([]scored, 0, len(found))
	for _, it := range found {
		matches = append(matches, scored{ref: it.Ref(), score: 1})
	}
	rank(matches)
	line.Resolution = contracts.ItemResolution{
		Status:     contracts.ResolutionAmbiguous,
		Candidates: r.candidates(matches),
		Method:     method,
	}
	res.Issues = append(res.Issues, contracts.NewIssue(
		contracts.IssueAmbiguousItem, contracts.SeverityError,
		fmt.Sprintf("%d catalog items share %s", len(found), what),
	).WithRow(line.RowIndex))
	return nil
}

// settleByName scores the product name against every active item.
func (r *Resolver) settleByName(idx *itemIndex, line *contracts.LineItem, res *ItemsResult) *contracts.CatalogItem {
	norm := normalizeName(line.ProductName)
	matches := make([]scored, 0, len(idx.active))
	for _, it := range idx.active {
		matches = append(matches, scored{ref: it.Ref(), score: similarity(norm, normalizeName(it.Name))})
	}
	rank(matches)

	best, margin := 0.0, 1.0
	if len(matches) > 0 {
		best = matches[0].score
		if len(matches) > 1 {
			margin = best - matches[1].score
		}
	}

	switch {
	case best >= r.opts.FuzzyHigh && margin >= r.opts.Margin:
		winner := matches[0].ref
		line.Resolution = contracts.ItemResolution{
			Status:   contracts.ResolutionResolved,
			Resolved: &winner,
			Method:   "name_fuzzy",
		}
		for _, it := range idx.active {
			if it.ExternalID == winner.ExternalID {
				return &it
			}
		}
		return nil
	case best >= r.opts.FuzzyHigh:
		line.Resolution = contracts.ItemResolution{
			Status:     contracts.ResolutionAmbiguous,
			Candidates: r.candidates(matches),
			Method:     "name_fuzzy",
		}
		res.Issues = append(res.Issues, contracts.NewIssue(
			contracts.IssueAmbiguousItem, contracts.SeverityError,
			fmt.Sprintf("several catalog items match %q about equally", line.ProductName),
		).WithRow(line.RowIndex))
		return nil
	case best >= r.opts.FuzzyLow:
		line.Resolution = contracts.ItemResolution{
			Status:     contracts.ResolutionNeedsUserInput,
			Candidates: r.candidates(matches),
			Method:     "name_fuzzy",
		}
		res.Issues = append(res.Issues, contracts.NewIssue(
			contracts.IssueAmbiguousItem, contracts.SeverityError,
			fmt.Sprintf("no catalog item clearly matches %q; closest suggestions attached", line.ProductName),
		).WithRow(line.RowIndex))
		return nil
	}
	return nil
}
