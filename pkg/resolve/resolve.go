// Package resolve matches extracted customer and item text against the
// accounting catalog. Matching is deterministic: exact lookups first, then
// bounded edit-distance scoring with fixed thresholds. Anything the catalog
// cannot settle becomes candidates for a human, never a guess.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"

	"github.com/Quillon-Labs/orderdesk/pkg/catalog"
	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
	"github.com/Quillon-Labs/orderdesk/pkg/extract"
	"github.com/Quillon-Labs/orderdesk/pkg/observability"
)

// ErrNotInCatalog: a lookup by external id found no catalog record.
var ErrNotInCatalog = errors.New("resolve: not in catalog")

// Options tunes the matching thresholds. Zero values take the defaults.
type Options struct {
	// FuzzyHigh is the score at or above which a clear winner resolves.
	FuzzyHigh float64
	// FuzzyLow is the score at or above which candidates are worth showing.
	FuzzyLow float64
	// Margin is the winner-vs-runner-up gap under which a match is ambiguous.
	Margin float64
	// TopK caps the candidate list offered for human selection.
	TopK int
	// NameFuzzy enables fuzzy item-name matching. Off by default: item names
	// repeat across variants far more than customer names do.
	NameFuzzy bool
}

// Resolver matches orders against catalog snapshots.
type Resolver struct {
	catalog *catalog.Cache
	opts    Options
	log     *slog.Logger
}

// New builds a resolver over the catalog cache.
func New(cat *catalog.Cache, opts Options) *Resolver {
	if opts.FuzzyHigh <= 0 {
		opts.FuzzyHigh = 0.75
	}
	if opts.FuzzyLow <= 0 {
		opts.FuzzyLow = 0.60
	}
	if opts.Margin <= 0 {
		opts.Margin = 0.1
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Resolver{
		catalog: cat,
		opts:    opts,
		log:     observability.Component("resolve"),
	}
}

// LookupCustomer fetches one customer by external id, for applying a human
// selection. Unknown ids are an error, not a fallback.
func (r *Resolver) LookupCustomer(ctx context.Context, externalID string) (*contracts.CatalogRef, error) {
	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range snap.Customers {
		if c.ExternalID == externalID {
			ref := c.Ref()
			return &ref, nil
		}
	}
	return nil, fmt.Errorf("resolve: customer %q: %w", externalID, ErrNotInCatalog)
}

// LookupItem fetches one item by external id, for applying a human selection.
func (r *Resolver) LookupItem(ctx context.Context, externalID string) (*contracts.CatalogItem, error) {
	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, it := range snap.Items {
		if it.ExternalID == externalID {
			item := it
			return &item, nil
		}
	}
	return nil, fmt.Errorf("resolve: item %q: %w", externalID, ErrNotInCatalog)
}

// normalizeName folds eastern digits to ASCII, lowercases, and collapses
// punctuation and whitespace runs to single spaces. NFKC runs first so a
// catalog name and a sheet cell typed in full-width or presentation forms
// still meet on the exact path.
func normalizeName(s string) string {
	s = extract.NormalizeDigits(norm.NFKC.String(s))
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// similarity scores two already-normalized strings in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longer := la
	if lb > longer {
		longer = lb
	}
	dist := levenshtein.ComputeDistance(a, b)
	if dist >= longer {
		return 0
	}
	return 1 - float64(dist)/float64(longer)
}

// scored pairs a catalog ref with its match score.
type scored struct {
	ref   contracts.CatalogRef
	score float64
}

// rank sorts matches by score, breaking ties by external id so candidate
// lists are stable across runs.
func rank(matches []scored) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].ref.ExternalID < matches[j].ref.ExternalID
	})
}

func (r *Resolver) candidates(matches []scored) []contracts.MatchCandidate {
	n := r.opts.TopK
	if n > len(matches) {
		n = len(matches)
	}
	out := make([]contracts.MatchCandidate, 0, n)
	for _, m := range matches[:n] {
		if m.score < r.opts.FuzzyLow {
			break
		}
		out = append(out, contracts.MatchCandidate{Ref: m.ref, Score: m.score})
	}
	return out
}
