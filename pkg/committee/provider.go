package committee

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// Provider is one committee member. PreparePrompt and ParseOutput are pure;
// Invoke is the only call that leaves the process. Raw model output never
// travels in errors, only through ParseOutput into a structured vote.
type Provider interface {
	// Name uniquely identifies the member, e.g. "anthropic:claude-sonnet-4-5".
	Name() string
	// Family is the vendor family; a panel never seats two of the same.
	Family() string
	PreparePrompt(pack *contracts.EvidencePack) (string, error)
	Invoke(ctx context.Context, prompt string) (string, error)
	ParseOutput(raw string) (*contracts.ProviderVote, error)
}

const promptInstructions = `You review spreadsheet column summaries and decide which column holds each order field.

Rules:
- Use only the column summaries below. There is no other data.
- selected_column_id must be one of the candidate ids, or null when no column fits.
- Provide exactly one mapping entry per requested field.
- confidence is your own calibrated probability in [0,1].
- Respond with a single JSON object matching the response schema. No prose.`

// buildPrompt renders the shared review prompt: instructions, the bounded
// evidence pack, and the response schema. Every family sees the same text.
func buildPrompt(pack *contracts.EvidencePack) (string, error) {
	packJSON, err := json.MarshalIndent(struct {
		Fields      []contracts.FieldKey     `json:"fields"`
		Columns     []contracts.ColumnSummary `json:"columns"`
		Language    string                   `json:"language"`
		Constraints []string                 `json:"constraints,omitempty"`
	}{pack.Fields, pack.Columns, pack.Language, pack.Constraints}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("committee: marshal pack: %w", err)
	}
	var b strings.Builder
	b.WriteString(promptInstructions)
	b.WriteString("\n\nEvidence pack:\n")
	b.Write(packJSON)
	b.WriteString("\n\nResponse schema:\n")
	b.WriteString(voteSchemaJSON)
	return b.String(), nil
}

// extractJSON cuts the first top-level JSON object out of model text,
// tolerating markdown fences and prose around it.
func extractJSON(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("committee: no JSON object in response")
	}
	return raw[start : end+1], nil
}

// voteWire is the provider response contract on the wire.
type voteWire struct {
	Mappings []struct {
		Field            string  `json:"field"`
		SelectedColumnID *string `json:"selected_column_id"`
		Confidence       float64 `json:"confidence"`
		Reasoning        string  `json:"reasoning"`
	} `json:"mappings"`
	Issues []struct {
		Code     string `json:"code"`
		Severity string `json:"severity"`
		Evidence string `json:"evidence"`
	} `json:"issues"`
	OverallConfidence float64 `json:"overall_confidence"`
	ProcessingTimeMs  int64   `json:"processing_time_ms"`
}

// parseVote validates raw output against the vote schema and converts it to
// a ProviderVote. The vote is structurally sound after this; semantic checks
// against the pack happen in checkVote.
func parseVote(raw string) (*contracts.ProviderVote, error) {
	body, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, fmt.Errorf("committee: response is not valid JSON: %w", err)
	}
	if err := voteSchema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("committee: response violates vote schema: %s", compactSchemaError(err))
	}
	var wire voteWire
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return nil, fmt.Errorf("committee: decode vote: %w", err)
	}

	vote := &contracts.ProviderVote{
		OverallConfidence: wire.OverallConfidence,
		ProcessingTimeMs:  wire.ProcessingTimeMs,
	}
	for _, m := range wire.Mappings {
		vote.Mappings = append(vote.Mappings, contracts.MappingVote{
			Field:            contracts.FieldKey(m.Field),
			SelectedColumnID: m.SelectedColumnID,
			Confidence:       m.Confidence,
			Reasoning:        m.Reasoning,
		})
	}
	for _, is := range wire.Issues {
		vote.Issues = append(vote.Issues, contracts.VoteIssue{
			Code:     is.Code,
			Severity: contracts.VoteSeverity(is.Severity),
			Evidence: is.Evidence,
		})
	}
	return vote, nil
}

// checkVote enforces the pack-level contract: exactly one mapping per
// requested field, and selections drawn from the candidate column set.
func checkVote(vote *contracts.ProviderVote, pack *contracts.EvidencePack) error {
	seen := map[contracts.FieldKey]bool{}
	for _, m := range vote.Mappings {
		if seen[m.Field] {
			return fmt.Errorf("committee: duplicate mapping for field %q", m.Field)
		}
		seen[m.Field] = true
		known := false
		for _, f := range pack.Fields {
			if f == m.Field {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("committee: mapping for unrequested field %q", m.Field)
		}
		if m.SelectedColumnID != nil && !pack.HasColumn(*m.SelectedColumnID) {
			return fmt.Errorf("committee: field %q selects unknown column %q", m.Field, *m.SelectedColumnID)
		}
	}
	for _, f := range pack.Fields {
		if !seen[f] {
			return fmt.Errorf("committee: no mapping for field %q", f)
		}
	}
	return nil
}
