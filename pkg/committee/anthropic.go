package committee

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Quillon-Labs/orderdesk/pkg/contracts"
)

// maxVoteTokens caps the response budget for every family. Votes are small;
// a response that needs more than this is not a vote.
const maxVoteTokens = 2048

// baseProvider carries the shared identity and the pure prompt/parse halves.
type baseProvider struct {
	name   string
	family string
}

func (b baseProvider) Name() string   { return b.name }
func (b baseProvider) Family() string { return b.family }

func (baseProvider) PreparePrompt(pack *contracts.EvidencePack) (string, error) {
	return buildPrompt(pack)
}

func (baseProvider) ParseOutput(raw string) (*contracts.ProviderVote, error) {
	return parseVote(raw)
}

// AnthropicProvider votes through the Anthropic Messages API.
type AnthropicProvider struct {
	baseProvider
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider builds a committee member for the given model. Extra
// request options (base URL overrides in tests) are passed through.
func NewAnthropicProvider(model, apiKey string, opts ...option.RequestOption) *AnthropicProvider {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProvider{
		baseProvider: baseProvider{name: "anthropic:" + model, family: "anthropic"},
		client:       anthropic.NewClient(all...),
		model:        anthropic.Model(model),
	}
}

func (p *AnthropicProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxVoteTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("anthropic: no content blocks in response")
	}
	block := msg.Content[0]
	if block.Type != "text" {
		return "", fmt.Errorf("anthropic: unexpected block type %q", block.Type)
	}
	return block.Text, nil
}
