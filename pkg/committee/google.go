package committee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com"

// GoogleProvider votes through the Gemini generateContent API.
type GoogleProvider struct {
	baseProvider
	apiKey  string
	model   string
	baseURL string
	httpc   *http.Client
}

// NewGoogleProvider builds a committee member. An empty baseURL means the
// public endpoint; tests point it at a local server.
func NewGoogleProvider(model, apiKey, baseURL string) *GoogleProvider {
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	return &GoogleProvider{
		baseProvider: baseProvider{name: "google:" + model, family: "google"},
		apiKey:       apiKey,
		model:        model,
		baseURL:      baseURL,
		httpc:        &http.Client{Timeout: 30 * time.Second},
	}
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	ResponseMimeType string  `json:"responseMimeType"`
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
}

type googleRequest struct {
	Contents         []googleContent        `json:"contents"`
	GenerationConfig googleGenerationConfig `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *GoogleProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	reqBody := googleRequest{
		Contents: []googleContent{{Parts: []googlePart{{Text: prompt}}}},
		GenerationConfig: googleGenerationConfig{
			ResponseMimeType: "application/json",
			Temperature:      0,
			MaxOutputTokens:  maxVoteTokens,
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("google: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("google: create request: %w", err)
	}
	// The key travels in a header, never in the URL.
	req.Header.Set("x-goog-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("google: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google: status %d", resp.StatusCode)
	}

	var decoded googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("google: decode response: %w", err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("google: empty candidates in response")
	}
	return decoded.Candidates[0].Content.Parts[0].Text, nil
}
