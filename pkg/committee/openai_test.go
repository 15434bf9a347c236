package committee

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProviderInvoke(t *testing.T) {
	reply := packReply(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Zero(t, req.Temperature)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "selected_column_id")

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": reply}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("gpt-4o", "test-key", srv.URL)
	assert.Equal(t, "openai:gpt-4o", p.Name())
	assert.Equal(t, "openai", p.Family())

	prompt, err := p.PreparePrompt(testPack("case-1"))
	require.NoError(t, err)
	raw, err := p.Invoke(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, reply, raw)

	vote, err := p.ParseOutput(raw)
	require.NoError(t, err)
	assert.Len(t, vote.Mappings, 3)
}

func TestOpenAIProviderErrorCarriesStatusOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error": {"message": "model overloaded, row text leaked here"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("gpt-4o", "test-key", srv.URL)
	_, err := p.Invoke(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.NotContains(t, err.Error(), "overloaded")
}

func TestOpenAIProviderEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("gpt-4o", "test-key", srv.URL)
	_, err := p.Invoke(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty choices")
}
