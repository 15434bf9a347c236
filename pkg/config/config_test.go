package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.StrictFormulas)
	assert.False(t, cfg.FuzzyEnabled)
	assert.False(t, cfg.RetryJitter)
	assert.Equal(t, 0.75, cfg.CustomerFuzzyHigh)
	assert.Equal(t, time.Second, cfg.RetryBase)
	assert.Equal(t, 16*time.Second, cfg.RetryCap)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 168*time.Hour, cfg.CaseWaitTimeout)
	assert.Equal(t, int64(25*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"claude-sonnet", "gpt-4o", "gemini-pro"}, cfg.ProviderPool)
	assert.Equal(t, "orders-incoming", cfg.BlobIncomingBucket)
	assert.Equal(t, "orders-audit", cfg.BlobAuditBucket)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("EXTRACTOR_STRICT_FORMULAS", "false")
	t.Setenv("RETRY_BASE_MS", "250")
	t.Setenv("CASE_WAIT_TIMEOUT", "48h")
	t.Setenv("COMMITTEE_PROVIDER_POOL", "claude-sonnet, gpt-4o ,gemini-pro,claude-haiku")
	t.Setenv("WORKER_COUNT", "8")

	cfg := Load()
	assert.False(t, cfg.StrictFormulas)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 48*time.Hour, cfg.CaseWaitTimeout)
	assert.Equal(t, []string{"claude-sonnet", "gpt-4o", "gemini-pro", "claude-haiku"}, cfg.ProviderPool)
	assert.Equal(t, 8, cfg.WorkerCount)
}

func TestLoad_DatabaseURLAlias(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://alias@localhost:5432/orderdesk")

	cfg := Load()
	assert.Equal(t, "postgres://alias@localhost:5432/orderdesk", cfg.StateStoreEndpoint)

	t.Setenv("STATE_STORE_ENDPOINT", "postgres://explicit@localhost:5432/orderdesk")
	cfg = Load()
	assert.Equal(t, "postgres://explicit@localhost:5432/orderdesk", cfg.StateStoreEndpoint)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "many")
	t.Setenv("CASE_WAIT_TIMEOUT", "a week")

	cfg := Load()
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 168*time.Hour, cfg.CaseWaitTimeout)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		t.Setenv("STATE_STORE_ENDPOINT", "postgres://orderdesk@localhost:5432/orderdesk?sslmode=disable")
		t.Setenv("JWT_SECRET", "test-secret")
		t.Setenv("TOOLS_SUBSCRIPTION_KEY", "test-key")
		return Load()
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.StateStoreEndpoint = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STATE_STORE_ENDPOINT")

	cfg = base()
	cfg.StateStoreDriver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ProviderPool = []string{"claude-sonnet", "gpt-4o"}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.CustomerFuzzyHigh = 1.5
	assert.Error(t, cfg.Validate())
}
