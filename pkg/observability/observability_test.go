package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "orderdesk", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.False(t, cfg.Insecure)
}

func TestTrackOperation_DisabledProviderIsSafe(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "extract.parse",
		attribute.String("case_id", "case_1"))
	require.NotNil(t, ctx)
	require.NotNil(t, done)

	done(nil)
	_, done = p.TrackOperation(context.Background(), "submit.create_draft")
	done(errors.New("upstream 503"))
}

func TestDomainCounters_DisabledProviderIsSafe(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.CaseOpened(ctx)
	p.CaseClosed(ctx)
	p.RecordVote(ctx, "claude-sonnet", true)
	p.RecordVote(ctx, "gpt-4o", false)
	p.RecordSubmission(ctx, "created")
}

func TestSetupLogging_Levels(t *testing.T) {
	logger := SetupLogging("DEBUG")
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), -4))

	logger = SetupLogging("nonsense")
	assert.False(t, logger.Enabled(context.Background(), -4))
	assert.True(t, logger.Enabled(context.Background(), 0))

	comp := Component("extractor")
	require.NotNil(t, comp)
}
