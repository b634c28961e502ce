package opsignal

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// poisonProvider returns non-finite embeddings for any text containing the
// marker, exercising the feature-validation drop path.
type poisonProvider struct {
	inner  EmbeddingProvider
	marker string
}

func (p *poisonProvider) Name() string    { return p.inner.Name() }
func (p *poisonProvider) Dimensions() int { return p.inner.Dimensions() }
func (p *poisonProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := p.inner.Embed(ctx, text)
	if err == nil && strings.Contains(text, p.marker) {
		vec[0] = math.NaN()
	}
	return vec, err
}

func TestRunServesCachedResult(t *testing.T) {
	cfg := DefaultPipelineConfig()
	store := NewMemoryStore()
	engine := testClusterEngine(cfg, store)
	signals := scenarioSignals()

	first, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)
	require.True(t, first.Success)

	// Same signals and config: the cached result comes back unchanged.
	second, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.GeneratedAt, second.GeneratedAt)

	// Force bypasses the cache and produces a fresh run.
	third, err := engine.Run(context.Background(), signals, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, third.RunID)
	assert.False(t, third.GeneratedAt.Before(first.GeneratedAt))
}

func TestRunInvalidConfigFailsFast(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MaxTargetClusters = 1 // below MinTargetClusters
	engine := testClusterEngine(cfg, nil)

	var configErr *ConfigurationError
	_, err := engine.Run(context.Background(), scenarioSignals(), false)
	require.ErrorAs(t, err, &configErr)
}

func TestRunDropsMalformedFeatureVectors(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.CacheEnabled = false
	provider := &poisonProvider{inner: NewLocalEmbeddingProvider(64), marker: "poison"}
	engine := NewClusterEngine(cfg, provider, nil)

	signals := scenarioSignals()
	signals = append(signals, testSignal("bad", "poison signal",
		"poison description that produces a non-finite vector", "IT", "HIGH"))

	result, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	// The malformed signal is excluded with a warning; everyone else
	// clusters normally.
	for _, fc := range result.FinalClusters {
		assert.NotContains(t, fc.SignalIDs, "bad")
	}
	found := false
	for _, warning := range result.Warnings {
		if strings.Contains(warning, "bad") {
			found = true
		}
	}
	assert.True(t, found, "expected a warning naming the excluded signal")
}

func TestJobManagerLifecycle(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.CacheEnabled = false
	manager := NewJobManager(testClusterEngine(cfg, nil))

	id, err := manager.Submit(context.Background(), scenarioSignals(), false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	deadline := time.Now().Add(10 * time.Second)
	var status *JobStatus
	for time.Now().Before(deadline) {
		status = manager.Status(id)
		require.NotNil(t, status)
		if status.State == JobCompleted || status.State == JobFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.NotNil(t, status)
	require.Equal(t, JobCompleted, status.State)
	assert.Equal(t, 1.0, status.Progress)
	require.NotNil(t, status.Result)
	assert.True(t, status.Result.Success)
	assert.NotNil(t, status.FinishedAt)

	assert.Nil(t, manager.Status("no-such-job"))
	assert.NotEmpty(t, manager.Jobs())
}

func TestJobManagerRejectsTinyBatch(t *testing.T) {
	manager := NewJobManager(testClusterEngine(DefaultPipelineConfig(), nil))

	var validationErr *ValidationError
	_, err := manager.Submit(context.Background(), []Signal{testSignal("one", "Only one", "Just one", "IT", "")}, false)
	require.ErrorAs(t, err, &validationErr)
}

func TestJobManagerReportsFailure(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MergeThreshold = 2.0 // invalid, run fails during config validation
	manager := NewJobManager(testClusterEngine(cfg, nil))

	id, err := manager.Submit(context.Background(), scenarioSignals(), false)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	var status *JobStatus
	for time.Now().Before(deadline) {
		status = manager.Status(id)
		require.NotNil(t, status)
		if status.State == JobCompleted || status.State == JobFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.NotNil(t, status)
	require.Equal(t, JobFailed, status.State)
	assert.Contains(t, status.Error, "mergeThreshold")
}
