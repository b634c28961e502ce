package opsignal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyStableUnderSignalOrder(t *testing.T) {
	cfg := DefaultPipelineConfig()
	a := testSignal("a", "First", "First signal", "IT", "")
	b := testSignal("b", "Second", "Second signal", "Civil", "")

	assert.Equal(t, CacheKey([]Signal{a, b}, cfg), CacheKey([]Signal{b, a}, cfg))
}

func TestCacheKeySensitivity(t *testing.T) {
	cfg := DefaultPipelineConfig()
	a := testSignal("a", "First", "First signal", "IT", "")
	b := testSignal("b", "Second", "Second signal", "Civil", "")

	base := CacheKey([]Signal{a, b}, cfg)

	// A different signal set changes the key.
	assert.NotEqual(t, base, CacheKey([]Signal{a}, cfg))

	// Any config change invalidates the key too.
	tuned := cfg
	tuned.MergeThreshold = 0.8
	assert.NotEqual(t, base, CacheKey([]Signal{a, b}, tuned))
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	store := NewMemoryStore()

	features := &ClusteringFeatures{
		SignalID:       "s1",
		CombinedVector: []float64{1, 2, 3},
		FeatureVersion: "fv1:local-hash",
		GeneratedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.PutFeatures(features))

	got, err := store.GetFeatures("s1", "fv1:local-hash")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, features.CombinedVector, got.CombinedVector)

	// A version mismatch reads as a miss, not an error.
	stale, err := store.GetFeatures("s1", "fv2:local-hash")
	require.NoError(t, err)
	assert.Nil(t, stale)

	missing, err := store.GetResult("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsignal.db")
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	features := &ClusteringFeatures{
		SignalID:       "s1",
		CombinedVector: []float64{0.1, 0.2},
		FeatureVersion: "fv1:local-hash",
		GeneratedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.PutFeatures(features))

	got, err := store.GetFeatures("s1", "fv1:local-hash")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, features.CombinedVector, got.CombinedVector)

	stale, err := store.GetFeatures("s1", "other-version")
	require.NoError(t, err)
	assert.Nil(t, stale)

	result := &HybridClusteringResult{
		RunID:              "run-1",
		Success:            true,
		GeneratedAt:        time.Now().UTC(),
		InputSignalCount:   2,
		OutputClusterCount: 1,
	}
	require.NoError(t, store.PutResult("key-1", result))

	cached, err := store.GetResult("key-1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "run-1", cached.RunID)
	assert.True(t, cached.Success)

	miss, err := store.GetResult("key-2")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestSQLiteStoreServesEngineCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsignal.db")
	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	cfg := DefaultPipelineConfig()
	engine := testClusterEngine(cfg, store)
	signals := scenarioSignals()

	first, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)

	second, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
}
