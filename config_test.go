package opsignal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultPipelineConfig().Validate())
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PipelineConfig)
		field  string
	}{
		{"target range inverted", func(c *PipelineConfig) { c.MaxTargetClusters = c.MinTargetClusters - 1 }, "maxTargetClusters"},
		{"zero min target", func(c *PipelineConfig) { c.MinTargetClusters = 0 }, "minTargetClusters"},
		{"merge threshold above one", func(c *PipelineConfig) { c.MergeThreshold = 1.5 }, "mergeThreshold"},
		{"negative weight", func(c *PipelineConfig) { c.DomainWeight = -0.1 }, "weights"},
		{"all zero similarity weights", func(c *PipelineConfig) { c.DomainWeight = 0; c.SemanticWeight = 0 }, "weights"},
		{"zero exclusion penalty", func(c *PipelineConfig) { c.ExclusionPenalty = 0 }, "exclusionPenalty"},
		{"unknown default root cause", func(c *PipelineConfig) { c.DefaultRootCause = "NONSENSE" }, "defaultRootCause"},
		{"bad processing time", func(c *PipelineConfig) { c.MaxProcessingTime = "soon" }, "maxProcessingTime"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultPipelineConfig()
			tc.mutate(&cfg)

			var configErr *ConfigurationError
			err := cfg.Validate()
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tc.field, configErr.Field)
		})
	}
}

func TestProcessingTimeoutFormats(t *testing.T) {
	cfg := DefaultPipelineConfig()

	cfg.MaxProcessingTime = "PT30S"
	d, err := cfg.ProcessingTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	cfg.MaxProcessingTime = "PT2M"
	d, err = cfg.ProcessingTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	cfg.MaxProcessingTime = "45s"
	d, err = cfg.ProcessingTimeout()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	cfg.MaxProcessingTime = ""
	d, err = cfg.ProcessingTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestLoadPipelineConfigYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsignal.yaml")
	yaml := `
mergeThreshold: 0.8
minTargetClusters: 3
maxTargetClusters: 5
defaultRootCause: COMMUNICATION
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.MergeThreshold)
	assert.Equal(t, 3, cfg.MinTargetClusters)
	assert.Equal(t, 5, cfg.MaxTargetClusters)
	assert.Equal(t, RootCauseCommunication, cfg.DefaultRootCause)

	// Untouched fields keep their defaults.
	assert.Equal(t, 0.6, cfg.DomainWeight)
}

func TestLoadPipelineConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadPipelineConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPipelineConfig(), cfg)
}

func TestLoadPipelineConfigEnvOverride(t *testing.T) {
	t.Setenv("OPSIGNAL_CACHE_PATH", "/tmp/custom.db")
	cfg, err := LoadPipelineConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.CachePath)
}
