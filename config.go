package opsignal

import (
	"log"
	"os"
	"time"

	"github.com/sosodev/duration"
	"gopkg.in/yaml.v3"
)

// Config holds credentials shared across commands. It is populated by the
// CLI entry point from environment variables.
var Config struct {
	OpenAIAPIKey   string
	EmbeddingModel string
}

// PipelineConfig holds all tunable parameters of the signal intelligence
// pipeline. Every field has a sensible default; a YAML file can override any
// of them.
type PipelineConfig struct {
	// Weights of the feature sub-vectors. DomainWeight + SemanticWeight +
	// ExecutiveWeight should sum to 1.0.
	DomainWeight    float64 `yaml:"domainWeight" json:"domain_weight"`
	SemanticWeight  float64 `yaml:"semanticWeight" json:"semantic_weight"`
	ExecutiveWeight float64 `yaml:"executiveWeight" json:"executive_weight"`

	// Target range for the number of final clusters.
	MinTargetClusters int `yaml:"minTargetClusters" json:"min_target_clusters"`
	MaxTargetClusters int `yaml:"maxTargetClusters" json:"max_target_clusters"`

	// Cluster sizing.
	MinClusterSize int `yaml:"minClusterSize" json:"min_cluster_size"`
	MaxSubClusters int `yaml:"maxSubClusters" json:"max_sub_clusters"`

	// Similarity threshold for agglomerative merging in the semantic
	// refinement stage.
	MergeThreshold float64 `yaml:"mergeThreshold" json:"merge_threshold"`

	// Classification tuning. DefaultRootCause and ExclusionPenalty are
	// heuristics that have not been calibrated against labeled data; they
	// are configurable for that reason.
	MinRuleScore           float64   `yaml:"minRuleScore" json:"min_rule_score"`
	DefaultRootCause       RootCause `yaml:"defaultRootCause" json:"default_root_cause"`
	DefaultConfidence      float64   `yaml:"defaultConfidence" json:"default_confidence"`
	ExclusionPenalty       float64   `yaml:"exclusionPenalty" json:"exclusion_penalty"`
	AIEnhancementThreshold float64   `yaml:"aiEnhancementThreshold" json:"ai_enhancement_threshold"`
	EnableAIEnhancement    bool      `yaml:"enableAIEnhancement" json:"enable_ai_enhancement"`

	// Caching of clustering results and feature records.
	CacheEnabled bool   `yaml:"cacheEnabled" json:"cache_enabled"`
	CachePath    string `yaml:"cachePath" json:"cache_path"`

	// MaxProcessingTime bounds a full batch run. Accepts Go duration syntax
	// ("30s") or ISO-8601 ("PT30S").
	MaxProcessingTime string `yaml:"maxProcessingTime" json:"max_processing_time"`
}

// DefaultPipelineConfig returns the defaults described in the design docs.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		DomainWeight:           0.6,
		SemanticWeight:         0.3,
		ExecutiveWeight:        0.1,
		MinTargetClusters:      4,
		MaxTargetClusters:      6,
		MinClusterSize:         2,
		MaxSubClusters:         3,
		MergeThreshold:         0.7,
		MinRuleScore:           0.4,
		DefaultRootCause:       RootCauseProcess,
		DefaultConfidence:      0.3,
		ExclusionPenalty:       0.5,
		AIEnhancementThreshold: 0.6,
		EnableAIEnhancement:    false,
		CacheEnabled:           true,
		CachePath:              "opsignal.db",
		MaxProcessingTime:      "PT30S",
	}
}

// LoadPipelineConfig reads YAML configuration from path (if non-empty) on
// top of the defaults and applies environment overrides.
func LoadPipelineConfig(path string) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("config: cannot read %s: %v (using defaults)", path, err)
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, &ConfigurationError{Field: "file", Reason: err.Error()}
		}
	}

	if v := os.Getenv("OPSIGNAL_CACHE_PATH"); v != "" {
		cfg.CachePath = v
	}

	return cfg, cfg.Validate()
}

// Validate fails fast on inconsistent configuration, before any processing.
func (c PipelineConfig) Validate() error {
	if c.MinTargetClusters < 1 {
		return &ConfigurationError{Field: "minTargetClusters", Reason: "must be at least 1"}
	}
	if c.MaxTargetClusters < c.MinTargetClusters {
		return &ConfigurationError{Field: "maxTargetClusters", Reason: "must be >= minTargetClusters"}
	}
	if c.MinClusterSize < 1 {
		return &ConfigurationError{Field: "minClusterSize", Reason: "must be at least 1"}
	}
	if c.MaxSubClusters < 1 {
		return &ConfigurationError{Field: "maxSubClusters", Reason: "must be at least 1"}
	}
	if c.DomainWeight < 0 || c.SemanticWeight < 0 || c.ExecutiveWeight < 0 {
		return &ConfigurationError{Field: "weights", Reason: "must be non-negative"}
	}
	if c.DomainWeight+c.SemanticWeight == 0 {
		return &ConfigurationError{Field: "weights", Reason: "domainWeight + semanticWeight must be positive"}
	}
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return &ConfigurationError{Field: "mergeThreshold", Reason: "must be within [0,1]"}
	}
	if c.MinRuleScore < 0 || c.MinRuleScore > 1 {
		return &ConfigurationError{Field: "minRuleScore", Reason: "must be within [0,1]"}
	}
	if c.ExclusionPenalty <= 0 || c.ExclusionPenalty > 1 {
		return &ConfigurationError{Field: "exclusionPenalty", Reason: "must be within (0,1]"}
	}
	if !c.DefaultRootCause.Valid() {
		return &ConfigurationError{Field: "defaultRootCause", Reason: "unknown root cause"}
	}
	if _, err := c.ProcessingTimeout(); err != nil {
		return &ConfigurationError{Field: "maxProcessingTime", Reason: err.Error()}
	}
	return nil
}

// ProcessingTimeout parses MaxProcessingTime. ISO-8601 values ("PT30S") are
// tried first, then Go duration syntax ("30s").
func (c PipelineConfig) ProcessingTimeout() (time.Duration, error) {
	if c.MaxProcessingTime == "" {
		return 30 * time.Second, nil
	}
	if iso, err := duration.Parse(c.MaxProcessingTime); err == nil {
		return iso.ToTimeDuration(), nil
	}
	return time.ParseDuration(c.MaxProcessingTime)
}
