package opsignal

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ResultStore caches feature records and clustering results. It is injected
// into the pipeline rather than being a process-global: the in-memory
// implementation serves tests, the SQLite implementation serves production.
type ResultStore interface {
	GetFeatures(signalID, version string) (*ClusteringFeatures, error)
	PutFeatures(features *ClusteringFeatures) error
	GetResult(key string) (*HybridClusteringResult, error)
	PutResult(key string, result *HybridClusteringResult) error
	Close() error
}

// CacheKey derives the cache key for a batch: a hash over the sorted signal
// ids plus the full configuration, so any config change invalidates the
// cached result.
func CacheKey(signals []Signal, cfg PipelineConfig) string {
	ids := make([]string, 0, len(signals))
	for _, signal := range signals {
		ids = append(ids, signal.ID)
	}
	sort.Strings(ids)

	cfgJSON, _ := json.Marshal(cfg)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",") + "|" + string(cfgJSON)))
	return hex.EncodeToString(sum[:])
}

// MemoryStore is a map-backed ResultStore for tests and offline runs.
type MemoryStore struct {
	mu       sync.RWMutex
	features map[string]*ClusteringFeatures
	results  map[string]*HybridClusteringResult
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		features: make(map[string]*ClusteringFeatures),
		results:  make(map[string]*HybridClusteringResult),
	}
}

func (s *MemoryStore) GetFeatures(signalID, version string) (*ClusteringFeatures, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	features, ok := s.features[signalID]
	if !ok || features.FeatureVersion != version {
		return nil, nil
	}
	return features, nil
}

func (s *MemoryStore) PutFeatures(features *ClusteringFeatures) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[features.SignalID] = features
	return nil
}

func (s *MemoryStore) GetResult(key string) (*HybridClusteringResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[key], nil
}

func (s *MemoryStore) PutResult(key string, result *HybridClusteringResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = result
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// SQLiteStore persists feature records and clustering results in SQLite,
// with vectors and results JSON-encoded in TEXT columns.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and if needed creates) the store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	createTableSQL := `
	CREATE TABLE IF NOT EXISTS features (
		signal_id TEXT NOT NULL,
		feature_version TEXT NOT NULL,
		features_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (signal_id, feature_version)
	);
	CREATE TABLE IF NOT EXISTS cluster_results (
		cache_key TEXT PRIMARY KEY,
		result_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetFeatures(signalID, version string) (*ClusteringFeatures, error) {
	var featuresJSON string
	err := s.db.QueryRow(
		"SELECT features_json FROM features WHERE signal_id = ? AND feature_version = ?",
		signalID, version,
	).Scan(&featuresJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var features ClusteringFeatures
	if err := json.Unmarshal([]byte(featuresJSON), &features); err != nil {
		return nil, fmt.Errorf("failed to parse features for %s: %w", signalID, err)
	}
	return &features, nil
}

func (s *SQLiteStore) PutFeatures(features *ClusteringFeatures) error {
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO features (signal_id, feature_version, features_json) VALUES (?, ?, ?)",
		features.SignalID, features.FeatureVersion, string(featuresJSON),
	)
	return err
}

func (s *SQLiteStore) GetResult(key string) (*HybridClusteringResult, error) {
	var resultJSON string
	err := s.db.QueryRow("SELECT result_json FROM cluster_results WHERE cache_key = ?", key).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result HybridClusteringResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to parse cached result: %w", err)
	}
	return &result, nil
}

func (s *SQLiteStore) PutResult(key string, result *HybridClusteringResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO cluster_results (cache_key, result_json) VALUES (?, ?)",
		key, string(resultJSON),
	)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
