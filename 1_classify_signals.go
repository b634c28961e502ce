package opsignal

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Signal is a single reported operational issue. Signals are immutable;
// classification and features are produced as separate records.
type Signal struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Department  string    `json:"department"`
	Severity    string    `json:"severity"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SignalBatch is the on-disk format for a batch of signals.
type SignalBatch struct {
	Signals []Signal `json:"signals"`
}

// BusinessContext is the per-attribute business framing of a signal,
// derived from keyword lookups unless explicit metadata overrides it.
type BusinessContext struct {
	ProjectPhase       string `json:"project_phase"`
	DepartmentPriority string `json:"department_priority"`
	UrgencyLevel       string `json:"urgency_level"`
	ClientTier         string `json:"client_tier"`
}

// RuleMatch records how a single domain rule scored against a signal.
type RuleMatch struct {
	RootCause       RootCause `json:"root_cause"`
	Score           float64   `json:"score"`
	MatchedKeywords []string  `json:"matched_keywords,omitempty"`
	StrongMatches   []string  `json:"strong_matches,omitempty"`
}

// DomainClassificationResult is the classifier output for one signal.
type DomainClassificationResult struct {
	SignalID            string          `json:"signal_id"`
	RootCause           RootCause       `json:"root_cause"`
	Confidence          float64         `json:"confidence"`
	BusinessContext     BusinessContext `json:"business_context"`
	RuleMatches         []RuleMatch     `json:"rule_matches,omitempty"`
	AIEnhancementNeeded bool            `json:"ai_enhancement_needed"`
}

var ClassifySignalsCmd = &cobra.Command{
	Use:   "classify-signals",
	Short: "Classify signals by business root cause",
	Run: func(cmd *cobra.Command, args []string) {
		if err := classifyAllSignals(); err != nil {
			log.Printf("Failed to classify signals: %v", err)
			return
		}
		log.Println("Signal classification complete.")
	},
}

// classifyAllSignals reads signals/ and writes classifications/.
func classifyAllSignals() error {
	signals, err := LoadSignals("signals")
	if err != nil {
		return fmt.Errorf("failed to load signals: %w", err)
	}

	if err := os.MkdirAll("classifications", 0755); err != nil {
		return fmt.Errorf("failed to create classifications directory: %w", err)
	}

	classifier := NewClassifier(DefaultPipelineConfig())
	for _, signal := range signals {
		result := classifier.Classify(signal)
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal classification for %s: %w", signal.ID, err)
		}
		outPath := filepath.Join("classifications", signal.ID+".json")
		if err := os.WriteFile(outPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write classification file: %w", err)
		}
		log.Printf("Classified signal %s: %s (confidence %.2f)", signal.ID, result.RootCause, result.Confidence)
	}

	return nil
}

// LoadSignals reads every *.json file under dir. A file may contain either a
// single signal object or a batch {"signals": [...]}.
func LoadSignals(dir string) ([]Signal, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read signals directory: %w", err)
	}

	var signals []Signal
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Name(), err)
		}

		var batch SignalBatch
		if err := json.Unmarshal(data, &batch); err == nil && len(batch.Signals) > 0 {
			signals = append(signals, batch.Signals...)
			continue
		}

		var signal Signal
		if err := json.Unmarshal(data, &signal); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file.Name(), err)
		}
		if signal.ID != "" {
			signals = append(signals, signal)
		}
	}

	return signals, nil
}

// Classifier assigns a root cause and business context from text alone.
// Classification is a pure function of its input: no I/O, no errors. Empty
// or garbage text yields a low-confidence default classification.
type Classifier struct {
	cfg PipelineConfig
}

// NewClassifier returns a Classifier using cfg's thresholds.
func NewClassifier(cfg PipelineConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify scores every domain rule against the signal's normalized text and
// picks the best-scoring category, falling back to the configured default
// when nothing scores above MinRuleScore.
func (c *Classifier) Classify(signal Signal) DomainClassificationResult {
	text := normalizeSignalText(signal)

	matches := make([]RuleMatch, 0, len(DomainRules))
	for _, rule := range DomainRules {
		match := c.scoreRule(rule, text)
		if match.Score > 0 {
			matches = append(matches, match)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	result := DomainClassificationResult{
		SignalID:        signal.ID,
		BusinessContext: c.deriveBusinessContext(text, signal),
	}

	if len(matches) == 0 || matches[0].Score < c.cfg.MinRuleScore {
		// Heuristic default: ambiguous signals land in the configured
		// default category at low confidence. Not validated against
		// labeled data; tune via PipelineConfig.
		result.RootCause = c.cfg.DefaultRootCause
		result.Confidence = c.cfg.DefaultConfidence
	} else {
		result.RootCause = matches[0].RootCause
		result.Confidence = min(0.95, matches[0].Score)

		// Record the primary match plus up to two alternatives above the
		// score threshold.
		for _, match := range matches {
			if match.Score < c.cfg.MinRuleScore {
				break
			}
			result.RuleMatches = append(result.RuleMatches, match)
			if len(result.RuleMatches) == 3 {
				break
			}
		}
	}

	result.AIEnhancementNeeded = result.Confidence < c.cfg.AIEnhancementThreshold
	return result
}

// scoreRule computes the normalized [0,1] score of one rule against text.
func (c *Classifier) scoreRule(rule DomainRule, text string) RuleMatch {
	match := RuleMatch{RootCause: rule.RootCause}
	if text == "" {
		return match
	}

	// The strongest contextual boost present amplifies every keyword match.
	boost := 1.0
	for term, multiplier := range rule.ContextBoosts {
		if strings.Contains(text, term) && multiplier > boost {
			boost = multiplier
		}
	}

	raw := 0.0
	for _, phrase := range rule.StrongIndicators {
		if strings.Contains(text, phrase) {
			raw += 3.0
			match.StrongMatches = append(match.StrongMatches, phrase)
		}
	}
	for _, keyword := range rule.Keywords {
		if strings.Contains(text, keyword) {
			raw += 1.0 * boost
			match.MatchedKeywords = append(match.MatchedKeywords, keyword)
		}
	}

	// Exclusion terms stack multiplicatively.
	for _, exclusion := range rule.Exclusions {
		if strings.Contains(text, exclusion) {
			raw *= c.cfg.ExclusionPenalty
		}
	}
	raw *= rule.BaseWeight

	score := raw / (1.0 + 0.1*raw)
	score += 0.3 * float64(len(match.MatchedKeywords)) / float64(len(rule.Keywords))
	if score > 1.0 {
		score = 1.0
	}
	match.Score = score
	return match
}

// deriveBusinessContext looks each attribute up independently in the keyword
// tables. Explicit metadata (the severity field, the department field) wins
// over text inference for its attribute.
func (c *Classifier) deriveBusinessContext(text string, signal Signal) BusinessContext {
	ctx := BusinessContext{
		ProjectPhase:       "UNKNOWN",
		DepartmentPriority: "UNKNOWN",
		UrgencyLevel:       UrgencyMedium,
		ClientTier:         "UNKNOWN",
	}

	for _, level := range []string{UrgencyCritical, UrgencyHigh, UrgencyLow} {
		if containsAny(text, urgencyKeywords[level]) {
			ctx.UrgencyLevel = level
			break
		}
	}
	if urgency := urgencyFromSeverity(signal.Severity); urgency != "" {
		ctx.UrgencyLevel = urgency
	}

	for _, phase := range ProjectPhases {
		if containsAny(text, projectPhaseKeywords[phase]) {
			ctx.ProjectPhase = phase
			break
		}
	}

	for _, tier := range []string{"KEY", "INTERNAL", "STANDARD"} {
		if containsAny(text, clientTierKeywords[tier]) {
			ctx.ClientTier = tier
			break
		}
	}

	for _, priority := range []string{"HIGH", "MEDIUM", "LOW"} {
		if containsAny(text, departmentPriorityKeywords[priority]) {
			ctx.DepartmentPriority = priority
			break
		}
	}
	if ctx.DepartmentPriority == "UNKNOWN" {
		if priority, ok := departmentPriorities[strings.ToLower(strings.TrimSpace(signal.Department))]; ok {
			ctx.DepartmentPriority = priority
		}
	}

	return ctx
}

// urgencyFromSeverity maps an explicit severity field to an urgency level.
// Unrecognized severities return "" so text inference stands.
func urgencyFromSeverity(severity string) string {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case UrgencyCritical:
		return UrgencyCritical
	case UrgencyHigh:
		return UrgencyHigh
	case UrgencyMedium:
		return UrgencyMedium
	case UrgencyLow:
		return UrgencyLow
	}
	return ""
}

// normalizeSignalText lowercases and joins every text-bearing field.
func normalizeSignalText(signal Signal) string {
	parts := []string{signal.Title, signal.Description, signal.Department}
	parts = append(parts, signal.Tags...)
	return strings.ToLower(strings.TrimSpace(strings.Join(parts, " ")))
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
