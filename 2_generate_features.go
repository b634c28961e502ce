package opsignal

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

// FeatureVersion tags every feature record so stale vectors can be detected
// when rules or vector layouts change.
const FeatureVersion = "fv1"

// DomainFeatures holds the rule-derived part of the feature record.
// Vector layout: root-cause slots (7), department one-hot (10), project
// phase one-hot (8), urgency one-hot (4), business impact scalars (4),
// A&E context scalars (5).
type DomainFeatures struct {
	Vector []float64 `json:"vector"`

	// BusinessImpact scalars: severity, urgency, cost, client impact.
	BusinessImpact []float64 `json:"business_impact"`

	// AEContext scalars: phase impact, complexity, quality risk,
	// compliance risk, schedule impact.
	AEContext []float64 `json:"ae_context"`
}

// SemanticFeatures holds embeddings plus text metrics.
type SemanticFeatures struct {
	TitleEmbedding       []float64 `json:"title_embedding"`
	DescriptionEmbedding []float64 `json:"description_embedding"`
	ContextEmbedding     []float64 `json:"context_embedding"`
	TerminologyEmbedding []float64 `json:"terminology_embedding"`

	TextComplexity     float64 `json:"text_complexity"`
	TerminologyDensity float64 `json:"terminology_density"`
	SemanticClarity    float64 `json:"semantic_clarity"`
}

// ExecutiveFeatures are [0,1] scalars capturing leadership attention signals.
type ExecutiveFeatures struct {
	BusinessImpact     float64 `json:"business_impact"`
	Actionability      float64 `json:"actionability"`
	StrategicPriority  float64 `json:"strategic_priority"`
	ExecutiveAttention float64 `json:"executive_attention"`
}

// FeatureQuality describes how trustworthy a feature record is; cluster
// coherence scoring consumes it downstream.
type FeatureQuality struct {
	DomainFeatureQuality   float64 `json:"domain_feature_quality"`
	SemanticFeatureQuality float64 `json:"semantic_feature_quality"`
	OverallQuality         float64 `json:"overall_quality"`
	ConsistencyScore       float64 `json:"consistency_score"`
}

// ClusteringFeatures is the complete feature record for one signal. The
// unweighted component vectors are retained alongside CombinedVector so
// domain and semantic similarity can be computed independently.
type ClusteringFeatures struct {
	SignalID          string            `json:"signal_id"`
	DomainFeatures    DomainFeatures    `json:"domain_features"`
	SemanticFeatures  SemanticFeatures  `json:"semantic_features"`
	ExecutiveFeatures ExecutiveFeatures `json:"executive_features"`
	CombinedVector    []float64         `json:"combined_vector"`
	Confidence        float64           `json:"confidence"`
	Quality           FeatureQuality    `json:"quality"`
	FeatureVersion    string            `json:"feature_version"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

var GenerateFeaturesCmd = &cobra.Command{
	Use:   "generate-features",
	Short: "Generate clustering feature vectors for all signals",
	Run: func(cmd *cobra.Command, args []string) {
		if err := generateAllFeatures(); err != nil {
			log.Printf("Failed to generate features: %v", err)
			return
		}
		log.Println("Feature generation complete.")
	},
}

// generateAllFeatures classifies signals and stores one feature record per
// signal in the SQLite feature store, skipping records that already exist
// for the current feature version.
func generateAllFeatures() error {
	cfg := DefaultPipelineConfig()

	signals, err := LoadSignals("signals")
	if err != nil {
		return fmt.Errorf("failed to load signals: %w", err)
	}

	store, err := OpenSQLiteStore(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("failed to open feature store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close feature store: %v", err)
		}
	}()

	classifier := NewClassifier(cfg)
	engine := NewFeatureEngine(cfg, defaultEmbeddingProvider())

	for _, signal := range signals {
		existing, err := store.GetFeatures(signal.ID, engine.Version())
		if err != nil {
			return fmt.Errorf("failed to check existing features: %w", err)
		}
		if existing != nil {
			log.Printf("Features already exist for signal: %s", signal.ID)
			continue
		}

		classification := classifier.Classify(signal)
		features := engine.GenerateFeatures(context.Background(), signal, classification)
		if err := store.PutFeatures(features); err != nil {
			return fmt.Errorf("failed to save features for %s: %w", signal.ID, err)
		}
		log.Printf("Generated features for signal: %s (quality %.2f)", signal.ID, features.Quality.OverallQuality)
	}

	return nil
}

// defaultEmbeddingProvider picks OpenAI when a key is configured, the local
// deterministic provider otherwise. Either way the provider is wrapped with
// a memo cache.
func defaultEmbeddingProvider() EmbeddingProvider {
	if Config.OpenAIAPIKey != "" {
		return NewCachingEmbeddingProvider(NewOpenAIEmbeddingProvider(Config.OpenAIAPIKey, Config.EmbeddingModel))
	}
	return NewCachingEmbeddingProvider(NewLocalEmbeddingProvider(64))
}

// FeatureEngine converts a signal plus its classification into a feature
// record. Generation is best-effort: embedding failures degrade quality and
// fall back to the deterministic local provider instead of failing.
type FeatureEngine struct {
	cfg      PipelineConfig
	provider EmbeddingProvider
	fallback EmbeddingProvider
}

// NewFeatureEngine returns an engine using provider for embeddings.
func NewFeatureEngine(cfg PipelineConfig, provider EmbeddingProvider) *FeatureEngine {
	return &FeatureEngine{
		cfg:      cfg,
		provider: provider,
		fallback: NewLocalEmbeddingProvider(provider.Dimensions()),
	}
}

// Version identifies the feature layout plus embedding source. Records from
// a different version are treated as stale.
func (e *FeatureEngine) Version() string {
	return FeatureVersion + ":" + e.provider.Name()
}

// CombinedDimensions is the expected length of CombinedVector for this
// engine's provider.
func (e *FeatureEngine) CombinedDimensions() int {
	domain := len(RootCauses) + len(Departments) + len(ProjectPhases) + len(UrgencyLevels) + 4 + 5
	semantic := 4*e.provider.Dimensions() + 3
	return domain + semantic + 4
}

// GenerateFeatures builds the full feature record for one signal. It never
// fails: degraded inputs produce degraded quality scores, not errors.
func (e *FeatureEngine) GenerateFeatures(ctx context.Context, signal Signal, classification DomainClassificationResult) *ClusteringFeatures {
	text := normalizeSignalText(signal)

	domain := e.buildDomainFeatures(text, classification)
	semantic, embedDegraded := e.buildSemanticFeatures(ctx, signal, classification)
	executive := e.buildExecutiveFeatures(text, classification)

	features := &ClusteringFeatures{
		SignalID:          signal.ID,
		DomainFeatures:    domain,
		SemanticFeatures:  semantic,
		ExecutiveFeatures: executive,
		Confidence:        classification.Confidence,
		FeatureVersion:    e.Version(),
		GeneratedAt:       time.Now().UTC(),
	}
	features.CombinedVector = e.combineVectors(domain, semantic, executive)
	features.Quality = e.scoreQuality(signal, classification, features, embedDegraded)
	return features
}

// buildDomainFeatures assembles the 38-slot domain vector.
func (e *FeatureEngine) buildDomainFeatures(text string, classification DomainClassificationResult) DomainFeatures {
	rootCauseVec := make([]float64, len(RootCauses))
	if idx := classification.RootCause.Index(); idx >= 0 {
		rootCauseVec[idx] = classification.Confidence
	}
	// Alternative categories contribute at half their rule score.
	for i, match := range classification.RuleMatches {
		if i == 0 {
			continue
		}
		if idx := match.RootCause.Index(); idx >= 0 && rootCauseVec[idx] == 0 {
			rootCauseVec[idx] = 0.5 * match.Score
		}
	}

	deptVec := oneHot(Departments, normalizeDepartment(text))
	phaseVec := oneHot(ProjectPhases, classification.BusinessContext.ProjectPhase)
	urgencyVec := oneHot(UrgencyLevels, classification.BusinessContext.UrgencyLevel)

	impact := []float64{
		severityScore(text, classification),
		urgencyScore(classification.BusinessContext.UrgencyLevel),
		keywordFraction(text, []string{"budget", "cost", "overrun", "expensive", "fee", "overtime"}),
		clientImpactScore(text, classification.BusinessContext.ClientTier),
	}

	aeContext := []float64{
		phaseImpactScore(classification.BusinessContext.ProjectPhase),
		complexityScore(text),
		keywordFraction(text, []string{"defect", "error", "rework", "redline", "inspection", "tolerance"}),
		keywordFraction(text, []string{"code", "permit", "compliance", "jurisdiction", "ada", "egress"}),
		keywordFraction(text, []string{"deadline", "delay", "schedule", "late", "overdue", "milestone"}),
	}

	vector := make([]float64, 0, len(rootCauseVec)+len(deptVec)+len(phaseVec)+len(urgencyVec)+len(impact)+len(aeContext))
	vector = append(vector, rootCauseVec...)
	vector = append(vector, deptVec...)
	vector = append(vector, phaseVec...)
	vector = append(vector, urgencyVec...)
	vector = append(vector, impact...)
	vector = append(vector, aeContext...)

	return DomainFeatures{Vector: vector, BusinessImpact: impact, AEContext: aeContext}
}

// buildSemanticFeatures embeds the four text views and computes the scalar
// text metrics. Returns degraded=true when the configured provider failed
// and the deterministic fallback was used.
func (e *FeatureEngine) buildSemanticFeatures(ctx context.Context, signal Signal, classification DomainClassificationResult) (SemanticFeatures, bool) {
	text := normalizeSignalText(signal)
	contextText := strings.Join([]string{
		string(classification.RootCause),
		classification.BusinessContext.ProjectPhase,
		classification.BusinessContext.UrgencyLevel,
		classification.BusinessContext.ClientTier,
		signal.Department,
	}, " ")
	terminologyText := strings.Join(matchedTerminology(text), " ")

	degraded := false
	embed := func(input string) []float64 {
		vec, err := e.provider.Embed(ctx, input)
		if err != nil {
			degraded = true
			log.Printf("Embedding provider %s failed (%v), using local fallback", e.provider.Name(), err)
			vec, _ = e.fallback.Embed(ctx, input)
		}
		return vec
	}

	return SemanticFeatures{
		TitleEmbedding:       embed(signal.Title),
		DescriptionEmbedding: embed(signal.Description),
		ContextEmbedding:     embed(contextText),
		TerminologyEmbedding: embed(terminologyText),
		TextComplexity:       complexityScore(text),
		TerminologyDensity:   terminologyDensity(text),
		SemanticClarity:      clarityScore(signal),
	}, degraded
}

// buildExecutiveFeatures layers keyword heuristics on the classification's
// urgency, department priority, and client tier.
func (e *FeatureEngine) buildExecutiveFeatures(text string, classification DomainClassificationResult) ExecutiveFeatures {
	ctx := classification.BusinessContext
	urgency := urgencyScore(ctx.UrgencyLevel)
	client := clientImpactScore(text, ctx.ClientTier)
	severity := severityScore(text, classification)

	actionability := rootCauseActionability(classification.RootCause)
	if ctx.DepartmentPriority == "HIGH" {
		actionability = clamp01(actionability + 0.1)
	}

	return ExecutiveFeatures{
		BusinessImpact:     clamp01(0.4*urgency + 0.3*client + 0.3*severity),
		Actionability:      actionability,
		StrategicPriority:  clamp01(0.5*priorityScore(ctx.DepartmentPriority) + 0.5*client),
		ExecutiveAttention: clamp01(0.5*urgency + 0.3*client + 0.2*severity),
	}
}

// combineVectors concatenates the weighted sub-vectors into the combined
// clustering vector.
func (e *FeatureEngine) combineVectors(domain DomainFeatures, semantic SemanticFeatures, executive ExecutiveFeatures) []float64 {
	semanticVec := make([]float64, 0, 4*e.provider.Dimensions()+3)
	semanticVec = append(semanticVec, semantic.TitleEmbedding...)
	semanticVec = append(semanticVec, semantic.DescriptionEmbedding...)
	semanticVec = append(semanticVec, semantic.ContextEmbedding...)
	semanticVec = append(semanticVec, semantic.TerminologyEmbedding...)
	semanticVec = append(semanticVec, semantic.TextComplexity, semantic.TerminologyDensity, semantic.SemanticClarity)

	executiveVec := []float64{
		executive.BusinessImpact, executive.Actionability,
		executive.StrategicPriority, executive.ExecutiveAttention,
	}

	combined := make([]float64, 0, len(domain.Vector)+len(semanticVec)+len(executiveVec))
	for _, v := range domain.Vector {
		combined = append(combined, e.cfg.DomainWeight*v)
	}
	for _, v := range semanticVec {
		combined = append(combined, e.cfg.SemanticWeight*v)
	}
	for _, v := range executiveVec {
		combined = append(combined, e.cfg.ExecutiveWeight*v)
	}
	return combined
}

// scoreQuality rates the feature record for downstream coherence scoring.
func (e *FeatureEngine) scoreQuality(signal Signal, classification DomainClassificationResult, features *ClusteringFeatures, embedDegraded bool) FeatureQuality {
	domainQuality := 0.5*classification.Confidence + 0.5
	if classification.BusinessContext.ProjectPhase == "UNKNOWN" {
		domainQuality -= 0.1
	}
	if classification.BusinessContext.ClientTier == "UNKNOWN" {
		domainQuality -= 0.05
	}

	textLen := len(signal.Title) + len(signal.Description)
	semanticQuality := clamp01(float64(textLen) / 200.0)
	semanticQuality = 0.6*semanticQuality + 0.4*features.SemanticFeatures.SemanticClarity
	if embedDegraded {
		semanticQuality *= 0.8
	}

	// Consistency: the classifier and the text metrics should agree that
	// the signal is informative.
	consistency := 1.0 - math.Abs(clamp01(domainQuality)-clamp01(semanticQuality))

	return FeatureQuality{
		DomainFeatureQuality:   clamp01(domainQuality),
		SemanticFeatureQuality: clamp01(semanticQuality),
		OverallQuality:         clamp01(0.5*domainQuality + 0.4*semanticQuality + 0.1*consistency),
		ConsistencyScore:       clamp01(consistency),
	}
}

// ValidateFeatures rejects structurally invalid records: wrong combined
// dimensionality or non-finite values.
func (e *FeatureEngine) ValidateFeatures(features *ClusteringFeatures) error {
	if features == nil {
		return &FeatureQualityError{Reason: "nil feature record"}
	}
	if expected := e.CombinedDimensions(); len(features.CombinedVector) != expected {
		return &FeatureQualityError{
			SignalID: features.SignalID,
			Reason:   fmt.Sprintf("combined vector has %d dimensions, expected %d", len(features.CombinedVector), expected),
		}
	}
	for _, v := range features.CombinedVector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &FeatureQualityError{SignalID: features.SignalID, Reason: "combined vector contains non-finite values"}
		}
	}
	return nil
}

// GenerateFeaturesBatch fans feature generation out across signals. There is
// no cross-signal dependency, so each signal is processed on its own
// goroutine; results come back in input order.
func (e *FeatureEngine) GenerateFeaturesBatch(ctx context.Context, signals []Signal, classifications map[string]DomainClassificationResult) []*ClusteringFeatures {
	results := make([]*ClusteringFeatures, len(signals))
	var wg sync.WaitGroup
	for i, signal := range signals {
		wg.Add(1)
		go func(idx int, sig Signal) {
			defer wg.Done()
			results[idx] = e.GenerateFeatures(ctx, sig, classifications[sig.ID])
		}(i, signal)
	}
	wg.Wait()
	return results
}

// --- scalar helpers ---

func oneHot(layout []string, value string) []float64 {
	vec := make([]float64, len(layout))
	idx := len(layout) - 1 // trailing slot is the unknown bucket
	for i, candidate := range layout {
		if strings.EqualFold(candidate, value) {
			idx = i
			break
		}
	}
	vec[idx] = 1.0
	return vec
}

// normalizeDepartment maps free-form department text onto the canonical
// department list, falling back to "unknown".
func normalizeDepartment(text string) string {
	for _, dept := range Departments[:len(Departments)-1] {
		if strings.Contains(text, dept) {
			return dept
		}
	}
	return "unknown"
}

func severityScore(text string, classification DomainClassificationResult) float64 {
	switch classification.BusinessContext.UrgencyLevel {
	case UrgencyCritical:
		return 1.0
	case UrgencyHigh:
		return 0.75
	case UrgencyLow:
		return 0.25
	}
	if strings.Contains(text, "severe") || strings.Contains(text, "major") {
		return 0.7
	}
	return 0.5
}

func urgencyScore(level string) float64 {
	switch level {
	case UrgencyCritical:
		return 1.0
	case UrgencyHigh:
		return 0.75
	case UrgencyLow:
		return 0.25
	default:
		return 0.5
	}
}

func clientImpactScore(text string, tier string) float64 {
	base := 0.4
	switch tier {
	case "KEY":
		base = 1.0
	case "STANDARD":
		base = 0.6
	case "INTERNAL":
		base = 0.3
	}
	if strings.Contains(text, "client complaint") || strings.Contains(text, "client escalation") {
		base = clamp01(base + 0.2)
	}
	return base
}

func phaseImpactScore(phase string) float64 {
	switch phase {
	case "CONSTRUCTION_ADMINISTRATION":
		return 0.9
	case "CONSTRUCTION_DOCUMENTS":
		return 0.8
	case "PERMITTING":
		return 0.7
	case "BIDDING":
		return 0.6
	case "DESIGN_DEVELOPMENT", "CLOSEOUT":
		return 0.5
	case "SCHEMATIC_DESIGN":
		return 0.4
	default:
		return 0.5
	}
}

func priorityScore(priority string) float64 {
	switch priority {
	case "HIGH":
		return 1.0
	case "MEDIUM":
		return 0.6
	case "LOW":
		return 0.3
	default:
		return 0.5
	}
}

func rootCauseActionability(rc RootCause) float64 {
	switch rc {
	case RootCauseTraining:
		return 0.9
	case RootCauseProcess:
		return 0.8
	case RootCauseCommunication:
		return 0.75
	case RootCauseTechnology, RootCauseQuality:
		return 0.7
	case RootCauseResource:
		return 0.6
	case RootCauseExternal:
		return 0.4
	default:
		return 0.5
	}
}

func keywordFraction(text string, keywords []string) float64 {
	if text == "" {
		return 0
	}
	hits := 0
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			hits++
		}
	}
	return clamp01(float64(hits) / 3.0)
}

func complexityScore(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	totalLen := 0
	for _, word := range words {
		totalLen += len(word)
	}
	avgWordLen := float64(totalLen) / float64(len(words))
	lengthFactor := clamp01(float64(len(words)) / 80.0)
	wordFactor := clamp01((avgWordLen - 3.0) / 5.0)
	return clamp01(0.6*lengthFactor + 0.4*wordFactor)
}

func terminologyDensity(text string) float64 {
	return clamp01(float64(len(matchedTerminology(text))) / 5.0)
}

func matchedTerminology(text string) []string {
	var matched []string
	for _, term := range domainTerminology {
		if strings.Contains(text, term) {
			matched = append(matched, term)
		}
	}
	return matched
}

func clarityScore(signal Signal) float64 {
	score := 0.0
	if strings.TrimSpace(signal.Title) != "" {
		score += 0.4
	}
	words := strings.Fields(signal.Description)
	score += 0.6 * clamp01(float64(len(words))/30.0)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
