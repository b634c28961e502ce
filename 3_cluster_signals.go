package opsignal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
)

// BusinessRelevance is the coarse executive-attention tier of a cluster.
type BusinessRelevance string

const (
	RelevanceHigh   BusinessRelevance = "HIGH"
	RelevanceMedium BusinessRelevance = "MEDIUM"
	RelevanceLow    BusinessRelevance = "LOW"
	RelevanceNoise  BusinessRelevance = "NOISE"
)

// DomainCluster is a stage-1 cluster: signals grouped by the compound key
// (root cause, department, urgency bucket).
type DomainCluster struct {
	ID                string            `json:"id"`
	RootCause         RootCause         `json:"root_cause"`
	Department        string            `json:"department"`
	UrgencyBucket     string            `json:"urgency_bucket"`
	SignalIDs         []string          `json:"signal_ids"`
	Coherence         float64           `json:"coherence"`
	BusinessRelevance BusinessRelevance `json:"business_relevance"`
}

// RefinedCluster is a stage-2 cluster: a domain cluster with semantic
// sub-clusters from agglomerative merging.
type RefinedCluster struct {
	DomainCluster
	SubClusters            [][]string `json:"sub_clusters"`
	SemanticCoherence      float64    `json:"semantic_coherence"`
	ExecutiveActionability float64    `json:"executive_actionability"`
}

// RecommendedAction is a templated next step for a final cluster.
type RecommendedAction struct {
	Title     string `json:"title"`
	OwnerRole string `json:"owner_role"`
	Effort    string `json:"effort"`
	Priority  string `json:"priority"`
	Timeframe string `json:"timeframe"`
}

// ClusterBusinessImpact breaks a cluster's impact into sub-scores.
type ClusterBusinessImpact struct {
	Financial   float64 `json:"financial"`
	Operational float64 `json:"operational"`
	Strategic   float64 `json:"strategic"`
	Overall     float64 `json:"overall"`
}

// ResourceRequirement estimates what addressing a cluster takes.
type ResourceRequirement struct {
	Headcount      int      `json:"headcount"`
	Timeline       string   `json:"timeline"`
	BudgetEstimate string   `json:"budget_estimate"`
	Technology     []string `json:"technology,omitempty"`
}

// ExpertReview is sign-off scaffolding for downstream human review.
// Clusters are emitted unreviewed.
type ExpertReview struct {
	Reviewed   bool       `json:"reviewed"`
	Reviewer   string     `json:"reviewer,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

// FinalCluster is the executive-facing output unit.
type FinalCluster struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name"`
	ExecutiveSummary    string                `json:"executive_summary"`
	BusinessProblemType string                `json:"business_problem_type"`
	RootCause           RootCause             `json:"root_cause"`
	BusinessImpact      ClusterBusinessImpact `json:"business_impact"`
	RecommendedActions  []RecommendedAction   `json:"recommended_actions"`
	Stakeholders        []string              `json:"stakeholders"`
	Actionability       float64               `json:"actionability"`
	UrgencyScore        float64               `json:"urgency_score"`
	BusinessRelevance   BusinessRelevance     `json:"business_relevance"`
	ResourceRequirement ResourceRequirement   `json:"resource_requirement"`
	SignalIDs           []string              `json:"signal_ids"`
	SignalCount         int                   `json:"signal_count"`
	CatchAll            bool                  `json:"catch_all"`
	ValidationStatus    string                `json:"validation_status"`
	ExpertReview        ExpertReview          `json:"expert_review"`
}

// ClusterQualityMetrics summarizes how well the batch clustered.
type ClusterQualityMetrics struct {
	DomainCoherence   float64 `json:"domain_coherence"`
	SemanticCoherence float64 `json:"semantic_coherence"`
	CoverageRatio     float64 `json:"coverage_ratio"`
	MeanClusterSize   float64 `json:"mean_cluster_size"`
	QualityAssessment string  `json:"quality_assessment"`
}

// HybridClusteringResult is the full output of one batch run.
type HybridClusteringResult struct {
	RunID                string                   `json:"run_id"`
	Success              bool                     `json:"success"`
	GeneratedAt          time.Time                `json:"generated_at"`
	InputSignalCount     int                      `json:"input_signal_count"`
	OutputClusterCount   int                      `json:"output_cluster_count"`
	DomainClusters       []DomainCluster          `json:"domain_clusters"`
	RefinedClusters      []RefinedCluster         `json:"refined_clusters"`
	FinalClusters        []FinalCluster           `json:"final_clusters"`
	QualityMetrics       ClusterQualityMetrics    `json:"quality_metrics"`
	StageProcessingTimes map[string]time.Duration `json:"stage_processing_times"`
	Warnings             []string                 `json:"warnings,omitempty"`
	Recommendations      []string                 `json:"recommendations,omitempty"`
}

var clusterForce bool

var ClusterSignalsCmd = &cobra.Command{
	Use:   "cluster-signals",
	Short: "Run the three-stage hybrid clustering pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		if err := clusterAllSignals(clusterForce); err != nil {
			log.Printf("Failed to cluster signals: %v", err)
			return
		}
		log.Println("Signal clustering complete.")
	},
}

func init() {
	ClusterSignalsCmd.Flags().BoolVar(&clusterForce, "force", false, "recompute even if a cached result exists")
}

// clusterAllSignals loads signals, runs the pipeline, and saves the result.
func clusterAllSignals(force bool) error {
	cfg := DefaultPipelineConfig()

	signals, err := LoadSignals("signals")
	if err != nil {
		return fmt.Errorf("failed to load signals: %w", err)
	}
	log.Printf("Loaded %d signals for clustering", len(signals))

	store, err := OpenSQLiteStore(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Failed to close result store: %v", err)
		}
	}()

	engine := NewClusterEngine(cfg, defaultEmbeddingProvider(), store)
	result, err := engine.Run(context.Background(), signals, force)
	if err != nil {
		return fmt.Errorf("failed to run clustering pipeline: %w", err)
	}

	if err := os.MkdirAll("clusters", 0755); err != nil {
		return fmt.Errorf("failed to create clusters directory: %w", err)
	}
	jsonData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal clustering result: %w", err)
	}
	if err := os.WriteFile("clusters/clusters.json", jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write clusters file: %w", err)
	}

	printClusteringReport(result)
	return nil
}

// ClusterEngine runs the three-stage hybrid pipeline over a batch of
// signals. Each run is a self-contained synchronous computation; concurrent
// runs over overlapping signal sets must be serialized by the caller.
type ClusterEngine struct {
	cfg        PipelineConfig
	classifier *Classifier
	features   *FeatureEngine
	store      ResultStore
}

// NewClusterEngine wires the pipeline. store may be nil to disable caching.
func NewClusterEngine(cfg PipelineConfig, provider EmbeddingProvider, store ResultStore) *ClusterEngine {
	return &ClusterEngine{
		cfg:        cfg,
		classifier: NewClassifier(cfg),
		features:   NewFeatureEngine(cfg, provider),
		store:      store,
	}
}

// Run executes classification, feature generation, and the three clustering
// stages for the batch.
// With force=false a cached result for the same signals and config is
// returned as-is; a failed run never overwrites a cached good result.
func (e *ClusterEngine) Run(ctx context.Context, signals []Signal, force bool) (*HybridClusteringResult, error) {
	return e.run(ctx, signals, force, nil)
}

// ProgressFunc receives stage names and a [0,1] completion fraction.
type ProgressFunc func(stage string, progress float64)

func (e *ClusterEngine) run(ctx context.Context, signals []Signal, force bool, progress ProgressFunc) (*HybridClusteringResult, error) {
	report := func(stage string, frac float64) {
		if progress != nil {
			progress(stage, frac)
		}
	}

	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if len(signals) < 2 {
		return nil, &ValidationError{Reason: fmt.Sprintf("clustering requires at least 2 signals, got %d", len(signals))}
	}

	timeout, _ := e.cfg.ProcessingTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cacheKey := CacheKey(signals, e.cfg)
	if !force && e.cfg.CacheEnabled && e.store != nil {
		cached, err := e.store.GetResult(cacheKey)
		if err != nil {
			log.Printf("Cache lookup failed: %v", err)
		} else if cached != nil && cached.Success {
			log.Printf("Returning cached clustering result for key %.12s…", cacheKey)
			return cached, nil
		}
	}

	result := &HybridClusteringResult{
		RunID:                uuid.NewString(),
		GeneratedAt:          time.Now().UTC(),
		InputSignalCount:     len(signals),
		StageProcessingTimes: make(map[string]time.Duration),
	}

	// Classification and feature generation are leaf steps: best-effort,
	// never failing the batch on a single bad signal.
	report("feature_generation", 0)
	featureStart := time.Now()
	classifications := make(map[string]DomainClassificationResult, len(signals))
	for _, signal := range signals {
		classifications[signal.ID] = e.classifier.Classify(signal)
	}
	if e.cfg.EnableAIEnhancement {
		result.Warnings = append(result.Warnings, NewSignalEnhancer().Enhance(ctx, signals, classifications)...)
	}
	allFeatures := e.features.GenerateFeaturesBatch(ctx, signals, classifications)

	featureMap := make(map[string]*ClusteringFeatures, len(signals))
	var validSignals []Signal
	for i, features := range allFeatures {
		if err := e.features.ValidateFeatures(features); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("excluded signal %s: %v", signals[i].ID, err))
			log.Printf("Dropping signal %s from batch: %v", signals[i].ID, err)
			continue
		}
		featureMap[features.SignalID] = features
		validSignals = append(validSignals, signals[i])
	}
	result.StageProcessingTimes["feature_generation"] = time.Since(featureStart)
	report("feature_generation", 1)

	if len(validSignals) < 2 {
		return nil, &ValidationError{Reason: fmt.Sprintf("only %d valid feature vectors, need at least 2", len(validSignals))}
	}

	// The three clustering stages have a strict sequential dependency.
	// Any panic inside a stage aborts the whole run: partially populated
	// cluster state must never escape.
	stages := []struct {
		name string
		fn   func()
	}{
		{"domain_preclustering", func() {
			result.DomainClusters = e.domainPreCluster(validSignals, classifications, featureMap)
		}},
		{"semantic_refinement", func() {
			result.RefinedClusters = e.semanticRefine(result.DomainClusters, featureMap)
		}},
		{"executive_optimization", func() {
			result.FinalClusters = e.executiveOptimize(result.RefinedClusters, featureMap, result)
		}},
	}
	for i, stage := range stages {
		report(stage.name, 0)
		start := time.Now()
		if err := runStage(stage.name, stage.fn); err != nil {
			failed := &HybridClusteringResult{
				RunID:                result.RunID,
				Success:              false,
				GeneratedAt:          result.GeneratedAt,
				InputSignalCount:     result.InputSignalCount,
				StageProcessingTimes: map[string]time.Duration{},
				Warnings:             append(result.Warnings, err.Error()),
			}
			return failed, err
		}
		result.StageProcessingTimes[stage.name] = time.Since(start)
		report(stage.name, float64(i+1)/float64(len(stages)))
	}

	result.Success = true
	result.OutputClusterCount = len(result.FinalClusters)
	result.QualityMetrics = e.scoreClusterQuality(result, featureMap)
	result.Recommendations = generateClusteringRecommendations(result, e.cfg)

	if e.cfg.CacheEnabled && e.store != nil {
		if err := e.store.PutResult(cacheKey, result); err != nil {
			log.Printf("Failed to cache clustering result: %v", err)
		}
	}

	return result, nil
}

// runStage converts stage panics into StageFailure.
func runStage(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StageFailure{Stage: name, Cause: r}
		}
	}()
	fn()
	return nil
}

// --- stage 1: domain pre-clustering ---

// urgencyBucket collapses the four urgency levels to two stage-1 buckets so
// the compound key cardinality stays bounded.
func urgencyBucket(level string) string {
	if level == UrgencyCritical || level == UrgencyHigh {
		return "elevated"
	}
	return "routine"
}

// domainPreCluster groups signals by (root cause, department, urgency
// bucket), consolidates small high-merge-priority clusters, and splits
// oversized ones along (project phase × client tier).
func (e *ClusterEngine) domainPreCluster(signals []Signal, classifications map[string]DomainClassificationResult, features map[string]*ClusteringFeatures) []DomainCluster {
	groups := make(map[string][]string)
	for _, signal := range signals {
		classification := classifications[signal.ID]
		dept := normalizeDepartment(strings.ToLower(signal.Department))
		key := string(classification.RootCause) + "|" + dept + "|" + urgencyBucket(classification.BusinessContext.UrgencyLevel)
		groups[key] = append(groups[key], signal.ID)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var clusters []DomainCluster
	for _, key := range keys {
		parts := strings.SplitN(key, "|", 3)
		clusters = append(clusters, DomainCluster{
			RootCause:     RootCause(parts[0]),
			Department:    parts[1],
			UrgencyBucket: parts[2],
			SignalIDs:     groups[key],
		})
	}

	clusters = consolidateSmallClusters(clusters, e.cfg.MinClusterSize)
	clusters = e.splitOversizedClusters(clusters, classifications)

	for i := range clusters {
		clusters[i].ID = fmt.Sprintf("dc-%d", i)
		clusters[i].Coherence = meanPairwiseDomainSimilarity(clusters[i].SignalIDs, features)
		clusters[i].BusinessRelevance = relevanceTier(clusterImpactScore(clusters[i].SignalIDs, features))
	}

	log.Printf("Stage 1: %d domain clusters from %d signals", len(clusters), len(signals))
	return clusters
}

// consolidateSmallClusters merges small same-root-cause clusters for the
// high-merge-priority categories. Never-merge categories keep their own
// clusters even when small.
func consolidateSmallClusters(clusters []DomainCluster, minSize int) []DomainCluster {
	merged := make(map[RootCause]*DomainCluster)
	var out []DomainCluster

	for _, cluster := range clusters {
		if neverMergeRootCauses[cluster.RootCause] || !highMergePriorityRootCauses[cluster.RootCause] || len(cluster.SignalIDs) > minSize {
			out = append(out, cluster)
			continue
		}
		if existing, ok := merged[cluster.RootCause]; ok {
			existing.SignalIDs = append(existing.SignalIDs, cluster.SignalIDs...)
			existing.Department = "mixed"
			existing.UrgencyBucket = "mixed"
			continue
		}
		c := cluster
		merged[cluster.RootCause] = &c
	}

	causes := make([]RootCause, 0, len(merged))
	for cause := range merged {
		causes = append(causes, cause)
	}
	sort.Slice(causes, func(i, j int) bool { return causes[i] < causes[j] })
	for _, cause := range causes {
		out = append(out, *merged[cause])
	}
	return out
}

// splitOversizedClusters breaks clusters above their root-cause-specific
// threshold along (project phase × client tier), when that actually
// separates signals into more than one group.
func (e *ClusterEngine) splitOversizedClusters(clusters []DomainCluster, classifications map[string]DomainClassificationResult) []DomainCluster {
	var out []DomainCluster
	for _, cluster := range clusters {
		threshold, ok := splitThresholds[cluster.RootCause]
		if !ok {
			threshold = defaultSplitThreshold
		}
		if len(cluster.SignalIDs) <= threshold {
			out = append(out, cluster)
			continue
		}

		subGroups := make(map[string][]string)
		for _, id := range cluster.SignalIDs {
			ctx := classifications[id].BusinessContext
			subGroups[ctx.ProjectPhase+"|"+ctx.ClientTier] = append(subGroups[ctx.ProjectPhase+"|"+ctx.ClientTier], id)
		}
		if len(subGroups) < 2 {
			out = append(out, cluster)
			continue
		}

		subKeys := make([]string, 0, len(subGroups))
		for key := range subGroups {
			subKeys = append(subKeys, key)
		}
		sort.Strings(subKeys)
		for _, key := range subKeys {
			split := cluster
			split.SignalIDs = subGroups[key]
			out = append(out, split)
		}
		log.Printf("Stage 1: split oversized %s cluster (%d signals) into %d", cluster.RootCause, len(cluster.SignalIDs), len(subGroups))
	}
	return out
}

// --- stage 2: semantic refinement ---

// semanticRefine runs agglomerative sub-clustering inside each domain
// cluster. Distinct domain clusters are independent, so they refine on
// separate goroutines.
func (e *ClusterEngine) semanticRefine(domainClusters []DomainCluster, features map[string]*ClusteringFeatures) []RefinedCluster {
	refined := make([]RefinedCluster, len(domainClusters))
	var wg sync.WaitGroup
	for i, cluster := range domainClusters {
		wg.Add(1)
		go func(idx int, dc DomainCluster) {
			defer wg.Done()
			refined[idx] = e.refineCluster(dc, features)
		}(i, cluster)
	}
	wg.Wait()

	log.Printf("Stage 2: refined %d domain clusters", len(refined))
	return refined
}

// refineCluster merges signals of one domain cluster into sub-clusters via
// average-linkage agglomeration over the combined-similarity matrix.
func (e *ClusterEngine) refineCluster(dc DomainCluster, features map[string]*ClusteringFeatures) RefinedCluster {
	ids := dc.SignalIDs
	n := len(ids)

	refined := RefinedCluster{
		DomainCluster:          dc,
		ExecutiveActionability: meanActionability(ids, features),
	}

	// Small clusters pass through unchanged.
	if n <= e.cfg.MinClusterSize {
		refined.SubClusters = [][]string{ids}
		refined.SemanticCoherence = meanPairwiseCombinedSimilarity(ids, features, e.cfg)
		return refined
	}

	// Pairwise combined-similarity matrix.
	simMatrix := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		simMatrix.Set(i, i, 1.0)
		for j := i + 1; j < n; j++ {
			sim := CombinedSimilarity(features[ids[i]], features[ids[j]], e.cfg)
			simMatrix.Set(i, j, sim)
			simMatrix.Set(j, i, sim)
		}
	}

	// Start from singletons and merge the most similar pair until the
	// best available similarity drops below the threshold or the count
	// hits the floor.
	groups := make([][]int, n)
	for i := range groups {
		groups[i] = []int{i}
	}
	floor := max(1, n/4)

	for len(groups) > floor {
		bestSim := -1.0
		mergeI, mergeJ := -1, -1
		for i := 0; i < len(groups); i++ {
			for j := i + 1; j < len(groups); j++ {
				sim := averageLinkage(simMatrix, groups[i], groups[j])
				if sim > bestSim {
					bestSim = sim
					mergeI, mergeJ = i, j
				}
			}
		}
		if mergeI == -1 || bestSim < e.cfg.MergeThreshold {
			break
		}
		groups[mergeI] = append(groups[mergeI], groups[mergeJ]...)
		groups = append(groups[:mergeJ], groups[mergeJ+1:]...)
	}

	groups = capSubClusters(groups, e.cfg.MaxSubClusters, simMatrix)

	sort.Slice(groups, func(i, j int) bool { return len(groups[i]) > len(groups[j]) })
	for _, group := range groups {
		sub := make([]string, 0, len(group))
		for _, idx := range group {
			sub = append(sub, ids[idx])
		}
		sort.Strings(sub)
		refined.SubClusters = append(refined.SubClusters, sub)
	}

	refined.SemanticCoherence = weightedSubClusterCoherence(refined.SubClusters, features, e.cfg)
	return refined
}

// averageLinkage is the mean pairwise similarity between two index groups.
func averageLinkage(simMatrix *mat.Dense, a, b []int) float64 {
	total := 0.0
	for _, i := range a {
		for _, j := range b {
			total += simMatrix.At(i, j)
		}
	}
	return total / float64(len(a)*len(b))
}

// capSubClusters keeps the largest maxSub groups and folds the rest into
// whichever kept group they are most similar to, so no signal is lost.
func capSubClusters(groups [][]int, maxSub int, simMatrix *mat.Dense) [][]int {
	if len(groups) <= maxSub {
		return groups
	}
	sort.Slice(groups, func(i, j int) bool { return len(groups[i]) > len(groups[j]) })
	kept := groups[:maxSub]
	for _, extra := range groups[maxSub:] {
		bestIdx := 0
		bestSim := -1.0
		for i, group := range kept {
			sim := averageLinkage(simMatrix, extra, group)
			if sim > bestSim {
				bestSim = sim
				bestIdx = i
			}
		}
		kept[bestIdx] = append(kept[bestIdx], extra...)
	}
	return kept
}

// --- stage 3: executive optimization ---

// executiveOptimize converts refined clusters into final clusters and
// enforces the target count range. Compression into the catch-all cluster is
// deliberately lossy in granularity but never in membership: every signal
// stays in exactly one final cluster.
func (e *ClusterEngine) executiveOptimize(refined []RefinedCluster, features map[string]*ClusteringFeatures, result *HybridClusteringResult) []FinalCluster {
	candidates := make([]FinalCluster, 0, len(refined))
	for _, rc := range refined {
		candidates = append(candidates, e.buildFinalCluster(rc, features))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return finalClusterRank(candidates[i]) > finalClusterRank(candidates[j])
	})

	if len(candidates) > e.cfg.MaxTargetClusters {
		keep := candidates[:e.cfg.MaxTargetClusters-1]
		rest := candidates[e.cfg.MaxTargetClusters-1:]
		catchAll := e.buildCatchAllCluster(rest, features)
		candidates = append(keep, catchAll)
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"merged %d low-priority clusters into the catch-all cluster to meet the target of %d", len(rest), e.cfg.MaxTargetClusters))
	}

	if len(candidates) < e.cfg.MinTargetClusters {
		split, ok := e.splitLargestCluster(candidates, refined, features)
		if ok {
			candidates = split
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"cluster count %d is below the target range [%d,%d]; no meaningful split available",
				len(candidates), e.cfg.MinTargetClusters, e.cfg.MaxTargetClusters))
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].BusinessImpact.Overall > candidates[j].BusinessImpact.Overall
	})
	return candidates
}

// finalClusterRank orders candidates for count compression: relevance tier
// first, actionability second.
func finalClusterRank(fc FinalCluster) float64 {
	tier := map[BusinessRelevance]float64{
		RelevanceHigh: 1.0, RelevanceMedium: 0.7, RelevanceLow: 0.4, RelevanceNoise: 0.1,
	}[fc.BusinessRelevance]
	return 0.6*tier + 0.4*fc.Actionability
}

// splitLargestCluster tries to raise the cluster count by splitting the
// largest cluster along its stage-2 sub-clusters. A split is meaningful only
// when at least two sub-clusters reach the minimum cluster size; otherwise
// the below-target count stands (clusters are never fabricated).
func (e *ClusterEngine) splitLargestCluster(candidates []FinalCluster, refined []RefinedCluster, features map[string]*ClusteringFeatures) ([]FinalCluster, bool) {
	largestIdx := -1
	for i, fc := range candidates {
		if fc.CatchAll {
			continue
		}
		if largestIdx == -1 || fc.SignalCount > candidates[largestIdx].SignalCount {
			largestIdx = i
		}
	}
	if largestIdx == -1 {
		return candidates, false
	}

	var source *RefinedCluster
	for i := range refined {
		if sameIDSet(refined[i].SignalIDs, candidates[largestIdx].SignalIDs) {
			source = &refined[i]
			break
		}
	}
	if source == nil || len(source.SubClusters) < 2 {
		return candidates, false
	}

	viable := 0
	for _, sub := range source.SubClusters {
		if len(sub) >= e.cfg.MinClusterSize {
			viable++
		}
	}
	if viable < 2 {
		return candidates, false
	}

	var split []FinalCluster
	for _, sub := range source.SubClusters {
		part := *source
		part.SignalIDs = sub
		part.SubClusters = [][]string{sub}
		split = append(split, e.buildFinalCluster(part, features))
	}

	out := make([]FinalCluster, 0, len(candidates)-1+len(split))
	out = append(out, candidates[:largestIdx]...)
	out = append(out, candidates[largestIdx+1:]...)
	out = append(out, split...)
	log.Printf("Stage 3: split largest cluster into %d along semantic sub-clusters", len(split))
	return out, true
}

// buildFinalCluster turns one refined cluster into an executive cluster with
// impact scoring, actions, and resourcing estimates.
func (e *ClusterEngine) buildFinalCluster(rc RefinedCluster, features map[string]*ClusteringFeatures) FinalCluster {
	ids := append([]string(nil), rc.SignalIDs...)
	sort.Strings(ids)

	impact := scoreBusinessImpact(ids, features)
	urgency := meanFeature(ids, features, func(f *ClusteringFeatures) float64 {
		return f.DomainFeatures.BusinessImpact[1]
	})

	fc := FinalCluster{
		ID:                  uuid.NewString(),
		Name:                clusterName(rc.RootCause, rc.Department),
		BusinessProblemType: businessProblemType(rc.RootCause),
		RootCause:           rc.RootCause,
		BusinessImpact:      impact,
		Actionability:       rc.ExecutiveActionability,
		UrgencyScore:        urgency,
		BusinessRelevance:   rc.BusinessRelevance,
		SignalIDs:           ids,
		SignalCount:         len(ids),
		Stakeholders:        stakeholdersFor(rc.RootCause, rc.Department),
		ResourceRequirement: estimateResources(rc.RootCause, len(ids), urgency),
		ValidationStatus:    "UNREVIEWED",
	}
	fc.RecommendedActions = recommendActions(rc.RootCause, rc.Department, len(ids), urgency)
	fc.ExecutiveSummary = fmt.Sprintf(
		"%d related signals indicate %s within %s. Overall business impact is %.0f%% with %s executive relevance; %d corrective action(s) recommended.",
		len(ids), strings.ToLower(fc.Name), departmentLabel(rc.Department),
		impact.Overall*100, strings.ToLower(string(fc.BusinessRelevance)), len(fc.RecommendedActions))
	return fc
}

// buildCatchAllCluster merges the compressed-out candidates into one
// explicit mixed cluster with unioned membership and stakeholders.
func (e *ClusterEngine) buildCatchAllCluster(rest []FinalCluster, features map[string]*ClusteringFeatures) FinalCluster {
	var ids []string
	stakeholderSet := make(map[string]bool)
	for _, fc := range rest {
		ids = append(ids, fc.SignalIDs...)
		for _, s := range fc.Stakeholders {
			stakeholderSet[s] = true
		}
	}
	sort.Strings(ids)

	stakeholders := make([]string, 0, len(stakeholderSet))
	for s := range stakeholderSet {
		stakeholders = append(stakeholders, s)
	}
	sort.Strings(stakeholders)

	impact := scoreBusinessImpact(ids, features)
	urgency := meanFeature(ids, features, func(f *ClusteringFeatures) float64 {
		return f.DomainFeatures.BusinessImpact[1]
	})

	return FinalCluster{
		ID:                  uuid.NewString(),
		Name:                "Mixed Operational Issues",
		BusinessProblemType: "MIXED_OPERATIONAL",
		RootCause:           RootCauseProcess,
		ExecutiveSummary: fmt.Sprintf(
			"%d heterogeneous signals from %d lower-priority clusters, grouped for executive consumability. Review individually before acting.",
			len(ids), len(rest)),
		BusinessImpact:    impact,
		Actionability:     0.3,
		UrgencyScore:      urgency,
		BusinessRelevance: RelevanceLow,
		SignalIDs:         ids,
		SignalCount:       len(ids),
		Stakeholders:      stakeholders,
		CatchAll:          true,
		RecommendedActions: []RecommendedAction{{
			Title:     "Triage mixed signals individually and reassign owners",
			OwnerRole: "Operations Director",
			Effort:    "MEDIUM",
			Priority:  "LOW",
			Timeframe: "this quarter",
		}},
		ResourceRequirement: estimateResources(RootCauseProcess, len(ids), urgency),
		ValidationStatus:    "UNREVIEWED",
	}
}

// --- scoring and templates ---

func clusterImpactScore(ids []string, features map[string]*ClusteringFeatures) float64 {
	return meanFeature(ids, features, func(f *ClusteringFeatures) float64 {
		impactMean := 0.0
		for _, v := range f.DomainFeatures.BusinessImpact {
			impactMean += v
		}
		impactMean /= float64(len(f.DomainFeatures.BusinessImpact))
		return 0.5*impactMean + 0.5*f.ExecutiveFeatures.BusinessImpact
	})
}

func relevanceTier(score float64) BusinessRelevance {
	switch {
	case score >= 0.6:
		return RelevanceHigh
	case score >= 0.4:
		return RelevanceMedium
	case score >= 0.2:
		return RelevanceLow
	default:
		return RelevanceNoise
	}
}

func scoreBusinessImpact(ids []string, features map[string]*ClusteringFeatures) ClusterBusinessImpact {
	financial := meanFeature(ids, features, func(f *ClusteringFeatures) float64 {
		return 0.7*f.DomainFeatures.BusinessImpact[2] + 0.3*f.DomainFeatures.BusinessImpact[3]
	})
	operational := meanFeature(ids, features, func(f *ClusteringFeatures) float64 {
		return 0.5*f.DomainFeatures.BusinessImpact[0] + 0.5*f.DomainFeatures.AEContext[4]
	})
	strategic := meanFeature(ids, features, func(f *ClusteringFeatures) float64 {
		return f.ExecutiveFeatures.StrategicPriority
	})

	// Size amplifies impact: many signals pointing the same way matter
	// more than any single one.
	sizeBoost := clamp01(float64(len(ids)) / 10.0)
	overall := clamp01(0.35*operational + 0.25*financial + 0.25*strategic + 0.15*sizeBoost)

	return ClusterBusinessImpact{
		Financial:   financial,
		Operational: operational,
		Strategic:   strategic,
		Overall:     overall,
	}
}

func meanFeature(ids []string, features map[string]*ClusteringFeatures, pick func(*ClusteringFeatures) float64) float64 {
	if len(ids) == 0 {
		return 0
	}
	total := 0.0
	count := 0
	for _, id := range ids {
		if f, ok := features[id]; ok {
			total += pick(f)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func meanActionability(ids []string, features map[string]*ClusteringFeatures) float64 {
	return meanFeature(ids, features, func(f *ClusteringFeatures) float64 {
		return f.ExecutiveFeatures.Actionability
	})
}

func meanPairwiseDomainSimilarity(ids []string, features map[string]*ClusteringFeatures) float64 {
	if len(ids) < 2 {
		return 1.0
	}
	total := 0.0
	pairs := 0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			total += DomainSimilarity(features[ids[i]], features[ids[j]])
			pairs++
		}
	}
	return total / float64(pairs)
}

func meanPairwiseCombinedSimilarity(ids []string, features map[string]*ClusteringFeatures, cfg PipelineConfig) float64 {
	if len(ids) < 2 {
		return 1.0
	}
	total := 0.0
	pairs := 0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			total += CombinedSimilarity(features[ids[i]], features[ids[j]], cfg)
			pairs++
		}
	}
	return total / float64(pairs)
}

// weightedSubClusterCoherence averages per-sub-cluster coherence, weighted
// by sub-cluster size.
func weightedSubClusterCoherence(subClusters [][]string, features map[string]*ClusteringFeatures, cfg PipelineConfig) float64 {
	total := 0.0
	weight := 0
	for _, sub := range subClusters {
		total += meanPairwiseCombinedSimilarity(sub, features, cfg) * float64(len(sub))
		weight += len(sub)
	}
	if weight == 0 {
		return 1.0
	}
	return total / float64(weight)
}

func clusterName(rc RootCause, department string) string {
	base := map[RootCause]string{
		RootCauseProcess:       "Process Bottlenecks",
		RootCauseResource:      "Resource & Capacity Strain",
		RootCauseCommunication: "Client Communication Breakdowns",
		RootCauseTechnology:    "Technology & Tooling Disruptions",
		RootCauseTraining:      "Skills & Training Gaps",
		RootCauseQuality:       "Quality & Compliance Failures",
		RootCauseExternal:      "External Dependencies & Approvals",
	}[rc]
	if base == "" {
		base = "Operational Issues"
	}
	if department != "" && department != "unknown" && department != "mixed" {
		return base + " - " + departmentLabel(department)
	}
	return base
}

func departmentLabel(department string) string {
	if department == "" || department == "unknown" {
		return "multiple departments"
	}
	if department == "mixed" {
		return "several departments"
	}
	words := strings.Fields(department)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func businessProblemType(rc RootCause) string {
	return string(rc) + "_SYSTEMIC"
}

func stakeholdersFor(rc RootCause, department string) []string {
	owner := map[RootCause]string{
		RootCauseProcess:       "Operations Director",
		RootCauseResource:      "Resource Manager",
		RootCauseCommunication: "Client Relations Lead",
		RootCauseTechnology:    "IT Director",
		RootCauseTraining:      "HR / Learning & Development",
		RootCauseQuality:       "Quality Manager",
		RootCauseExternal:      "Principal in Charge",
	}[rc]

	stakeholders := []string{owner}
	if department != "" && department != "unknown" && department != "mixed" {
		stakeholders = append(stakeholders, departmentLabel(department)+" Lead")
	}
	return stakeholders
}

// actionTemplates holds 2 templated actions per root cause; %s slots take
// the department label.
var actionTemplates = map[RootCause][]RecommendedAction{
	RootCauseProcess: {
		{Title: "Map and streamline the affected workflow in %s", OwnerRole: "Operations Director", Effort: "MEDIUM"},
		{Title: "Introduce a standard checklist for recurring handoffs", OwnerRole: "Process Owner", Effort: "LOW"},
	},
	RootCauseResource: {
		{Title: "Rebalance workload allocation across %s", OwnerRole: "Resource Manager", Effort: "MEDIUM"},
		{Title: "Approve contract staffing for peak demand", OwnerRole: "Principal in Charge", Effort: "HIGH"},
	},
	RootCauseCommunication: {
		{Title: "Institute a weekly client-alignment touchpoint for %s", OwnerRole: "Client Relations Lead", Effort: "LOW"},
		{Title: "Define response-time expectations for approvals and RFIs", OwnerRole: "Project Manager", Effort: "LOW"},
	},
	RootCauseTechnology: {
		{Title: "Stabilize the affected software and licensing stack in %s", OwnerRole: "IT Director", Effort: "MEDIUM"},
		{Title: "Schedule preventive maintenance and upgrade windows", OwnerRole: "IT Director", Effort: "MEDIUM"},
	},
	RootCauseTraining: {
		{Title: "Run targeted upskilling sessions for %s", OwnerRole: "HR / Learning & Development", Effort: "MEDIUM"},
		{Title: "Pair junior staff with mentors on active projects", OwnerRole: "Department Lead", Effort: "LOW"},
	},
	RootCauseQuality: {
		{Title: "Audit QA/QC checkpoints on active deliverables in %s", OwnerRole: "Quality Manager", Effort: "MEDIUM"},
		{Title: "Hold a code-compliance review before the next submittal", OwnerRole: "Quality Manager", Effort: "MEDIUM"},
	},
	RootCauseExternal: {
		{Title: "Escalate pending external approvals affecting %s", OwnerRole: "Principal in Charge", Effort: "LOW"},
		{Title: "Review vendor and consultant agreements for accountability", OwnerRole: "Contracts Manager", Effort: "MEDIUM"},
	},
}

// recommendActions returns 1–2 actions: one for small clusters, two for
// larger ones, parameterized by department and urgency.
func recommendActions(rc RootCause, department string, size int, urgency float64) []RecommendedAction {
	templates := actionTemplates[rc]
	if len(templates) == 0 {
		templates = actionTemplates[RootCauseProcess]
	}

	count := 1
	if size >= 3 {
		count = 2
	}

	priority := "MEDIUM"
	timeframe := "30 days"
	if urgency >= 0.75 {
		priority = "HIGH"
		timeframe = "2 weeks"
	} else if urgency < 0.4 {
		priority = "LOW"
		timeframe = "this quarter"
	}

	actions := make([]RecommendedAction, 0, count)
	for i := 0; i < count && i < len(templates); i++ {
		action := templates[i]
		if strings.Contains(action.Title, "%s") {
			action.Title = fmt.Sprintf(action.Title, departmentLabel(department))
		}
		action.Priority = priority
		action.Timeframe = timeframe
		actions = append(actions, action)
	}
	return actions
}

func estimateResources(rc RootCause, size int, urgency float64) ResourceRequirement {
	req := ResourceRequirement{
		Headcount: 1 + size/4,
		Timeline:  "30 days",
	}
	if urgency >= 0.75 {
		req.Timeline = "2 weeks"
	} else if urgency < 0.4 {
		req.Timeline = "this quarter"
	}

	switch {
	case size >= 8:
		req.BudgetEstimate = "significant (>$50k)"
	case size >= 4:
		req.BudgetEstimate = "moderate ($10k-$50k)"
	default:
		req.BudgetEstimate = "low (<$10k)"
	}

	if rc == RootCauseTechnology {
		req.Technology = []string{"license audit", "infrastructure review"}
	}
	return req
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

// --- quality metrics and reporting ---

func (e *ClusterEngine) scoreClusterQuality(result *HybridClusteringResult, features map[string]*ClusteringFeatures) ClusterQualityMetrics {
	domainCoherence := 0.0
	for _, dc := range result.DomainClusters {
		domainCoherence += dc.Coherence
	}
	if len(result.DomainClusters) > 0 {
		domainCoherence /= float64(len(result.DomainClusters))
	}

	semanticCoherence := 0.0
	for _, rc := range result.RefinedClusters {
		semanticCoherence += rc.SemanticCoherence
	}
	if len(result.RefinedClusters) > 0 {
		semanticCoherence /= float64(len(result.RefinedClusters))
	}

	clustered := 0
	for _, fc := range result.FinalClusters {
		clustered += fc.SignalCount
	}
	coverage := 0.0
	if result.InputSignalCount > 0 {
		coverage = float64(clustered) / float64(result.InputSignalCount)
	}

	meanSize := 0.0
	if len(result.FinalClusters) > 0 {
		meanSize = float64(clustered) / float64(len(result.FinalClusters))
	}

	return ClusterQualityMetrics{
		DomainCoherence:   domainCoherence,
		SemanticCoherence: semanticCoherence,
		CoverageRatio:     coverage,
		MeanClusterSize:   meanSize,
		QualityAssessment: assessClusterQuality(domainCoherence, semanticCoherence, meanSize),
	}
}

func assessClusterQuality(domainCoherence, semanticCoherence, meanSize float64) string {
	var assessment []string

	if domainCoherence > 0.85 {
		assessment = append(assessment, "Strong business-rule separation")
	} else if domainCoherence > 0.6 {
		assessment = append(assessment, "Good business-rule separation")
	} else {
		assessment = append(assessment, "Weak business-rule separation")
	}

	if semanticCoherence > 0.7 {
		assessment = append(assessment, "tight semantic grouping")
	} else if semanticCoherence > 0.45 {
		assessment = append(assessment, "moderate semantic grouping")
	} else {
		assessment = append(assessment, "loose semantic grouping")
	}

	if meanSize < 2 {
		assessment = append(assessment, "many micro-clusters")
	} else if meanSize > 10 {
		assessment = append(assessment, "very broad clusters")
	} else {
		assessment = append(assessment, "balanced cluster sizes")
	}

	return strings.Join(assessment, " with ")
}

// generateClusteringRecommendations produces actionable tuning advice from
// the run's metrics, in the same spirit as the quality assessment.
func generateClusteringRecommendations(result *HybridClusteringResult, cfg PipelineConfig) []string {
	var recommendations []string
	metrics := result.QualityMetrics

	if metrics.SemanticCoherence < 0.45 && metrics.SemanticCoherence > 0 {
		recommendations = append(recommendations, "Semantic coherence is low - consider raising mergeThreshold or reviewing signal descriptions for quality")
	}
	if len(result.FinalClusters) < cfg.MinTargetClusters {
		recommendations = append(recommendations, fmt.Sprintf("Only %d clusters produced - the batch may be too homogeneous for the [%d,%d] target; consider lowering minTargetClusters", len(result.FinalClusters), cfg.MinTargetClusters, cfg.MaxTargetClusters))
	}
	for _, fc := range result.FinalClusters {
		if fc.CatchAll {
			recommendations = append(recommendations, "A catch-all cluster was created - review its signals individually, they were compressed for consumability")
			break
		}
	}
	noiseCount := 0
	for _, dc := range result.DomainClusters {
		if dc.BusinessRelevance == RelevanceNoise {
			noiseCount++
		}
	}
	if noiseCount > 0 {
		recommendations = append(recommendations, fmt.Sprintf("%d domain clusters scored as noise - consider filtering low-impact signals before clustering", noiseCount))
	}

	if len(recommendations) == 0 {
		recommendations = append(recommendations, "Clustering quality looks good overall")
	}
	return recommendations
}

// printClusteringReport prints a human-readable summary of a run.
func printClusteringReport(result *HybridClusteringResult) {
	log.Println("=====================================")
	log.Println("   HYBRID CLUSTERING REPORT")
	log.Println("=====================================")
	log.Printf("Signals: %d → %d domain → %d refined → %d final clusters",
		result.InputSignalCount, len(result.DomainClusters), len(result.RefinedClusters), len(result.FinalClusters))
	log.Printf("Domain coherence: %.3f", result.QualityMetrics.DomainCoherence)
	log.Printf("Semantic coherence: %.3f", result.QualityMetrics.SemanticCoherence)
	log.Printf("Coverage: %.1f%%", result.QualityMetrics.CoverageRatio*100)
	for stage, elapsed := range result.StageProcessingTimes {
		log.Printf("Stage %s: %v", stage, elapsed)
	}

	log.Println("Final clusters:")
	for _, fc := range result.FinalClusters {
		log.Printf("  [%s] %s: %d signals, impact %.2f, %d action(s)",
			fc.BusinessRelevance, fc.Name, fc.SignalCount, fc.BusinessImpact.Overall, len(fc.RecommendedActions))
	}

	for _, warning := range result.Warnings {
		log.Printf("Warning: %s", warning)
	}
	for _, recommendation := range result.Recommendations {
		log.Printf("Recommendation: %s", recommendation)
	}
	log.Println("=====================================")
}
