package opsignal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClusterEngine(cfg PipelineConfig, store ResultStore) *ClusterEngine {
	provider := NewCachingEmbeddingProvider(NewLocalEmbeddingProvider(64))
	return NewClusterEngine(cfg, provider, store)
}

// scenarioSignals builds three homogeneous groups of four signals each:
// compliance failures, client approval delays, and software crashes.
func scenarioSignals() []Signal {
	var signals []Signal
	for i := 0; i < 4; i++ {
		signals = append(signals, testSignal(
			fmt.Sprintf("qual-%d", i),
			fmt.Sprintf("Code compliance issue in egress drawings sheet %d", i),
			fmt.Sprintf("Code compliance issue found in the egress drawings on sheet %d, resubmit required", i),
			"Architecture", "HIGH"))
	}
	for i := 0; i < 4; i++ {
		signals = append(signals, testSignal(
			fmt.Sprintf("comm-%d", i),
			fmt.Sprintf("Waiting on client approval for package %d", i),
			fmt.Sprintf("Still waiting on client approval for revision package %d, work is blocked", i),
			"Project Management", "HIGH"))
	}
	for i := 0; i < 4; i++ {
		signals = append(signals, testSignal(
			fmt.Sprintf("tech-%d", i),
			fmt.Sprintf("Software crash on workstation %d", i),
			fmt.Sprintf("Software crash in revit on workstation %d, unsaved work lost", i),
			"IT", "HIGH"))
	}
	return signals
}

func assertPartitionComplete(t *testing.T, signals []Signal, clusters []FinalCluster) {
	t.Helper()
	seen := make(map[string]int)
	for _, fc := range clusters {
		for _, id := range fc.SignalIDs {
			seen[id]++
		}
	}
	for _, signal := range signals {
		assert.Equal(t, 1, seen[signal.ID], "signal %s should appear in exactly one cluster", signal.ID)
	}
	assert.Len(t, seen, len(signals))
}

func TestClusterThreeHomogeneousGroups(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.CacheEnabled = false
	engine := testClusterEngine(cfg, nil)
	signals := scenarioSignals()

	result, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Three homogeneous categories cannot be meaningfully stretched to the
	// four-cluster minimum; the engine accepts three and warns.
	require.Len(t, result.FinalClusters, 3)
	assert.NotEmpty(t, result.Warnings)

	assertPartitionComplete(t, signals, result.FinalClusters)

	causes := make(map[RootCause]bool)
	for _, fc := range result.FinalClusters {
		causes[fc.RootCause] = true
		assert.Contains(t, []BusinessRelevance{RelevanceHigh, RelevanceMedium}, fc.BusinessRelevance)
		assert.NotEmpty(t, fc.ExecutiveSummary)
		assert.NotEmpty(t, fc.RecommendedActions)
		assert.NotEmpty(t, fc.Stakeholders)
		assert.Equal(t, "UNREVIEWED", fc.ValidationStatus)
		assert.Equal(t, 4, fc.SignalCount)
	}
	assert.True(t, causes[RootCauseQuality])
	assert.True(t, causes[RootCauseCommunication])
	assert.True(t, causes[RootCauseTechnology])

	assert.Equal(t, 12, result.InputSignalCount)
	assert.Equal(t, 3, result.OutputClusterCount)
	assert.Greater(t, result.QualityMetrics.DomainCoherence, 0.5)
	assert.InDelta(t, 1.0, result.QualityMetrics.CoverageRatio, 1e-9)
}

func TestClusterRejectsTinyBatch(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.CacheEnabled = false
	engine := testClusterEngine(cfg, nil)

	var validationErr *ValidationError
	_, err := engine.Run(context.Background(), []Signal{testSignal("only", "Lone signal", "The only signal", "IT", "")}, false)
	require.ErrorAs(t, err, &validationErr)

	_, err = engine.Run(context.Background(), nil, false)
	require.ErrorAs(t, err, &validationErr)
}

func TestClusterCountCompression(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.CacheEnabled = false
	engine := testClusterEngine(cfg, nil)

	// Eight distinct domain groups of two signals each: one per root
	// cause plus an extra quality group in another department.
	groups := []struct {
		prefix      string
		title       string
		description string
		department  string
	}{
		{"proc", "No defined process for submittals", "No defined process for routing submittals, duplicate work", "Architecture"},
		{"res", "Understaffed team", "Understaffed team on the hospital project, constant overtime", "Structural"},
		{"comm", "No response from client", "No response from client on pending rfi items", "Project Management"},
		{"tech", "Software crash", "Software crash in revit, model corruption suspected", "IT"},
		{"train", "Lack of training", "Lack of training on bim standards for the new hire", "Mechanical"},
		{"qual", "Failed inspection", "Failed inspection on the slab pour, redline everywhere", "Civil"},
		{"ext", "Permit delay", "Permit delay at the jurisdiction plan check", "Electrical"},
		{"qual2", "Code compliance issue", "Code compliance issue in the egress drawings", "Interiors"},
	}

	var signals []Signal
	for _, group := range groups {
		for i := 0; i < 2; i++ {
			signals = append(signals, testSignal(
				fmt.Sprintf("%s-%d", group.prefix, i),
				fmt.Sprintf("%s %d", group.title, i),
				fmt.Sprintf("%s, occurrence %d", group.description, i),
				group.department, "HIGH"))
		}
	}

	result, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)
	require.True(t, result.Success)

	// Eight candidates compress into the configured maximum, with the
	// overflow pooled in an explicit catch-all cluster.
	require.Len(t, result.FinalClusters, cfg.MaxTargetClusters)
	assertPartitionComplete(t, signals, result.FinalClusters)

	catchAlls := 0
	for _, fc := range result.FinalClusters {
		if fc.CatchAll {
			catchAlls++
			assert.Equal(t, "Mixed Operational Issues", fc.Name)
			assert.Equal(t, RelevanceLow, fc.BusinessRelevance)
			assert.GreaterOrEqual(t, fc.SignalCount, 2)
		}
	}
	assert.Equal(t, 1, catchAlls)
}

func TestDomainPreClusterProtectedCategories(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.CacheEnabled = false
	engine := testClusterEngine(cfg, nil)

	// Two small process groups in different departments plus a small
	// quality group.
	signals := []Signal{
		testSignal("p1", "No defined process for submittals", "No defined process for submittal routing", "Architecture", "HIGH"),
		testSignal("p2", "No defined process for submittals again", "No defined process for the submittal handoff", "Architecture", "HIGH"),
		testSignal("p3", "Process breakdown in closeout", "Process breakdown in the closeout checklist", "Civil", "HIGH"),
		testSignal("p4", "Process breakdown in closeout again", "Process breakdown in the closeout handoff", "Civil", "HIGH"),
		testSignal("q1", "Failed inspection", "Failed inspection on the slab, redline comments", "Structural", "HIGH"),
		testSignal("q2", "Failed inspection again", "Failed inspection on the deck, redline comments", "Structural", "HIGH"),
	}

	result, err := engine.Run(context.Background(), signals, false)
	require.NoError(t, err)

	var processClusters, qualityClusters []DomainCluster
	for _, dc := range result.DomainClusters {
		switch dc.RootCause {
		case RootCauseProcess:
			processClusters = append(processClusters, dc)
		case RootCauseQuality:
			qualityClusters = append(qualityClusters, dc)
		}
	}

	// The small process groups consolidate into one cluster; the quality
	// group keeps its own cluster and never absorbs foreign signals.
	require.Len(t, processClusters, 1)
	assert.Len(t, processClusters[0].SignalIDs, 4)
	assert.Equal(t, "mixed", processClusters[0].Department)

	require.Len(t, qualityClusters, 1)
	assert.ElementsMatch(t, []string{"q1", "q2"}, qualityClusters[0].SignalIDs)
}

func TestClusterRunDeterministic(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.CacheEnabled = false
	signals := scenarioSignals()

	membership := func(result *HybridClusteringResult) [][]string {
		var out [][]string
		for _, fc := range result.FinalClusters {
			out = append(out, fc.SignalIDs)
		}
		return out
	}

	first, err := testClusterEngine(cfg, nil).Run(context.Background(), signals, false)
	require.NoError(t, err)
	second, err := testClusterEngine(cfg, nil).Run(context.Background(), signals, false)
	require.NoError(t, err)

	assert.Equal(t, membership(first), membership(second))
	assert.Equal(t, first.QualityMetrics, second.QualityMetrics)
}

func TestRefineClusterRespectsSubClusterCap(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.MergeThreshold = 0.999 // practically no merging
	engine := testClusterEngine(cfg, nil)
	classifier := NewClassifier(cfg)
	featureEngine := NewFeatureEngine(cfg, NewLocalEmbeddingProvider(64))

	var ids []string
	features := make(map[string]*ClusteringFeatures)
	for i := 0; i < 9; i++ {
		signal := testSignal(
			fmt.Sprintf("s%d", i),
			fmt.Sprintf("Software crash variant %d", i),
			fmt.Sprintf("Completely different description number %d with unique words %d", i, i*7),
			"IT", "HIGH")
		features[signal.ID] = featureEngine.GenerateFeatures(context.Background(), signal, classifier.Classify(signal))
		ids = append(ids, signal.ID)
	}

	refined := engine.refineCluster(DomainCluster{
		RootCause: RootCauseTechnology, Department: "it", UrgencyBucket: "elevated", SignalIDs: ids,
	}, features)

	// With merging suppressed the cap folds everything into at most
	// MaxSubClusters groups without losing a signal.
	assert.LessOrEqual(t, len(refined.SubClusters), cfg.MaxSubClusters)
	total := 0
	for _, sub := range refined.SubClusters {
		total += len(sub)
	}
	assert.Equal(t, len(ids), total)
}

func TestRunStageRecoversPanics(t *testing.T) {
	var stageErr *StageFailure
	err := runStage("semantic_refinement", func() { panic("index out of range") })
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "semantic_refinement", stageErr.Stage)

	require.NoError(t, runStage("noop", func() {}))
}

func TestUrgencyBuckets(t *testing.T) {
	assert.Equal(t, "elevated", urgencyBucket(UrgencyCritical))
	assert.Equal(t, "elevated", urgencyBucket(UrgencyHigh))
	assert.Equal(t, "routine", urgencyBucket(UrgencyMedium))
	assert.Equal(t, "routine", urgencyBucket(UrgencyLow))
}
