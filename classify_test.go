package opsignal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignal(id, title, description, department, severity string) Signal {
	return Signal{
		ID:          id,
		Title:       title,
		Description: description,
		Department:  department,
		Severity:    severity,
	}
}

func TestClassifyDeterministic(t *testing.T) {
	classifier := NewClassifier(DefaultPipelineConfig())
	signal := testSignal("s1", "Software crash during deadline",
		"Revit software crash lost two hours of work on the CD set", "Architecture", "HIGH")

	first := classifier.Classify(signal)
	second := classifier.Classify(signal)
	assert.Equal(t, first, second)
}

func TestClassifyStrongIndicators(t *testing.T) {
	cases := []struct {
		title       string
		description string
		want        RootCause
	}{
		{"Approval routing broken", "Complete process breakdown in the submittal workflow, rework every time", RootCauseProcess},
		{"No defined process for change orders", "Change order handoff has no defined process, duplicate work results", RootCauseProcess},
		{"Team stretched thin", "Resource shortage on the hospital project, overtime every week", RootCauseResource},
		{"Understaffed team on deadline", "Understaffed team cannot meet the deadline, workload is unsustainable", RootCauseResource},
		{"Client gone quiet", "No response from client on the DD set, follow-up emails ignored", RootCauseCommunication},
		{"Waiting on client approval", "Still waiting on client approval for the facade revisions, project blocked", RootCauseCommunication},
		{"Revit keeps dying", "Software crash in Revit twice today, model corruption suspected", RootCauseTechnology},
		{"License server down", "License server down again, whole cad team blocking on it", RootCauseTechnology},
		{"New hires lost", "Lack of training on the bim standards, new hire has never been trained", RootCauseTraining},
		{"Knowledge gap on detailing", "Knowledge gap in the team on curtain wall detailing, no onboarding", RootCauseTraining},
		{"Failed inspection on site", "Failed inspection for the structural slab, redline comments everywhere", RootCauseQuality},
		{"Code compliance issue found", "Code compliance issue in the egress drawings, resubmit required", RootCauseQuality},
		{"Permit stuck at the city", "Permit delay at the jurisdiction, plan check taking months", RootCauseExternal},
		{"Vendor let us down", "Vendor failure on the steel package, contractor escalating", RootCauseExternal},
	}

	classifier := NewClassifier(DefaultPipelineConfig())
	correct := 0
	for i, tc := range cases {
		signal := testSignal(fmt.Sprintf("s%d", i), tc.title, tc.description, "Architecture", "")
		result := classifier.Classify(signal)
		if result.RootCause == tc.want && result.Confidence >= 0.6 {
			correct++
		} else {
			t.Logf("signal %q classified as %s (%.2f), want %s", tc.title, result.RootCause, result.Confidence, tc.want)
		}
	}

	// Signals with strong indicators should classify correctly with
	// high confidence at least 90% of the time.
	require.GreaterOrEqual(t, float64(correct)/float64(len(cases)), 0.9)
}

func TestClassifyDefaultFallback(t *testing.T) {
	cfg := DefaultPipelineConfig()
	classifier := NewClassifier(cfg)

	for _, signal := range []Signal{
		testSignal("empty", "", "", "", ""),
		testSignal("garbage", "xyzzy plugh", "qwerty asdf zxcv", "", ""),
		testSignal("vague", "Something feels off", "Not sure what is wrong lately", "", ""),
	} {
		result := classifier.Classify(signal)
		assert.Equal(t, cfg.DefaultRootCause, result.RootCause, "signal %s", signal.ID)
		assert.Equal(t, cfg.DefaultConfidence, result.Confidence, "signal %s", signal.ID)
		assert.True(t, result.AIEnhancementNeeded, "signal %s", signal.ID)
		assert.Empty(t, result.RuleMatches, "signal %s", signal.ID)
	}
}

func TestClassifyConfidenceCap(t *testing.T) {
	classifier := NewClassifier(DefaultPipelineConfig())
	signal := testSignal("loaded", "Software crash and system outage",
		"Software crash, system outage, license server down, model corruption, revit cad bim network vpn all broken", "IT", "CRITICAL")

	result := classifier.Classify(signal)
	assert.Equal(t, RootCauseTechnology, result.RootCause)
	assert.LessOrEqual(t, result.Confidence, 0.95)
}

func TestClassifyRecordsAlternatives(t *testing.T) {
	classifier := NewClassifier(DefaultPipelineConfig())
	// Strong technology and communication evidence in the same signal.
	signal := testSignal("multi", "Software crash while waiting on client approval",
		"Software crash blocked the drawing set, and we are still waiting on client approval for the rfi response", "Architecture", "")

	result := classifier.Classify(signal)
	require.NotEmpty(t, result.RuleMatches)
	assert.LessOrEqual(t, len(result.RuleMatches), 3)
	assert.Equal(t, result.RootCause, result.RuleMatches[0].RootCause)
	for i := 1; i < len(result.RuleMatches); i++ {
		assert.GreaterOrEqual(t, result.RuleMatches[i-1].Score, result.RuleMatches[i].Score)
	}
}

func TestBusinessContextSeverityOverride(t *testing.T) {
	classifier := NewClassifier(DefaultPipelineConfig())

	// Text suggests low urgency, metadata says critical. Metadata wins.
	signal := testSignal("ov", "Minor annoyance in plotting",
		"Minor issue, low priority, whenever someone gets a chance", "Architecture", "CRITICAL")
	result := classifier.Classify(signal)
	assert.Equal(t, UrgencyCritical, result.BusinessContext.UrgencyLevel)

	// Without metadata the text keywords decide.
	signal.Severity = ""
	result = classifier.Classify(signal)
	assert.Equal(t, UrgencyLow, result.BusinessContext.UrgencyLevel)
}

func TestBusinessContextInference(t *testing.T) {
	classifier := NewClassifier(DefaultPipelineConfig())
	signal := testSignal("ctx", "Permit delay for key client",
		"Permit delay at plan check is urgent, our key client tower is in permitting", "Civil", "")

	result := classifier.Classify(signal)
	assert.Equal(t, "PERMITTING", result.BusinessContext.ProjectPhase)
	assert.Equal(t, "KEY", result.BusinessContext.ClientTier)
	assert.Equal(t, UrgencyHigh, result.BusinessContext.UrgencyLevel)
}

func TestBusinessContextDepartmentPriorityFallback(t *testing.T) {
	classifier := NewClassifier(DefaultPipelineConfig())
	signal := testSignal("dp", "Plotter out of toner",
		"Plotter needs toner replacement again", "Administration", "")

	result := classifier.Classify(signal)
	assert.Equal(t, "LOW", result.BusinessContext.DepartmentPriority)
}

func TestExclusionPenalty(t *testing.T) {
	classifier := NewClassifier(DefaultPipelineConfig())

	// "crash" is an exclusion for the process rule; the same workflow
	// vocabulary should score lower when it appears.
	withCrash := classifier.scoreRule(DomainRules[0], "handoff crash")
	without := classifier.scoreRule(DomainRules[0], "handoff")
	assert.Less(t, withCrash.Score, without.Score)
}
