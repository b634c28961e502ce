package opsignal

// RootCause is the primary causal category assigned to a signal.
type RootCause string

const (
	RootCauseProcess       RootCause = "PROCESS"
	RootCauseResource      RootCause = "RESOURCE"
	RootCauseCommunication RootCause = "COMMUNICATION"
	RootCauseTechnology    RootCause = "TECHNOLOGY"
	RootCauseTraining      RootCause = "TRAINING"
	RootCauseQuality       RootCause = "QUALITY"
	RootCauseExternal      RootCause = "EXTERNAL"
)

// RootCauses lists every category in canonical order. Vector layouts and
// iteration order depend on this slice; do not reorder.
var RootCauses = []RootCause{
	RootCauseProcess,
	RootCauseResource,
	RootCauseCommunication,
	RootCauseTechnology,
	RootCauseTraining,
	RootCauseQuality,
	RootCauseExternal,
}

// Valid reports whether rc is a known category.
func (rc RootCause) Valid() bool {
	for _, known := range RootCauses {
		if rc == known {
			return true
		}
	}
	return false
}

// Index returns the position of rc in RootCauses, or -1.
func (rc RootCause) Index() int {
	for i, known := range RootCauses {
		if rc == known {
			return i
		}
	}
	return -1
}

// DomainRule is one keyword-scoring rule for a root-cause category.
// Scoring: strong indicator matches count 3 points each, keyword matches 1
// point each (amplified by the strongest contextual boost present in the
// text), and each exclusion term present halves the raw score.
type DomainRule struct {
	RootCause        RootCause
	BaseWeight       float64
	Keywords         []string
	StrongIndicators []string
	ContextBoosts    map[string]float64
	Exclusions       []string
}

// DomainRules is the rule table for an architecture & engineering firm's
// operational vocabulary. Tuned by hand against reported signals; the
// thresholds live in PipelineConfig so they can be recalibrated without
// touching this table.
var DomainRules = []DomainRule{
	{
		RootCause:  RootCauseProcess,
		BaseWeight: 1.0,
		Keywords: []string{
			"workflow", "process", "procedure", "handoff", "bottleneck",
			"rework", "checklist", "submittal", "change order", "sign-off",
			"approval chain", "routing", "duplicate work", "manual entry",
		},
		StrongIndicators: []string{
			"process breakdown", "workflow bottleneck", "approval process delay",
			"no defined process",
		},
		ContextBoosts: map[string]float64{
			"every time": 1.5,
			"repeatedly": 1.4,
			"manual":     1.3,
		},
		Exclusions: []string{"crash", "server down"},
	},
	{
		RootCause:  RootCauseResource,
		BaseWeight: 1.0,
		Keywords: []string{
			"staffing", "headcount", "overtime", "capacity", "workload",
			"understaffed", "allocation", "burnout", "hiring", "availability",
			"bandwidth", "overbooked", "budget pressure",
		},
		StrongIndicators: []string{
			"resource shortage", "understaffed team", "not enough staff",
			"budget overrun",
		},
		ContextBoosts: map[string]float64{
			"deadline":      1.4,
			"overallocated": 1.5,
		},
		Exclusions: []string{"training session", "software license"},
	},
	{
		RootCause:  RootCauseCommunication,
		BaseWeight: 1.0,
		Keywords: []string{
			"email", "meeting", "response", "notification", "clarification",
			"rfi", "stakeholder", "expectations", "misunderstanding",
			"client approval", "follow-up", "status update", "unclear direction",
		},
		StrongIndicators: []string{
			"client approval delay", "no response from client",
			"miscommunication with client", "waiting on client approval",
		},
		ContextBoosts: map[string]float64{
			"urgent":  1.3,
			"blocked": 1.4,
		},
		Exclusions: []string{"crash", "corrupted"},
	},
	{
		RootCause:  RootCauseTechnology,
		BaseWeight: 1.0,
		Keywords: []string{
			"software", "server", "license", "crash", "cad", "bim", "revit",
			"autocad", "plotter", "network", "vpn", "sync", "corrupted",
			"outage", "upgrade", "it support",
		},
		StrongIndicators: []string{
			"software crash", "system outage", "license server down",
			"model corruption",
		},
		ContextBoosts: map[string]float64{
			"blocking":  1.5,
			"data loss": 1.6,
		},
		Exclusions: []string{"training class"},
	},
	{
		RootCause:  RootCauseTraining,
		BaseWeight: 1.0,
		Keywords: []string{
			"training", "onboarding", "mentoring", "unfamiliar", "certification",
			"skills", "learning curve", "new hire", "knowledge transfer",
			"documentation gap",
		},
		StrongIndicators: []string{
			"lack of training", "knowledge gap", "no onboarding",
			"never been trained",
		},
		ContextBoosts: map[string]float64{
			"junior":    1.4,
			"new staff": 1.3,
		},
		Exclusions: []string{"license server"},
	},
	{
		RootCause:  RootCauseQuality,
		BaseWeight: 1.0,
		Keywords: []string{
			"defect", "redline", "qa", "qc", "review comments", "inspection",
			"drawing errors", "dimension", "tolerance", "spec deviation",
			"compliance", "code review", "resubmit", "punch list",
		},
		StrongIndicators: []string{
			"code compliance issue", "failed inspection",
			"quality control failure", "drawing does not meet code",
		},
		ContextBoosts: map[string]float64{
			"client complaint": 1.5,
			"resubmitted":      1.4,
		},
		Exclusions: []string{"software update"},
	},
	{
		RootCause:  RootCauseExternal,
		BaseWeight: 1.0,
		Keywords: []string{
			"vendor", "contractor", "permit", "jurisdiction", "city",
			"utility", "weather", "supplier", "consultant", "authority",
			"third party", "subcontractor",
		},
		StrongIndicators: []string{
			"permit delay", "vendor failure", "contractor default",
			"jurisdiction review delay",
		},
		ContextBoosts: map[string]float64{
			"outside our control": 1.5,
		},
		Exclusions: []string{"internal process"},
	},
}

// Urgency levels used in business context and stage-1 bucketing.
const (
	UrgencyCritical = "CRITICAL"
	UrgencyHigh     = "HIGH"
	UrgencyMedium   = "MEDIUM"
	UrgencyLow      = "LOW"
)

// Keyword tables for business-context inference. Each attribute is looked up
// independently; explicit signal metadata overrides the text-derived value.
var urgencyKeywords = map[string][]string{
	UrgencyCritical: {"immediately", "critical", "emergency", "blocking", "work stoppage", "showstopper"},
	UrgencyHigh:     {"urgent", "asap", "deadline", "overdue", "escalate"},
	UrgencyLow:      {"minor", "whenever", "low priority", "nice to have", "eventually"},
}

var projectPhaseKeywords = map[string][]string{
	"SCHEMATIC_DESIGN":            {"schematic", "sd phase", "concept design"},
	"DESIGN_DEVELOPMENT":          {"design development", "dd phase", "dd set"},
	"CONSTRUCTION_DOCUMENTS":      {"construction documents", "cd phase", "cd set", "drawing set"},
	"BIDDING":                     {"bid", "bidding", "tender", "procurement"},
	"PERMITTING":                  {"permit", "permitting", "jurisdiction", "plan check"},
	"CONSTRUCTION_ADMINISTRATION": {"construction administration", "ca phase", "site visit", "field report", "punch list"},
	"CLOSEOUT":                    {"closeout", "as-built", "final inspection", "handover"},
}

var clientTierKeywords = map[string][]string{
	"KEY":      {"key client", "major client", "flagship", "strategic account", "vip"},
	"STANDARD": {"client", "owner", "customer"},
	"INTERNAL": {"internal", "in-house", "our own"},
}

var departmentPriorityKeywords = map[string][]string{
	"HIGH":   {"billable", "client-facing", "revenue", "contract deliverable"},
	"MEDIUM": {"support", "coordination"},
	"LOW":    {"administrative", "housekeeping"},
}

// departmentPriorities maps known department names to a default priority,
// consulted when the text carries no priority keyword.
var departmentPriorities = map[string]string{
	"architecture":       "HIGH",
	"structural":         "HIGH",
	"mechanical":         "HIGH",
	"electrical":         "HIGH",
	"civil":              "HIGH",
	"interiors":          "MEDIUM",
	"project management": "HIGH",
	"administration":     "LOW",
	"it":                 "MEDIUM",
}

// Departments is the canonical one-hot layout for department features.
// Unrecognized departments fall into the trailing unknown slot.
var Departments = []string{
	"architecture", "structural", "mechanical", "electrical", "civil",
	"interiors", "project management", "administration", "it", "unknown",
}

// ProjectPhases is the canonical one-hot layout for project-phase features.
var ProjectPhases = []string{
	"SCHEMATIC_DESIGN", "DESIGN_DEVELOPMENT", "CONSTRUCTION_DOCUMENTS",
	"BIDDING", "PERMITTING", "CONSTRUCTION_ADMINISTRATION", "CLOSEOUT",
	"UNKNOWN",
}

// UrgencyLevels is the canonical one-hot layout for urgency features.
var UrgencyLevels = []string{UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical}

// domainTerminology is the A&E vocabulary used for the terminology-density
// metric and the terminology pseudo-embedding.
var domainTerminology = []string{
	"rfi", "submittal", "redline", "punch list", "change order", "as-built",
	"spec", "drawing", "revit", "bim", "cad", "permit", "inspection",
	"schematic", "consultant", "contractor", "site visit", "plan check",
	"code", "tolerance", "load", "mep", "elevation", "detail",
}

// Never-merge categories keep their own clusters in stage 1 even when small;
// high-merge-priority categories get consolidated instead.
var neverMergeRootCauses = map[RootCause]bool{
	RootCauseQuality:       true,
	RootCauseCommunication: true,
	RootCauseTechnology:    true,
}

var highMergePriorityRootCauses = map[RootCause]bool{
	RootCauseProcess:  true,
	RootCauseResource: true,
}

// splitThresholds caps the size of a stage-1 cluster per root cause before
// it is split along project phase and client tier.
var splitThresholds = map[RootCause]int{
	RootCauseQuality:    6,
	RootCauseTechnology: 8,
}

const defaultSplitThreshold = 10
