package models

// StageKey names one phase of a pipeline run.
type StageKey string

const (
	// StageTriage classifies a fresh issue. It runs as a degenerate
	// one-stage pipeline when triage is routed through an executor.
	StageTriage StageKey = "triage"
	// StageCoder is the implementation stage. Kickbacks land here.
	StageCoder StageKey = "coder"
	// StageSecurity reviews the change for security findings.
	StageSecurity StageKey = "security"
	// StageTester exercises the change with tests.
	StageTester StageKey = "tester"
	// StageReviewer performs the final code review.
	StageReviewer StageKey = "reviewer"
)

// ImplementationStages is the canonical implementation-phase stage order.
// A project's enabled sequence is this list minus explicitly disabled stages.
var ImplementationStages = []StageKey{StageCoder, StageSecurity, StageTester, StageReviewer}

// ReviewStages are the stages that can kick work back to the coder stage.
var ReviewStages = []StageKey{StageSecurity, StageTester, StageReviewer}

// Valid returns true if the key names a known stage.
func (k StageKey) Valid() bool {
	switch k {
	case StageTriage, StageCoder, StageSecurity, StageTester, StageReviewer:
		return true
	default:
		return false
	}
}

// IsReview returns true for review-type stages. A FAIL verdict from a
// review stage kicks the run back to the coder stage instead of aborting.
func (k StageKey) IsReview() bool {
	switch k {
	case StageSecurity, StageTester, StageReviewer:
		return true
	default:
		return false
	}
}
