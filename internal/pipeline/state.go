// Package pipeline implements the stage orchestrator: per-task pipeline
// state, stage transitions driven by worker reports, spawn-failure retries
// with backoff, recovery from durable storage, and stale-work sweeping.
package pipeline

import (
	"sync"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

// feedbackReportKey is the reserved report key holding review feedback on a
// re-entry run.
const feedbackReportKey = "review-feedback"

// PipelineState is the in-memory state of one task's pipeline run. It is
// rehydrated from the durable projection on the task record, not itself the
// system of record.
//
// StageReports is deliberately not durable: a run recovered after a process
// restart starts with an empty report map and zeroed counters. Prior stage
// context is lost on recovery by design.
type PipelineState struct {
	TaskID    string
	ProjectID string

	// IssueNumber and Repo are the optional tracker linkage (0/"" for
	// tasks that did not originate from the tracker).
	IssueNumber int
	Repo        string

	// Stages is the enabled stage sequence, fixed at pipeline start.
	// Kickback moves CurrentStageIndex; it never mutates the sequence.
	Stages []models.StageKey

	// CurrentStageIndex satisfies 0 <= index < len(Stages) while the run
	// is active; index == len(Stages) means the run completed and the
	// state is deleted.
	CurrentStageIndex int

	// SpawnRetryCount resets to 0 whenever a stage is entered fresh and
	// increments only on spawn failure.
	SpawnRetryCount int

	// LastKickbackSource is the review stage that most recently kicked
	// the run back to the coder stage ("" if none).
	LastKickbackSource models.StageKey

	// StageReports maps stage key to its worker report, append-only
	// during a run.
	StageReports map[models.StageKey]string

	// PRBranch, PRNumber and TargetBranch are branch/PR linkage, resolved
	// lazily as stages report them.
	PRBranch     string
	PRNumber     int
	TargetBranch string

	// IsReReview marks a run whose sequence excludes the coder stage,
	// used for post-merge-request re-validation.
	IsReReview bool

	// mu serializes the three triggers that can touch this state: a
	// completion report, a spawn-failure notice, and the sweep.
	mu sync.Mutex
	// deleted marks a state that was removed from the orchestrator map
	// while a handler was waiting on mu. Handlers ignore deleted states.
	deleted bool
}

// CurrentStage returns the stage key at the current index.
func (ps *PipelineState) CurrentStage() models.StageKey {
	return ps.Stages[ps.CurrentStageIndex]
}

// stageIndex returns the position of a stage in the sequence, or -1.
func (ps *PipelineState) stageIndex(key models.StageKey) int {
	for i, s := range ps.Stages {
		if s == key {
			return i
		}
	}
	return -1
}

// hasStage returns true if the sequence contains the stage.
func (ps *PipelineState) hasStage(key models.StageKey) bool {
	return ps.stageIndex(key) >= 0
}
