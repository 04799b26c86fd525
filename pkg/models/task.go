package models

import "time"

// Placement represents the board column a task currently occupies.
type Placement string

const (
	// PlacementBacklog indicates the task is waiting for (re)triage or was
	// exited from the pipeline.
	PlacementBacklog Placement = "backlog"
	// PlacementActive indicates the task is being worked by the pipeline.
	PlacementActive Placement = "active"
	// PlacementAwaitingReview indicates pipeline work finished and a pull
	// request is waiting on the merge subsystem.
	PlacementAwaitingReview Placement = "awaiting-review"
	// PlacementDone indicates the task completed with no pull request to merge.
	PlacementDone Placement = "done"
)

// Valid returns true if the placement is a known value.
func (p Placement) Valid() bool {
	switch p {
	case PlacementBacklog, PlacementActive, PlacementAwaitingReview, PlacementDone:
		return true
	default:
		return false
	}
}

// Task represents a unit of work flowing through the pipeline.
// The pipeline-related fields (PipelineStage, PipelineStages, SpawnRetries,
// KickbackFrom, Branch, PRNumber) are the durable projection of the
// orchestrator's in-memory state: they are written synchronously on every
// stage transition so the pipeline can always be rebuilt from the last
// committed transition.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID identifies the owning project.
	ProjectID string `json:"project_id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Placement is the board column the task occupies.
	Placement Placement `json:"placement"`
	// IssueNumber links the task to a tracker issue (0 if none).
	IssueNumber int `json:"issue_number,omitempty"`
	// Repo is the tracker repository the issue lives in ("" if none).
	Repo string `json:"repo,omitempty"`
	// PipelineStage is the stage key currently being worked ("" when the
	// task is not in a pipeline).
	PipelineStage string `json:"pipeline_stage,omitempty"`
	// PipelineStages is the enabled stage sequence for the current run,
	// fixed at pipeline start.
	PipelineStages []string `json:"pipeline_stages,omitempty"`
	// SpawnRetries counts consecutive executor spawn failures for the
	// current stage.
	SpawnRetries int `json:"spawn_retries,omitempty"`
	// KickbackFrom is the review stage that most recently sent the task
	// back to the coder stage ("" if none).
	KickbackFrom string `json:"kickback_from,omitempty"`
	// Branch is the working branch for this run, resolved lazily.
	Branch string `json:"branch,omitempty"`
	// PRNumber is the pull request opened for this run (0 if none).
	PRNumber int `json:"pr_number,omitempty"`
	// Assignee is the executor currently assigned to the task.
	Assignee string `json:"assignee,omitempty"`
	// Summary is the aggregated per-stage report text written when a
	// pipeline run completes ("" until then).
	Summary string `json:"summary,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task record was last mutated. The stale-work
	// sweep uses this to detect dead executors.
	UpdatedAt time.Time `json:"updated_at"`
}

// InPipeline returns true if the task has a recorded pipeline stage.
func (t *Task) InPipeline() bool {
	return t.PipelineStage != ""
}
