package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/conveyor-dev/conveyor/internal/config"
	"github.com/conveyor-dev/conveyor/pkg/models"
)

// StartReReview launches a validation-only run over the project's enabled
// review stages, used before merging previously approved work. The coder
// stage is excluded; a review failure ends the run with a failed outcome
// instead of kicking back.
//
// When the project has no review stages enabled there is nothing to
// validate, and the run succeeds immediately.
func (o *Orchestrator) StartReReview(ctx context.Context, taskID string) error {
	task, err := o.db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	cfg := o.cfg.PipelineConfig(task.ProjectID)
	var stages []models.StageKey
	for _, s := range cfg.EnabledStages() {
		if s.IsReview() {
			stages = append(stages, s)
		}
	}
	if len(stages) == 0 {
		log.Printf("[pipeline] no review stages enabled for project %s, re-review of task %s passes vacuously", task.ProjectID, taskID)
		o.notifyReReview(taskID, true)
		return nil
	}

	ps := o.newState(task, stages)
	o.register(ps)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := o.persistState(ps); err != nil {
		return err
	}
	o.comment(ctx, ps, fmt.Sprintf("Re-review started: %s", formatSequence(stages)))
	return o.dispatchStage(ctx, ps, "")
}

// ResumeWithFeedback re-enters a task's pipeline at the coder stage to
// address human review feedback, regardless of where the task previously
// was. The feedback is stored under a reserved report key so the coder
// directive can surface it.
func (o *Orchestrator) ResumeWithFeedback(ctx context.Context, taskID, feedback string) error {
	task, err := o.db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	cfg := o.cfg.PipelineConfig(task.ProjectID)
	stages := cfg.EnabledStages()
	if len(stages) == 0 || !containsStage(stages, models.StageCoder) {
		return fmt.Errorf("project %s has no coder stage enabled, cannot resume task %s with feedback", task.ProjectID, taskID)
	}

	ps := o.newState(task, stages)
	ps.CurrentStageIndex = ps.stageIndex(models.StageCoder)
	ps.StageReports[feedbackReportKey] = feedback
	o.register(ps)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := o.persistState(ps); err != nil {
		return err
	}
	o.comment(ctx, ps, "Review feedback received, re-entering pipeline at the coder stage")
	log.Printf("[pipeline] task %s re-entering at coder with review feedback", taskID)
	return o.dispatchStage(ctx, ps, "")
}

// StartTriage classifies a task's source issue. In direct mode the
// classifier labels the issue inline; in agent mode (or when no classifier
// is configured) a one-stage triage pipeline is dispatched to a worker, and
// its completion is intercepted to label the issue rather than advance.
func (o *Orchestrator) StartTriage(ctx context.Context, taskID string) error {
	task, err := o.db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	cfg := o.cfg.PipelineConfig(task.ProjectID)
	if cfg.TriageMode() == config.TriageAgent || o.triage == nil {
		return o.startAgentTriage(ctx, task)
	}

	label, err := o.triage.ClassifyIssue(ctx, task.Title, task.Description)
	if err != nil {
		log.Printf("[pipeline] direct triage of task %s failed, falling back to agent triage: %v", taskID, err)
		return o.startAgentTriage(ctx, task)
	}
	if task.Repo != "" && task.IssueNumber > 0 {
		if err := o.tracker.AddLabels(ctx, task.Repo, task.IssueNumber, []string{label}); err != nil {
			return fmt.Errorf("labeling issue %s#%d: %w", task.Repo, task.IssueNumber, err)
		}
	}
	task.Summary = "triaged as " + label
	task.Placement = models.PlacementBacklog
	log.Printf("[pipeline] task %s triaged directly as %q", taskID, label)
	return o.db.UpdateTask(task)
}

func (o *Orchestrator) startAgentTriage(ctx context.Context, task *models.Task) error {
	ps := o.newState(task, []models.StageKey{models.StageTriage})
	o.register(ps)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := o.persistState(ps); err != nil {
		return err
	}
	log.Printf("[pipeline] task %s dispatched for agent triage", task.ID)
	return o.dispatchStage(ctx, ps, "")
}

func containsStage(stages []models.StageKey, key models.StageKey) bool {
	for _, s := range stages {
		if s == key {
			return true
		}
	}
	return false
}
