package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

// RecoverAll rebuilds in-memory pipeline state from the durable projection
// for every active pipeline task. Call it once at startup, before reports
// are accepted. Recovered runs do not re-dispatch their current stage; the
// worker may still be running, and the sweep re-issues directives for runs
// that have gone quiet.
//
// Records whose current stage is not in their stored sequence are skipped
// and logged; such corruption is handled by the sweep parking the task.
func (o *Orchestrator) RecoverAll(ctx context.Context) error {
	tasks, err := o.db.ListPipelineTasks()
	if err != nil {
		return fmt.Errorf("listing pipeline tasks: %w", err)
	}

	recovered := 0
	for _, task := range tasks {
		ps, err := rebuildState(&task, o.cfg.TargetBranch(task.ProjectID))
		if err != nil {
			log.Printf("[pipeline] skipping recovery of task %s: %v", task.ID, err)
			continue
		}
		o.register(ps)
		recovered++
	}
	log.Printf("[pipeline] recovered %d of %d pipeline task(s)", recovered, len(tasks))
	return nil
}

// recoverTask rebuilds state for a single task on demand, used when a report
// arrives for a task with no in-memory run.
func (o *Orchestrator) recoverTask(taskID string) (*PipelineState, error) {
	task, err := o.db.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if !task.InPipeline() {
		return nil, fmt.Errorf("task %s is not in a pipeline", taskID)
	}
	ps, err := rebuildState(task, o.cfg.TargetBranch(task.ProjectID))
	if err != nil {
		return nil, err
	}
	o.register(ps)
	log.Printf("[pipeline] recovered task %s at stage %s", taskID, ps.CurrentStage())
	return ps, nil
}

// rebuildState reconstructs a run from a task record. Reports and the retry
// counter are not durable and start empty.
func rebuildState(task *models.Task, targetBranch string) (*PipelineState, error) {
	stages := make([]models.StageKey, len(task.PipelineStages))
	for i, s := range task.PipelineStages {
		key := models.StageKey(s)
		if !key.Valid() {
			return nil, fmt.Errorf("unknown stage %q in stored sequence", s)
		}
		stages[i] = key
	}

	ps := &PipelineState{
		TaskID:             task.ID,
		ProjectID:          task.ProjectID,
		IssueNumber:        task.IssueNumber,
		Repo:               task.Repo,
		Stages:             stages,
		LastKickbackSource: models.StageKey(task.KickbackFrom),
		StageReports:       make(map[models.StageKey]string),
		PRBranch:           task.Branch,
		PRNumber:           task.PRNumber,
		TargetBranch:       targetBranch,
	}

	idx := ps.stageIndex(models.StageKey(task.PipelineStage))
	if idx < 0 {
		return nil, fmt.Errorf("stored stage %q is not in sequence %v", task.PipelineStage, task.PipelineStages)
	}
	ps.CurrentStageIndex = idx
	ps.IsReReview = !ps.hasStage(models.StageCoder) && !isTriageOnly(stages)
	return ps, nil
}

// RunSweeper starts the periodic stale-work sweep in the background. It
// stops when ctx is cancelled or the orchestrator is closed.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stopSweep:
				return
			case <-ticker.C:
				o.Sweep(ctx)
			}
		}
	}()
}

// Sweep re-dispatches the current stage of every pipeline task that has not
// been updated within the staleness threshold. A stale task whose state
// cannot be rebuilt is parked in backlog.
func (o *Orchestrator) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-staleThreshold)
	tasks, err := o.db.ListStaleTasks(cutoff)
	if err != nil {
		log.Printf("[pipeline] listing stale tasks: %v", err)
		return
	}

	for _, task := range tasks {
		ps := o.lookup(task.ID)
		if ps == nil {
			ps, err = o.recoverTask(task.ID)
			if err != nil {
				log.Printf("[pipeline] sweep cannot recover task %s: %v", task.ID, err)
				if perr := o.parkInBacklog(ctx, task.ID, "pipeline stalled and its state could not be recovered"); perr != nil {
					log.Printf("[pipeline] sweep parking task %s: %v", task.ID, perr)
				}
				continue
			}
		}

		ps.mu.Lock()
		if ps.deleted {
			ps.mu.Unlock()
			continue
		}
		log.Printf("[pipeline] task %s stale at stage %s, re-dispatching", task.ID, ps.CurrentStage())
		// Stamp updated_at so the next sweep does not fire again
		// before the worker has had the full threshold to respond.
		if err := o.persistState(ps); err != nil {
			log.Printf("[pipeline] sweep persisting task %s: %v", task.ID, err)
		}
		if err := o.dispatchStage(ctx, ps, ""); err != nil {
			log.Printf("[pipeline] sweep re-dispatching task %s: %v", task.ID, err)
		}
		ps.mu.Unlock()
	}
}
