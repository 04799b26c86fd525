package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// concurrencyRefusalSignals identify a spawn failure caused by the executor
// having no free worker slots. Those failures back off three times longer
// than ordinary ones.
var concurrencyRefusalSignals = []string{
	"already running",
	"already working",
	"concurrency limit",
	"no available slot",
	"executor busy",
	"too many agents",
}

func isConcurrencyRefusal(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, s := range concurrencyRefusalSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// spawnBackoffDelay computes the wait before retry attempt n (1-based).
// Delays grow linearly with the attempt count.
func spawnBackoffDelay(attempt int, errMsg string) time.Duration {
	base := spawnBackoffBase
	if isConcurrencyRefusal(errMsg) {
		base = spawnBackoffBusyBase
	}
	return base * time.Duration(attempt)
}

// HandleSpawnFailure records a failed attempt to start a worker for a task's
// current stage and either schedules a delayed retry or, once retries are
// exhausted, ends the run. It is a no-op for tasks with no in-memory state:
// a spawn failure for an unknown run carries nothing worth recovering.
func (o *Orchestrator) HandleSpawnFailure(ctx context.Context, taskID, errMsg string) error {
	ps := o.lookup(taskID)
	if ps == nil {
		log.Printf("[pipeline] spawn failure for unknown task %s ignored: %s", taskID, errMsg)
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.deleted {
		return nil
	}
	return o.handleSpawnFailureLocked(ctx, ps, errMsg)
}

// handleSpawnFailureLocked implements the retry policy. Callers hold ps.mu.
func (o *Orchestrator) handleSpawnFailureLocked(ctx context.Context, ps *PipelineState, errMsg string) error {
	ps.SpawnRetryCount++
	stage := ps.CurrentStage()

	if ps.SpawnRetryCount <= maxSpawnRetries {
		delay := spawnBackoffDelay(ps.SpawnRetryCount, errMsg)
		log.Printf("[pipeline] spawn failure for task %s stage %s (attempt %d/%d), retrying in %s: %s",
			ps.TaskID, stage, ps.SpawnRetryCount, maxSpawnRetries, delay, errMsg)
		if err := o.persistState(ps); err != nil {
			return err
		}
		o.scheduleRetry(ps.TaskID, delay)
		return nil
	}

	// Retries exhausted.
	note := fmt.Sprintf("could not start a worker for the %s stage after %d attempts: %s", stage, maxSpawnRetries, errMsg)
	log.Printf("[pipeline] task %s: %s", ps.TaskID, note)
	o.comment(ctx, ps, "Pipeline halted: "+note)
	if ps.IsReReview {
		o.appendNote(ps.TaskID, note)
		o.endReReview(ps, false)
		return nil
	}
	o.remove(ps)
	return o.parkInBacklog(ctx, ps.TaskID, note)
}

// scheduleRetry arms a timer that re-dispatches the task's current stage.
// Any previously armed timer for the task is replaced.
func (o *Orchestrator) scheduleRetry(taskID string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if t, ok := o.timers[taskID]; ok {
		t.Stop()
	}
	o.timers[taskID] = time.AfterFunc(delay, func() { o.retryDispatch(taskID) })
}

// retryDispatch fires when a retry timer elapses. The run may have ended
// while the timer was pending, so its liveness is re-checked before the
// stage is dispatched again.
func (o *Orchestrator) retryDispatch(taskID string) {
	o.mu.Lock()
	delete(o.timers, taskID)
	ps := o.states[taskID]
	o.mu.Unlock()
	if ps == nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.deleted {
		return
	}
	if err := o.dispatchStage(context.Background(), ps, ""); err != nil {
		log.Printf("[pipeline] retry dispatch for task %s: %v", taskID, err)
	}
}
