package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

func TestSpawnBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		errMsg  string
		want    time.Duration
	}{
		{"first ordinary failure", 1, "template not found", 10 * time.Second},
		{"third ordinary failure", 3, "template not found", 30 * time.Second},
		{"first concurrency refusal", 1, "agent already running for project", 30 * time.Second},
		{"second concurrency refusal", 2, "concurrency limit reached", 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := spawnBackoffDelay(tt.attempt, tt.errMsg); got != tt.want {
				t.Errorf("spawnBackoffDelay(%d, %q) = %v, want %v", tt.attempt, tt.errMsg, got, tt.want)
			}
		})
	}
}

func TestConcurrencyRefusalBacksOffThreeTimesLonger(t *testing.T) {
	for attempt := 1; attempt <= maxSpawnRetries; attempt++ {
		busy := spawnBackoffDelay(attempt, "executor busy")
		plain := spawnBackoffDelay(attempt, "disk full")
		if busy != 3*plain {
			t.Errorf("attempt %d: busy backoff %v is not 3x plain backoff %v", attempt, busy, plain)
		}
	}
}

func TestSpawnFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.start(t, task.ID)

	if err := env.orch.HandleSpawnFailure(context.Background(), task.ID, "template not found"); err != nil {
		t.Fatalf("handling spawn failure: %v", err)
	}

	got := env.mustGetTask(t, task.ID)
	if got.SpawnRetries != 1 {
		t.Errorf("spawn retries = %d, want 1", got.SpawnRetries)
	}
	if got.Placement != models.PlacementActive {
		t.Errorf("placement = %s, want %s while retrying", got.Placement, models.PlacementActive)
	}

	env.orch.mu.Lock()
	_, armed := env.orch.timers[task.ID]
	env.orch.mu.Unlock()
	if !armed {
		t.Error("no retry timer armed")
	}
}

func TestSpawnRetryExhaustionParksTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	task.Assignee = "worker-1"
	if err := env.db.UpdateTask(task); err != nil {
		t.Fatalf("updating task: %v", err)
	}
	env.start(t, task.ID)

	for i := 0; i < maxSpawnRetries+1; i++ {
		if err := env.orch.HandleSpawnFailure(context.Background(), task.ID, "template not found"); err != nil {
			t.Fatalf("handling spawn failure %d: %v", i+1, err)
		}
	}

	got := env.mustGetTask(t, task.ID)
	if got.Placement != models.PlacementBacklog {
		t.Errorf("placement = %s, want %s after exhaustion", got.Placement, models.PlacementBacklog)
	}
	if got.PipelineStage != "" {
		t.Errorf("stage = %q, want empty after exhaustion", got.PipelineStage)
	}
	if got.Assignee != "" {
		t.Errorf("assignee = %q, want empty after exhaustion", got.Assignee)
	}
	if !strings.Contains(got.Description, "could not start a worker") {
		t.Error("description missing failure note")
	}
	if env.orch.lookup(task.ID) != nil {
		t.Error("state still registered after exhaustion")
	}
}

func TestSpawnRetryCountResetsOnStageEntry(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.start(t, task.ID)

	if err := env.orch.HandleSpawnFailure(context.Background(), task.ID, "template not found"); err != nil {
		t.Fatalf("handling spawn failure: %v", err)
	}
	env.advance(t, task.ID, "implemented\nVERDICT: PASS")

	got := env.mustGetTask(t, task.ID)
	if got.SpawnRetries != 0 {
		t.Errorf("spawn retries = %d, want 0 after advancing to a fresh stage", got.SpawnRetries)
	}
}

func TestSpawnExhaustionOnReReviewReportsFailure(t *testing.T) {
	rec := newReReviewRecorder()
	env := newTestEnv(t, WithReReviewCallback(rec.callback))
	task := env.createTask(t)
	task.Placement = models.PlacementAwaitingReview
	if err := env.db.UpdateTask(task); err != nil {
		t.Fatalf("updating task: %v", err)
	}
	if err := env.orch.StartReReview(context.Background(), task.ID); err != nil {
		t.Fatalf("starting re-review: %v", err)
	}

	for i := 0; i < maxSpawnRetries+1; i++ {
		if err := env.orch.HandleSpawnFailure(context.Background(), task.ID, "executor busy"); err != nil {
			t.Fatalf("handling spawn failure %d: %v", i+1, err)
		}
	}

	passed, ok := rec.result(task.ID)
	if !ok {
		t.Fatal("callback not invoked")
	}
	if passed {
		t.Error("callback reported pass, want failure")
	}
	got := env.mustGetTask(t, task.ID)
	if got.Placement != models.PlacementAwaitingReview {
		t.Errorf("placement = %s, re-review exhaustion must not move the task", got.Placement)
	}
}

func TestSpawnFailureForUnknownTaskIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	if err := env.orch.HandleSpawnFailure(context.Background(), "no-such-task", "boom"); err != nil {
		t.Fatalf("HandleSpawnFailure() = %v, want nil for unknown task", err)
	}
}

func TestAdvanceReroutesSpawnFailureReport(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.start(t, task.ID)

	env.advance(t, task.ID, "SPAWN_FAILURE: executor rejected the template")

	got := env.mustGetTask(t, task.ID)
	if got.SpawnRetries != 1 {
		t.Errorf("spawn retries = %d, want 1 after rerouted failure report", got.SpawnRetries)
	}
	if got.PipelineStage != string(models.StageCoder) {
		t.Errorf("stage = %q, want coder (no advance on spawn failure)", got.PipelineStage)
	}
}

func TestRetryDispatchSkipsEndedRun(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.start(t, task.ID)
	sentBefore := len(env.bus.messages())

	ps := env.orch.lookup(task.ID)
	ps.mu.Lock()
	env.orch.remove(ps)
	ps.mu.Unlock()

	env.orch.retryDispatch(task.ID)

	if got := len(env.bus.messages()); got != sentBefore {
		t.Errorf("messages sent = %d, want %d (no dispatch for ended run)", got, sentBefore)
	}
}
