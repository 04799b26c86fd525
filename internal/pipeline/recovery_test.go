package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

func TestRecoverAllRebuildsState(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	task.Placement = models.PlacementActive
	task.PipelineStage = "tester"
	task.PipelineStages = []string{"coder", "security", "tester", "reviewer"}
	task.KickbackFrom = "security"
	task.Branch = "conveyor/rate-limit"
	if err := env.db.UpdateTask(task); err != nil {
		t.Fatalf("updating task: %v", err)
	}

	if err := env.orch.RecoverAll(context.Background()); err != nil {
		t.Fatalf("recovering: %v", err)
	}

	ps := env.orch.lookup(task.ID)
	if ps == nil {
		t.Fatal("task not recovered")
	}
	if ps.CurrentStage() != models.StageTester {
		t.Errorf("current stage = %s, want tester", ps.CurrentStage())
	}
	if ps.CurrentStageIndex != 2 {
		t.Errorf("stage index = %d, want 2", ps.CurrentStageIndex)
	}
	if ps.LastKickbackSource != models.StageSecurity {
		t.Errorf("kickback source = %s, want security", ps.LastKickbackSource)
	}
	if ps.PRBranch != "conveyor/rate-limit" {
		t.Errorf("branch = %q, want conveyor/rate-limit", ps.PRBranch)
	}
	if ps.SpawnRetryCount != 0 {
		t.Errorf("spawn retries = %d, want 0 after recovery", ps.SpawnRetryCount)
	}
	if len(ps.StageReports) != 0 {
		t.Errorf("stage reports = %d, want empty after recovery", len(ps.StageReports))
	}
	if ps.IsReReview {
		t.Error("run with coder stage recovered as re-review")
	}
}

func TestRecoverAllSkipsInconsistentRecord(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	task.Placement = models.PlacementActive
	task.PipelineStage = "reviewer"
	// Stored stage is not part of the stored sequence.
	task.PipelineStages = []string{"coder", "security"}
	if err := env.db.UpdateTask(task); err != nil {
		t.Fatalf("updating task: %v", err)
	}

	if err := env.orch.RecoverAll(context.Background()); err != nil {
		t.Fatalf("recovering: %v", err)
	}

	if env.orch.lookup(task.ID) != nil {
		t.Error("inconsistent record was recovered instead of skipped")
	}
}

func TestRecoveryInfersReReview(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	task.Placement = models.PlacementActive
	task.PipelineStage = "security"
	task.PipelineStages = []string{"security", "tester", "reviewer"}
	if err := env.db.UpdateTask(task); err != nil {
		t.Fatalf("updating task: %v", err)
	}

	if err := env.orch.RecoverAll(context.Background()); err != nil {
		t.Fatalf("recovering: %v", err)
	}

	ps := env.orch.lookup(task.ID)
	if ps == nil {
		t.Fatal("task not recovered")
	}
	if !ps.IsReReview {
		t.Error("sequence without coder stage not inferred as re-review")
	}
}

func TestSweepRedispatchesStaleTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.start(t, task.ID)
	sentBefore := len(env.bus.messages())

	backdate(t, env, task.ID, time.Now().Add(-staleThreshold-time.Minute))

	env.orch.Sweep(context.Background())

	msgs := env.bus.messages()
	if len(msgs) != sentBefore+1 {
		t.Fatalf("messages sent = %d, want %d (stale stage re-dispatched)", len(msgs), sentBefore+1)
	}
	if msgs[len(msgs)-1].Meta["stage"] != "coder" {
		t.Errorf("re-dispatched stage = %q, want coder", msgs[len(msgs)-1].Meta["stage"])
	}

	// The sweep stamps the record, so an immediate second sweep is quiet.
	env.orch.Sweep(context.Background())
	if got := len(env.bus.messages()); got != sentBefore+1 {
		t.Errorf("messages sent = %d after second sweep, want %d", got, sentBefore+1)
	}
}

func TestSweepRecoversForgottenTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.start(t, task.ID)

	ps := env.orch.lookup(task.ID)
	ps.mu.Lock()
	env.orch.remove(ps)
	ps.mu.Unlock()

	backdate(t, env, task.ID, time.Now().Add(-staleThreshold-time.Minute))

	env.orch.Sweep(context.Background())

	if env.orch.lookup(task.ID) == nil {
		t.Error("stale task with no in-memory state was not recovered")
	}
}

func TestSweepParksUnrecoverableTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	task.Placement = models.PlacementActive
	task.PipelineStage = "reviewer"
	task.PipelineStages = []string{"coder"} // stage not in sequence
	if err := env.db.UpdateTask(task); err != nil {
		t.Fatalf("updating task: %v", err)
	}
	backdate(t, env, task.ID, time.Now().Add(-staleThreshold-time.Minute))

	env.orch.Sweep(context.Background())

	got := env.mustGetTask(t, task.ID)
	if got.Placement != models.PlacementBacklog {
		t.Errorf("placement = %s, want %s", got.Placement, models.PlacementBacklog)
	}
}

// backdate rewrites a task's updated_at so the sweep sees it as stale.
// UpdateTask always stamps the current time, so this goes under it.
func backdate(t *testing.T, env *testEnv, taskID string, to time.Time) {
	t.Helper()
	if _, err := env.db.Exec("UPDATE tasks SET updated_at = ? WHERE id = ?", to.UTC().Format(time.RFC3339), taskID); err != nil {
		t.Fatalf("backdating task: %v", err)
	}
}
