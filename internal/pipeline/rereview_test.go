package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/conveyor-dev/conveyor/internal/config"
	"github.com/conveyor-dev/conveyor/pkg/models"
)

// reReviewRecorder captures the re-review completion callback.
type reReviewRecorder struct {
	mu      sync.Mutex
	results map[string]bool
	calls   int
}

func newReReviewRecorder() *reReviewRecorder {
	return &reReviewRecorder{results: make(map[string]bool)}
}

func (r *reReviewRecorder) callback(taskID string, passed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[taskID] = passed
	r.calls++
}

func (r *reReviewRecorder) result(taskID string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.results[taskID]
	return v, ok
}

func TestStartReReviewRunsReviewStagesOnly(t *testing.T) {
	rec := newReReviewRecorder()
	env := newTestEnv(t, WithReReviewCallback(rec.callback))
	task := env.createTask(t)

	if err := env.orch.StartReReview(context.Background(), task.ID); err != nil {
		t.Fatalf("starting re-review: %v", err)
	}

	ps := env.orch.lookup(task.ID)
	if ps == nil {
		t.Fatal("no state registered")
	}
	if !ps.IsReReview {
		t.Error("run not marked as re-review")
	}
	if ps.hasStage(models.StageCoder) {
		t.Error("re-review sequence contains the coder stage")
	}
	if ps.CurrentStage() != models.StageSecurity {
		t.Errorf("first stage = %s, want security", ps.CurrentStage())
	}
}

func TestReReviewPassInvokesCallback(t *testing.T) {
	rec := newReReviewRecorder()
	env := newTestEnv(t, WithReReviewCallback(rec.callback))
	task := env.createTask(t)
	if err := env.orch.StartReReview(context.Background(), task.ID); err != nil {
		t.Fatalf("starting re-review: %v", err)
	}

	env.advance(t, task.ID, "VERDICT: PASS")
	env.advance(t, task.ID, "VERDICT: PASS")
	env.advance(t, task.ID, "VERDICT: PASS")

	passed, ok := rec.result(task.ID)
	if !ok {
		t.Fatal("callback not invoked")
	}
	if !passed {
		t.Error("callback reported failure, want pass")
	}
	if env.orch.lookup(task.ID) != nil {
		t.Error("state still registered after re-review completed")
	}
}

func TestReReviewFailureInvokesCallbackInsteadOfKickback(t *testing.T) {
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

	env.advance(t, task.ID, "Found an injection vector.\nVERDICT: FAIL")

	passed, ok := rec.result(task.ID)
	if !ok {
		t.Fatal("callback not invoked")
	}
	if passed {
		t.Error("callback reported pass, want failure")
	}
	if env.orch.lookup(task.ID) != nil {
		t.Error("state still registered after failed re-review")
	}

	got := env.mustGetTask(t, task.ID)
	if got.Placement != models.PlacementAwaitingReview {
		t.Errorf("placement = %s, re-review must not move the task", got.Placement)
	}
	if got.PipelineStage != "" {
		t.Errorf("stage = %q, want empty after re-review ended", got.PipelineStage)
	}
}

func TestReReviewWithNoReviewStagesPassesImmediately(t *testing.T) {
	rec := newReReviewRecorder()
	env := newTestEnv(t, WithReReviewCallback(rec.callback))
	cfg := &config.PipelineConfig{Stages: map[string]config.StageSettings{
		"security": {Disabled: true},
		"tester":   {Disabled: true},
		"reviewer": {Disabled: true},
	}}
	if err := env.cfg.SetPipelineConfig("proj-1", cfg); err != nil {
		t.Fatalf("setting pipeline config: %v", err)
	}
	task := env.createTask(t)

	if err := env.orch.StartReReview(context.Background(), task.ID); err != nil {
		t.Fatalf("starting re-review: %v", err)
	}

	passed, ok := rec.result(task.ID)
	if !ok {
		t.Fatal("callback not invoked")
	}
	if !passed {
		t.Error("vacuous re-review reported failure, want pass")
	}
	if env.orch.lookup(task.ID) != nil {
		t.Error("state registered for a vacuous re-review")
	}
}

func TestResumeWithFeedbackReentersAtCoder(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	task.Placement = models.PlacementAwaitingReview
	if err := env.db.UpdateTask(task); err != nil {
		t.Fatalf("updating task: %v", err)
	}

	feedback := "The limiter window should be configurable, not hardcoded."
	if err := env.orch.ResumeWithFeedback(context.Background(), task.ID, feedback); err != nil {
		t.Fatalf("resuming with feedback: %v", err)
	}

	got := env.mustGetTask(t, task.ID)
	if got.Placement != models.PlacementActive {
		t.Errorf("placement = %s, want %s", got.Placement, models.PlacementActive)
	}
	if got.PipelineStage != string(models.StageCoder) {
		t.Errorf("stage = %q, want coder", got.PipelineStage)
	}

	msg := env.bus.lastMessage(t)
	if msg.Meta["stage"] != "coder" {
		t.Errorf("dispatched stage = %q, want coder", msg.Meta["stage"])
	}
	if !strings.Contains(msg.Payload, feedback) {
		t.Error("directive missing the review feedback")
	}
	if !strings.Contains(msg.Payload, "Review feedback") {
		t.Error("directive missing the feedback re-entry guidance")
	}
}

// fakeClassifier returns a fixed label or error.
type fakeClassifier struct {
	label string
	err   error
}

func (f *fakeClassifier) ClassifyIssue(ctx context.Context, title, body string) (string, error) {
	return f.label, f.err
}

func TestDirectTriageLabelsIssue(t *testing.T) {
	env := newTestEnv(t, WithTriageClassifier(&fakeClassifier{label: "bug"}))
	task := env.createTask(t)

	if err := env.orch.StartTriage(context.Background(), task.ID); err != nil {
		t.Fatalf("starting triage: %v", err)
	}

	env.tracker.mu.Lock()
	labels := append([]string(nil), env.tracker.labels...)
	env.tracker.mu.Unlock()
	if len(labels) != 1 || labels[0] != "bug" {
		t.Errorf("labels = %v, want [bug]", labels)
	}
	if env.orch.lookup(task.ID) != nil {
		t.Error("pipeline state registered for direct triage")
	}
}

func TestDirectTriageErrorFallsBackToAgent(t *testing.T) {
	env := newTestEnv(t, WithTriageClassifier(&fakeClassifier{err: errors.New("api unavailable")}))
	task := env.createTask(t)

	if err := env.orch.StartTriage(context.Background(), task.ID); err != nil {
		t.Fatalf("starting triage: %v", err)
	}

	msg := env.bus.lastMessage(t)
	if msg.Meta["stage"] != "triage" {
		t.Errorf("dispatched stage = %q, want triage", msg.Meta["stage"])
	}
}

func TestAgentTriageCompletionLabelsIssue(t *testing.T) {
	env := newTestEnv(t)
	cfg := &config.PipelineConfig{Triage: config.TriageAgent}
	if err := env.cfg.SetPipelineConfig("proj-1", cfg); err != nil {
		t.Fatalf("setting pipeline config: %v", err)
	}
	task := env.createTask(t)

	if err := env.orch.StartTriage(context.Background(), task.ID); err != nil {
		t.Fatalf("starting triage: %v", err)
	}
	env.advance(t, task.ID, "This is clearly a bug in the limiter accounting.")

	env.tracker.mu.Lock()
	labels := append([]string(nil), env.tracker.labels...)
	env.tracker.mu.Unlock()
	if len(labels) != 1 || labels[0] != "bug" {
		t.Errorf("labels = %v, want [bug]", labels)
	}

	got := env.mustGetTask(t, task.ID)
	if got.Placement != models.PlacementBacklog {
		t.Errorf("placement = %s, want %s after triage", got.Placement, models.PlacementBacklog)
	}
	if got.PipelineStage != "" {
		t.Errorf("stage = %q, want empty after triage", got.PipelineStage)
	}
	if env.orch.lookup(task.ID) != nil {
		t.Error("state still registered after triage completed")
	}
}
