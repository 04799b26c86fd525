package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/conveyor-dev/conveyor/internal/bus"
	"github.com/conveyor-dev/conveyor/internal/config"
	"github.com/conveyor-dev/conveyor/internal/store"
	"github.com/conveyor-dev/conveyor/internal/tracker"
	"github.com/conveyor-dev/conveyor/pkg/models"
)

// fakeBus records sent messages and resolves a fixed recipient per project.
type fakeBus struct {
	mu         sync.Mutex
	recipients map[string]string
	sent       []bus.Message
	sendErr    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{recipients: map[string]string{"proj-1": "worker-1"}}
}

func (b *fakeBus) ResolveRecipient(projectID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.recipients[projectID]
	if !ok {
		return "", bus.ErrNoRecipient
	}
	return r, nil
}

func (b *fakeBus) Send(ctx context.Context, msg bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *fakeBus) messages() []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Message, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *fakeBus) lastMessage(t *testing.T) bus.Message {
	t.Helper()
	msgs := b.messages()
	if len(msgs) == 0 {
		t.Fatal("no messages sent")
	}
	return msgs[len(msgs)-1]
}

// fakeTracker records labels and comments and serves a canned diff.
type fakeTracker struct {
	tracker.Noop
	mu       sync.Mutex
	comments []string
	labels   []string
	diff     []tracker.FileDiff
	prs      []tracker.PullRequest
}

func (f *fakeTracker) PostComment(ctx context.Context, repo string, issue int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeTracker) AddLabels(ctx context.Context, repo string, issue int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, labels...)
	return nil
}

func (f *fakeTracker) ListOpenPullRequests(ctx context.Context, repo string) ([]tracker.PullRequest, error) {
	return f.prs, nil
}

func (f *fakeTracker) CompareDiff(ctx context.Context, repo, base, head string) ([]tracker.FileDiff, error) {
	return f.diff, nil
}

// testEnv wires an orchestrator over a real database, a temp config store,
// and recording fakes for the bus and tracker.
type testEnv struct {
	db      *store.DB
	cfg     *config.Resolver
	bus     *fakeBus
	tracker *fakeTracker
	orch    *Orchestrator
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "conveyor.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrating database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfgStore, err := config.OpenStore(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		t.Fatalf("opening config store: %v", err)
	}
	t.Cleanup(func() { cfgStore.Close() })

	fb := newFakeBus()
	ft := &fakeTracker{}
	resolver := config.NewResolver(cfgStore)
	orch := New(db, resolver, ft, fb, opts...)
	t.Cleanup(orch.Close)

	return &testEnv{db: db, cfg: resolver, bus: fb, tracker: ft, orch: orch}
}

var taskSeq int

// createTask inserts a backlog task for proj-1 linked to a tracker issue.
func (e *testEnv) createTask(t *testing.T) *models.Task {
	t.Helper()
	taskSeq++
	task := &models.Task{
		ID:          fmt.Sprintf("task-%d", taskSeq),
		ProjectID:   "proj-1",
		Title:       "Add rate limiting to the API",
		Description: "Requests should be throttled per client.",
		Placement:   models.PlacementBacklog,
		IssueNumber: 7,
		Repo:        "acme/api",
	}
	if err := e.db.CreateTask(task); err != nil {
		t.Fatalf("creating task: %v", err)
	}
	return task
}

func (e *testEnv) mustGetTask(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := e.db.GetTask(id)
	if err != nil {
		t.Fatalf("loading task: %v", err)
	}
	if task == nil {
		t.Fatalf("task %s not found", id)
	}
	return task
}

func (e *testEnv) start(t *testing.T, taskID string) {
	t.Helper()
	if err := e.orch.StartPipeline(context.Background(), taskID); err != nil {
		t.Fatalf("starting pipeline: %v", err)
	}
}

func (e *testEnv) advance(t *testing.T, taskID, report string) {
	t.Helper()
	if err := e.orch.Advance(context.Background(), taskID, report); err != nil {
		t.Fatalf("advancing pipeline: %v", err)
	}
}
