package pipeline

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conveyor-dev/conveyor/internal/bus"
	"github.com/conveyor-dev/conveyor/internal/config"
	"github.com/conveyor-dev/conveyor/internal/llm"
	"github.com/conveyor-dev/conveyor/internal/store"
	"github.com/conveyor-dev/conveyor/internal/tracker"
	"github.com/conveyor-dev/conveyor/pkg/models"
)

const (
	// maxSpawnRetries bounds spawn retry attempts per stage entry. The
	// counter resets whenever a stage is entered fresh.
	maxSpawnRetries = 3

	// spawnBackoffBase is the per-attempt backoff unit for ordinary spawn
	// failures; spawnBackoffBusyBase is the unit when the failure is a
	// concurrency refusal (worker slots exhausted), three times longer so
	// a busy executor gets room to drain.
	spawnBackoffBase     = 10 * time.Second
	spawnBackoffBusyBase = 30 * time.Second

	// sweepInterval and staleThreshold drive the periodic stale-work
	// sweep: any pipeline task not updated within the threshold gets its
	// current stage re-dispatched.
	sweepInterval  = time.Minute
	staleThreshold = 10 * time.Minute
)

// spawnFailurePrefix marks a report that is really a spawn failure delivered
// over the ordinary report channel. Advance reroutes such reports to the
// retry path instead of classifying them.
const spawnFailurePrefix = "SPAWN_FAILURE:"

// ReReviewCallback receives the outcome of a re-review run so the caller
// (typically a merge workflow) can proceed or back off.
type ReReviewCallback func(taskID string, passed bool)

// Orchestrator owns every active pipeline: it starts runs, applies worker
// reports, schedules spawn retries, recovers state after restarts, and
// sweeps stale work. One instance serves all projects.
type Orchestrator struct {
	db      store.WorkItemStore
	cfg     *config.Resolver
	tracker tracker.Tracker
	bus     bus.Bus

	// triage is optional; when nil, direct triage falls back to an agent
	// triage run.
	triage llm.TriageClassifier

	// onReReviewComplete is invoked exactly once per re-review run.
	onReReviewComplete ReReviewCallback

	mu     sync.Mutex
	states map[string]*PipelineState
	timers map[string]*time.Timer
	closed bool

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithTriageClassifier enables direct (non-agent) issue triage.
func WithTriageClassifier(c llm.TriageClassifier) Option {
	return func(o *Orchestrator) { o.triage = c }
}

// WithReReviewCallback sets the re-review completion callback.
func WithReReviewCallback(cb ReReviewCallback) Option {
	return func(o *Orchestrator) { o.onReReviewComplete = cb }
}

// New creates an orchestrator. Call RecoverAll before accepting reports and
// Close on shutdown.
func New(db store.WorkItemStore, cfg *config.Resolver, trk tracker.Tracker, b bus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:        db,
		cfg:       cfg,
		tracker:   trk,
		bus:       b,
		states:    make(map[string]*PipelineState),
		timers:    make(map[string]*time.Timer),
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close cancels pending retry timers, stops the sweeper, and waits for
// background work to finish. The orchestrator must not be used afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	close(o.stopSweep)
	o.mu.Unlock()
	o.wg.Wait()
}

// lookup returns the registered state for a task, or nil.
func (o *Orchestrator) lookup(taskID string) *PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[taskID]
}

// register adds a state to the active map, replacing any prior run for the
// same task. The old state's mutex is taken only after o.mu is released:
// handlers lock ps.mu before o.mu, so nesting them here would invert the
// lock order.
func (o *Orchestrator) register(ps *PipelineState) {
	o.mu.Lock()
	old := o.states[ps.TaskID]
	if t, ok := o.timers[ps.TaskID]; ok {
		t.Stop()
		delete(o.timers, ps.TaskID)
	}
	o.states[ps.TaskID] = ps
	o.mu.Unlock()

	if old != nil && old != ps {
		old.mu.Lock()
		old.deleted = true
		old.mu.Unlock()
	}
}

// remove drops a state and cancels its retry timer, unless the task has
// already been re-registered with a newer run. Callers must hold ps.mu.
func (o *Orchestrator) remove(ps *PipelineState) {
	ps.deleted = true
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states[ps.TaskID] != ps {
		return
	}
	delete(o.states, ps.TaskID)
	if t, ok := o.timers[ps.TaskID]; ok {
		t.Stop()
		delete(o.timers, ps.TaskID)
	}
}

// ActiveRuns returns the task IDs of all in-memory pipeline runs.
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.states))
	for id := range o.states {
		ids = append(ids, id)
	}
	return ids
}

// StartPipeline begins a pipeline run for a task. The enabled stage sequence
// comes from the project's pipeline configuration; when the pipeline is
// disabled for the project, the task is handed to a worker as a single
// direct directive with no staged lifecycle.
func (o *Orchestrator) StartPipeline(ctx context.Context, taskID string) error {
	task, err := o.db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	cfg := o.cfg.PipelineConfig(task.ProjectID)
	stages := cfg.EnabledStages()
	if len(stages) == 0 {
		return o.dispatchDirect(ctx, task)
	}

	ps := o.newState(task, stages)
	o.register(ps)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := o.persistState(ps); err != nil {
		return err
	}
	o.comment(ctx, ps, fmt.Sprintf("Pipeline started: %s", formatSequence(stages)))
	return o.dispatchStage(ctx, ps, "")
}

// newState builds fresh in-memory state for a task. The stage sequence is
// fixed for the lifetime of the run.
func (o *Orchestrator) newState(task *models.Task, stages []models.StageKey) *PipelineState {
	ps := &PipelineState{
		TaskID:       task.ID,
		ProjectID:    task.ProjectID,
		IssueNumber:  task.IssueNumber,
		Repo:         task.Repo,
		Stages:       stages,
		StageReports: make(map[models.StageKey]string),
		PRBranch:     task.Branch,
		PRNumber:     task.PRNumber,
		TargetBranch: o.cfg.TargetBranch(task.ProjectID),
	}
	ps.IsReReview = !ps.hasStage(models.StageCoder) && !isTriageOnly(stages)
	return ps
}

func isTriageOnly(stages []models.StageKey) bool {
	return len(stages) == 1 && stages[0] == models.StageTriage
}

// Advance applies a worker's completion report to a task's pipeline. It is
// the single entry point for stage transitions: verdict classification,
// kickback, completion, and abort all happen here.
//
// Advance never leaves a task stuck: if state cannot be found or recovered,
// the task is parked in backlog rather than silently orphaned.
func (o *Orchestrator) Advance(ctx context.Context, taskID, report string) error {
	ps := o.lookup(taskID)
	if ps == nil {
		recovered, err := o.recoverTask(taskID)
		if err != nil {
			log.Printf("[pipeline] no state for task %s and recovery failed: %v", taskID, err)
			return o.parkInBacklog(ctx, taskID, "pipeline state was lost and could not be recovered")
		}
		ps = recovered
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.deleted {
		return nil
	}

	// A spawn failure that arrived over the report channel belongs to the
	// retry path, not the classifier.
	if strings.HasPrefix(strings.TrimSpace(report), spawnFailurePrefix) {
		msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(report), spawnFailurePrefix))
		return o.handleSpawnFailureLocked(ctx, ps, msg)
	}

	stage := ps.CurrentStage()
	ps.StageReports[stage] = report
	o.resolveBranch(ctx, ps, report)

	if isTriageOnly(ps.Stages) {
		return o.completeTriage(ctx, ps, report)
	}

	verdict := Classify(stage, report)
	o.comment(ctx, ps, fmt.Sprintf("Stage `%s` reported %s", stage, verdict))
	log.Printf("[pipeline] task %s stage %s verdict %s", ps.TaskID, stage, verdict)

	if verdict == VerdictFail {
		if stage.IsReview() {
			return o.kickback(ctx, ps, stage, report)
		}
		// A failing non-review stage (the coder could not do the
		// work) aborts the run.
		return o.abort(ctx, ps, fmt.Sprintf("stage %s failed: pipeline aborted", stage))
	}

	ps.SpawnRetryCount = 0
	ps.CurrentStageIndex++
	if ps.CurrentStageIndex >= len(ps.Stages) {
		return o.complete(ctx, ps)
	}
	if err := o.persistState(ps); err != nil {
		return err
	}
	return o.dispatchStage(ctx, ps, "")
}

// kickback returns a run to the coder stage after a review stage rejected
// it. On a re-review run there is no coder stage to return to, so the run
// ends with a failed outcome instead.
func (o *Orchestrator) kickback(ctx context.Context, ps *PipelineState, from models.StageKey, report string) error {
	if ps.IsReReview {
		log.Printf("[pipeline] re-review for task %s failed at %s", ps.TaskID, from)
		o.comment(ctx, ps, fmt.Sprintf("Re-review failed at `%s` stage", from))
		o.endReReview(ps, false)
		return nil
	}

	coderIdx := ps.stageIndex(models.StageCoder)
	if coderIdx < 0 {
		return o.abort(ctx, ps, fmt.Sprintf("stage %s rejected the work but the sequence has no coder stage", from))
	}

	ps.CurrentStageIndex = coderIdx
	ps.LastKickbackSource = from
	ps.SpawnRetryCount = 0
	log.Printf("[pipeline] task %s kicked back to coder by %s", ps.TaskID, from)
	if err := o.persistState(ps); err != nil {
		return err
	}
	return o.dispatchStage(ctx, ps, report)
}

// complete finishes a run whose last stage passed. Tasks with an open pull
// request move to awaiting-review; tasks without one are done. The per-stage
// reports are aggregated into the task's summary.
func (o *Orchestrator) complete(ctx context.Context, ps *PipelineState) error {
	if ps.IsReReview {
		log.Printf("[pipeline] re-review for task %s passed", ps.TaskID)
		o.comment(ctx, ps, "Re-review passed")
		o.endReReview(ps, true)
		return nil
	}

	task, err := o.db.GetTask(ps.TaskID)
	if err != nil {
		o.remove(ps)
		return fmt.Errorf("loading task %s at completion: %w", ps.TaskID, err)
	}
	if task == nil {
		o.remove(ps)
		return fmt.Errorf("task %s not found at completion", ps.TaskID)
	}

	task.PipelineStage = ""
	task.KickbackFrom = ""
	task.Summary = summarizeRun(ps)
	if ps.PRNumber > 0 {
		task.Placement = models.PlacementAwaitingReview
		task.PRNumber = ps.PRNumber
	} else {
		task.Placement = models.PlacementDone
	}
	if ps.PRBranch != "" {
		task.Branch = ps.PRBranch
	}
	if err := o.db.UpdateTask(task); err != nil {
		return fmt.Errorf("persisting completion of task %s: %w", ps.TaskID, err)
	}

	o.comment(ctx, ps, fmt.Sprintf("Pipeline completed, task moved to %s", task.Placement))
	log.Printf("[pipeline] task %s completed (%s)", ps.TaskID, task.Placement)
	o.remove(ps)
	return nil
}

// completeTriage intercepts completion of a triage-only run: the report is a
// classification, so the source issue is labeled instead of advancing.
func (o *Orchestrator) completeTriage(ctx context.Context, ps *PipelineState, report string) error {
	label := llm.NormalizeLabel(report)
	if ps.Repo != "" && ps.IssueNumber > 0 {
		if err := o.tracker.AddLabels(ctx, ps.Repo, ps.IssueNumber, []string{label}); err != nil {
			log.Printf("[pipeline] labeling issue #%d in %s: %v", ps.IssueNumber, ps.Repo, err)
		}
	}

	task, err := o.db.GetTask(ps.TaskID)
	if err == nil && task != nil {
		task.Placement = models.PlacementBacklog
		task.PipelineStage = ""
		task.PipelineStages = nil
		task.Summary = report
		if err := o.db.UpdateTask(task); err != nil {
			log.Printf("[pipeline] persisting triage result for task %s: %v", ps.TaskID, err)
		}
	}

	log.Printf("[pipeline] task %s triaged as %q", ps.TaskID, label)
	o.remove(ps)
	return nil
}

// abort ends a run and parks the task in backlog with an explanatory note.
func (o *Orchestrator) abort(ctx context.Context, ps *PipelineState, note string) error {
	o.comment(ctx, ps, "Pipeline aborted: "+note)
	if ps.IsReReview {
		o.endReReview(ps, false)
		return nil
	}
	o.remove(ps)
	return o.parkInBacklog(ctx, ps.TaskID, note)
}

// parkInBacklog returns a task to backlog, clearing its pipeline linkage and
// assignee and appending a note to its description.
func (o *Orchestrator) parkInBacklog(ctx context.Context, taskID, note string) error {
	task, err := o.db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task == nil {
		return nil
	}
	task.Placement = models.PlacementBacklog
	task.PipelineStage = ""
	task.KickbackFrom = ""
	task.Assignee = ""
	if note != "" {
		task.Description = strings.TrimRight(task.Description, "\n") + "\n\n> " + note
	}
	if err := o.db.UpdateTask(task); err != nil {
		return fmt.Errorf("parking task %s in backlog: %w", taskID, err)
	}
	log.Printf("[pipeline] task %s returned to backlog: %s", taskID, note)
	return nil
}

// appendNote adds a visible note to a task's description, best-effort.
func (o *Orchestrator) appendNote(taskID, note string) {
	task, err := o.db.GetTask(taskID)
	if err != nil || task == nil {
		return
	}
	task.Description = strings.TrimRight(task.Description, "\n") + "\n\n> " + note
	if err := o.db.UpdateTask(task); err != nil {
		log.Printf("[pipeline] appending note to task %s: %v", taskID, err)
	}
}

// persistState writes the durable projection of a run onto its task record.
func (o *Orchestrator) persistState(ps *PipelineState) error {
	task, err := o.db.GetTask(ps.TaskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", ps.TaskID, err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", ps.TaskID)
	}
	// Re-review runs never change placement: the task stays wherever the
	// merge workflow put it, only the stage projection is recorded.
	if !ps.IsReReview {
		task.Placement = models.PlacementActive
	}
	task.PipelineStage = string(ps.CurrentStage())
	task.PipelineStages = stageStrings(ps.Stages)
	task.SpawnRetries = ps.SpawnRetryCount
	task.KickbackFrom = string(ps.LastKickbackSource)
	if ps.PRBranch != "" {
		task.Branch = ps.PRBranch
	}
	if ps.PRNumber > 0 {
		task.PRNumber = ps.PRNumber
	}
	if err := o.db.UpdateTask(task); err != nil {
		return fmt.Errorf("persisting pipeline state for task %s: %w", ps.TaskID, err)
	}
	return nil
}

// comment posts a best-effort progress comment on the linked tracker issue.
func (o *Orchestrator) comment(ctx context.Context, ps *PipelineState, body string) {
	if ps.Repo == "" || ps.IssueNumber <= 0 {
		return
	}
	if err := o.tracker.PostComment(ctx, ps.Repo, ps.IssueNumber, body); err != nil {
		log.Printf("[pipeline] posting comment on %s#%d: %v", ps.Repo, ps.IssueNumber, err)
	}
}

func (o *Orchestrator) notifyReReview(taskID string, passed bool) {
	if o.onReReviewComplete != nil {
		o.onReReviewComplete(taskID, passed)
	}
}

// endReReview clears the durable stage projection without touching
// placement (the merge workflow owns the task's location) and notifies the
// callback. Callers must hold ps.mu.
func (o *Orchestrator) endReReview(ps *PipelineState, passed bool) {
	task, err := o.db.GetTask(ps.TaskID)
	if err == nil && task != nil {
		task.PipelineStage = ""
		task.PipelineStages = nil
		task.KickbackFrom = ""
		if err := o.db.UpdateTask(task); err != nil {
			log.Printf("[pipeline] clearing re-review projection for task %s: %v", ps.TaskID, err)
		}
	}
	o.remove(ps)
	o.notifyReReview(ps.TaskID, passed)
}

var (
	branchLinePattern = regexp.MustCompile(`(?i)\bbranch:\s*([\w./-]+)`)
	prRefPattern      = regexp.MustCompile(`(?i)(?:pull request|pr)\s*#(\d+)`)
)

// resolveBranch fills in branch and PR linkage from whatever source is
// available: already-known state, the report text, the task record, and
// finally the tracker's open pull requests. Newly resolved linkage is
// written back to the task record right away, so it survives even when the
// transition in progress ends by parking or aborting the run.
func (o *Orchestrator) resolveBranch(ctx context.Context, ps *PipelineState, report string) {
	prevBranch, prevPR := ps.PRBranch, ps.PRNumber
	o.findBranch(ctx, ps, report)
	if ps.PRBranch == prevBranch && ps.PRNumber == prevPR {
		return
	}

	task, err := o.db.GetTask(ps.TaskID)
	if err != nil || task == nil {
		return
	}
	if ps.PRBranch != "" {
		task.Branch = ps.PRBranch
	}
	if ps.PRNumber > 0 {
		task.PRNumber = ps.PRNumber
	}
	if err := o.db.UpdateTask(task); err != nil {
		log.Printf("[pipeline] persisting resolved branch for task %s: %v", ps.TaskID, err)
	}
}

func (o *Orchestrator) findBranch(ctx context.Context, ps *PipelineState, report string) {
	if m := prRefPattern.FindStringSubmatch(report); m != nil && ps.PRNumber == 0 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			ps.PRNumber = n
		}
	}
	if ps.PRBranch != "" {
		return
	}
	if m := branchLinePattern.FindStringSubmatch(report); m != nil {
		ps.PRBranch = m[1]
		return
	}
	task, err := o.db.GetTask(ps.TaskID)
	if err == nil && task != nil && task.Branch != "" {
		ps.PRBranch = task.Branch
		return
	}
	if ps.Repo == "" {
		return
	}
	prs, err := o.tracker.ListOpenPullRequests(ctx, ps.Repo)
	if err != nil {
		log.Printf("[pipeline] listing pull requests for %s: %v", ps.Repo, err)
		return
	}
	needle := fmt.Sprintf("#%d", ps.IssueNumber)
	for _, pr := range prs {
		if ps.IssueNumber > 0 && (strings.Contains(pr.Title, needle) || strings.Contains(pr.Body, needle)) {
			ps.PRBranch = pr.HeadBranch
			ps.PRNumber = pr.Number
			return
		}
	}
}

// summarizeRun aggregates the per-stage reports into a completion summary.
func summarizeRun(ps *PipelineState) string {
	var b strings.Builder
	for _, stage := range ps.Stages {
		report, ok := ps.StageReports[stage]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", stage, strings.TrimSpace(report))
	}
	if b.Len() == 0 {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

func stageStrings(stages []models.StageKey) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func formatSequence(stages []models.StageKey) string {
	return strings.Join(stageStrings(stages), " -> ")
}
