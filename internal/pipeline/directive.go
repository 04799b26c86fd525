package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/conveyor-dev/conveyor/internal/bus"
	"github.com/conveyor-dev/conveyor/pkg/models"
)

// diffCharBudget caps the diff excerpt embedded in review-stage directives.
// Files are included whole until the budget is exceeded; the remainder is
// summarized by a count.
const diffCharBudget = 8000

const verdictInstruction = "End your report with a single line `VERDICT: PASS` or `VERDICT: FAIL`."

// dispatchStage builds the directive for the current stage and delivers it
// over the bus. If no worker is registered for the project the run is
// discarded and the task parked in backlog; a pipeline with nobody to do the
// work must not linger.
//
// Callers must hold ps.mu.
func (o *Orchestrator) dispatchStage(ctx context.Context, ps *PipelineState, kickbackReport string) error {
	recipient, err := o.bus.ResolveRecipient(ps.ProjectID)
	if err != nil {
		log.Printf("[pipeline] no recipient for project %s: %v", ps.ProjectID, err)
		if ps.IsReReview {
			o.endReReview(ps, false)
			return nil
		}
		o.remove(ps)
		return o.parkInBacklog(ctx, ps.TaskID, "no worker available for the project")
	}

	directive, err := o.buildDirective(ctx, ps, kickbackReport)
	if err != nil {
		return err
	}

	stage := ps.CurrentStage()
	cfg := o.cfg.PipelineConfig(ps.ProjectID)
	msg := bus.Message{
		Recipient: recipient,
		Type:      "stage-directive",
		Payload:   directive,
		Meta: map[string]string{
			"task":     ps.TaskID,
			"project":  ps.ProjectID,
			"stage":    string(stage),
			"template": cfg.AgentTemplate(stage),
		},
	}
	if err := o.bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("dispatching %s directive for task %s: %w", stage, ps.TaskID, err)
	}
	log.Printf("[pipeline] dispatched %s directive for task %s to %s", stage, ps.TaskID, recipient)
	return nil
}

// dispatchDirect hands a task to a worker without a pipeline run, used when
// the pipeline is disabled for the project.
func (o *Orchestrator) dispatchDirect(ctx context.Context, task *models.Task) error {
	recipient, err := o.bus.ResolveRecipient(task.ProjectID)
	if err != nil {
		return o.parkInBacklog(ctx, task.ID, "no worker available for the project")
	}

	var b strings.Builder
	writeTaskHeader(&b, task)
	b.WriteString("Complete the task described above. The staged pipeline is disabled for this project; work it end to end and report when done.\n")

	msg := bus.Message{
		Recipient: recipient,
		Type:      "direct-directive",
		Payload:   b.String(),
		Meta: map[string]string{
			"task":    task.ID,
			"project": task.ProjectID,
		},
	}
	if err := o.bus.Send(ctx, msg); err != nil {
		return fmt.Errorf("dispatching direct directive for task %s: %w", task.ID, err)
	}
	task.Placement = models.PlacementActive
	return o.db.UpdateTask(task)
}

// buildDirective assembles the full worker directive for the current stage:
// task header, stage guidance, relevant prior reports, a diff excerpt for
// review stages, and the verdict instruction.
func (o *Orchestrator) buildDirective(ctx context.Context, ps *PipelineState, kickbackReport string) (string, error) {
	task, err := o.db.GetTask(ps.TaskID)
	if err != nil {
		return "", fmt.Errorf("loading task %s: %w", ps.TaskID, err)
	}
	if task == nil {
		return "", fmt.Errorf("task %s not found", ps.TaskID)
	}

	var b strings.Builder
	writeTaskHeader(&b, task)
	if ps.PRBranch != "" {
		fmt.Fprintf(&b, "Working branch: %s (target: %s)\n\n", ps.PRBranch, ps.TargetBranch)
	}

	stage := ps.CurrentStage()
	o.writeStageGuidance(&b, ps, stage, kickbackReport)

	// The tester runs the suite against the branch itself; only the two
	// diff-reading stages get the excerpt.
	if stage == models.StageSecurity || stage == models.StageReviewer {
		o.writeDiffExcerpt(ctx, &b, ps)
	}

	b.WriteString("\n" + verdictInstruction + "\n")
	return b.String(), nil
}

func writeTaskHeader(b *strings.Builder, task *models.Task) {
	fmt.Fprintf(b, "## Task: %s\n\n", task.Title)
	if task.Description != "" {
		b.WriteString(strings.TrimSpace(task.Description) + "\n\n")
	}
	if task.Repo != "" && task.IssueNumber > 0 {
		fmt.Fprintf(b, "Tracker issue: %s#%d\n\n", task.Repo, task.IssueNumber)
	}
}

// writeStageGuidance emits the role instructions for a stage. The coder
// stage has three variants: a fresh entry, a kickback re-entry carrying the
// rejecting stage's report, and a review-feedback re-entry carrying feedback
// stored under the reserved report key.
func (o *Orchestrator) writeStageGuidance(b *strings.Builder, ps *PipelineState, stage models.StageKey, kickbackReport string) {
	// Re-issues (spawn retries, stale sweeps) pass no report; the variant
	// must come from pipeline history, not the call site, or a re-issued
	// directive after a kickback would drop the rejecting stage's findings.
	if kickbackReport == "" && ps.LastKickbackSource != "" {
		kickbackReport = ps.StageReports[ps.LastKickbackSource]
	}

	switch stage {
	case models.StageTriage:
		b.WriteString("Classify this issue. Decide whether it is a bug, feature, chore, or question, and report the single best label with a short justification.\n")

	case models.StageCoder:
		switch {
		case kickbackReport != "" && ps.LastKickbackSource != "":
			fmt.Fprintf(b, "The `%s` stage rejected the previous attempt. Address every finding below, then report what you changed.\n\n", ps.LastKickbackSource)
			fmt.Fprintf(b, "### %s findings\n\n%s\n", ps.LastKickbackSource, strings.TrimSpace(kickbackReport))
		case ps.StageReports[feedbackReportKey] != "":
			b.WriteString("A human reviewer left feedback on the submitted work. Address it fully, then report what you changed.\n\n")
			fmt.Fprintf(b, "### Review feedback\n\n%s\n", strings.TrimSpace(ps.StageReports[feedbackReportKey]))
		default:
			b.WriteString("Implement the task. Create a working branch, make the changes, push them, and open a pull request. Report the branch name and what you built.\n")
		}

	case models.StageSecurity:
		b.WriteString("Review the changes for security problems: injection, authentication and authorization gaps, secret handling, unsafe input parsing. Report every finding with file and line.\n")

	case models.StageTester:
		b.WriteString("Run the project's test suite against the changes and write tests for any uncovered new behavior. Report failures verbatim.\n")

	case models.StageReviewer:
		b.WriteString("Code-review the changes: correctness, readability, and fit with the surrounding code. Report blocking findings separately from suggestions.\n")

	default:
		fmt.Fprintf(b, "Perform the %s stage of the pipeline and report the outcome.\n", stage)
	}
}

// writeDiffExcerpt embeds the branch diff for review stages, whole files up
// to the character budget.
func (o *Orchestrator) writeDiffExcerpt(ctx context.Context, b *strings.Builder, ps *PipelineState) {
	if ps.Repo == "" || ps.PRBranch == "" {
		return
	}
	files, err := o.tracker.CompareDiff(ctx, ps.Repo, ps.TargetBranch, ps.PRBranch)
	if err != nil {
		log.Printf("[pipeline] comparing %s...%s in %s: %v", ps.TargetBranch, ps.PRBranch, ps.Repo, err)
		return
	}
	if len(files) == 0 {
		return
	}

	b.WriteString("\n### Changes under review\n\n")
	used := 0
	included := 0
	for _, f := range files {
		entry := fmt.Sprintf("--- %s (%s)\n%s\n", f.Path, f.Status, f.Patch)
		if used+len(entry) > diffCharBudget {
			break
		}
		b.WriteString(entry)
		used += len(entry)
		included++
	}
	if omitted := len(files) - included; omitted > 0 {
		fmt.Fprintf(b, "... %d more changed file(s) omitted to stay within the diff budget.\n", omitted)
	}
}
