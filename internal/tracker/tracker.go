// Package tracker integrates with the external issue tracker. The pipeline
// treats every tracker call as best-effort: failures are logged by callers
// and never block a stage transition.
package tracker

import "context"

// Issue is a tracker issue.
type Issue struct {
	Number int
	Title  string
	Body   string
	Labels []string
}

// PullRequest is an open pull request summary.
type PullRequest struct {
	Number     int
	Title      string
	Body       string
	HeadBranch string
}

// FileDiff is one file's patch in a branch-to-branch comparison.
type FileDiff struct {
	Path   string
	Status string
	Patch  string
}

// Tracker is the issue-tracker surface the pipeline consumes.
type Tracker interface {
	// PostComment posts a comment on an issue.
	PostComment(ctx context.Context, repo string, issue int, body string) error
	// AddLabels adds labels to an issue.
	AddLabels(ctx context.Context, repo string, issue int, labels []string) error
	// GetIssue fetches an issue.
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	// ListOpenPullRequests lists open pull requests in the repository.
	ListOpenPullRequests(ctx context.Context, repo string) ([]PullRequest, error)
	// CompareDiff returns per-file patches between two branches.
	CompareDiff(ctx context.Context, repo, base, head string) ([]FileDiff, error)
}

// Noop is a Tracker for projects without tracker linkage. All operations
// succeed and return empty results.
type Noop struct{}

// PostComment implements Tracker.
func (Noop) PostComment(ctx context.Context, repo string, issue int, body string) error {
	return nil
}

// AddLabels implements Tracker.
func (Noop) AddLabels(ctx context.Context, repo string, issue int, labels []string) error {
	return nil
}

// GetIssue implements Tracker.
func (Noop) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	return nil, nil
}

// ListOpenPullRequests implements Tracker.
func (Noop) ListOpenPullRequests(ctx context.Context, repo string) ([]PullRequest, error) {
	return nil, nil
}

// CompareDiff implements Tracker.
func (Noop) CompareDiff(ctx context.Context, repo, base, head string) ([]FileDiff, error) {
	return nil, nil
}

var _ Tracker = Noop{}
