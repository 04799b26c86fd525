package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// GitHub implements Tracker against the GitHub REST API.
type GitHub struct {
	client *github.Client
}

// NewGitHub creates a GitHub tracker authenticated with the given token.
func NewGitHub(ctx context.Context, token string) *GitHub {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GitHub{client: github.NewClient(oauth2.NewClient(ctx, ts))}
}

// splitRepo splits "owner/name" into its parts.
func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

// PostComment posts a comment on an issue.
func (g *GitHub) PostComment(ctx context.Context, repo string, issue int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, _, err = g.client.Issues.CreateComment(ctx, owner, name, issue, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("post comment on %s#%d: %w", repo, issue, err)
	}
	return nil
}

// AddLabels adds labels to an issue.
func (g *GitHub) AddLabels(ctx context.Context, repo string, issue int, labels []string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	_, _, err = g.client.Issues.AddLabelsToIssue(ctx, owner, name, issue, labels)
	if err != nil {
		return fmt.Errorf("add labels on %s#%d: %w", repo, issue, err)
	}
	return nil
}

// GetIssue fetches an issue.
func (g *GitHub) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	issue, _, err := g.client.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, number, err)
	}

	result := &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
	}
	for _, l := range issue.Labels {
		result.Labels = append(result.Labels, l.GetName())
	}
	return result, nil
}

// ListOpenPullRequests lists open pull requests in the repository.
func (g *GitHub) ListOpenPullRequests(ctx context.Context, repo string) ([]PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	prs, _, err := g.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err != nil {
		return nil, fmt.Errorf("list open pull requests in %s: %w", repo, err)
	}

	result := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		result = append(result, PullRequest{
			Number:     pr.GetNumber(),
			Title:      pr.GetTitle(),
			Body:       pr.GetBody(),
			HeadBranch: pr.GetHead().GetRef(),
		})
	}
	return result, nil
}

// CompareDiff returns per-file patches between two branches.
func (g *GitHub) CompareDiff(ctx context.Context, repo, base, head string) ([]FileDiff, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	cmp, _, err := g.client.Repositories.CompareCommits(ctx, owner, name, base, head, nil)
	if err != nil {
		return nil, fmt.Errorf("compare %s...%s in %s: %w", base, head, repo, err)
	}

	diffs := make([]FileDiff, 0, len(cmp.Files))
	for _, f := range cmp.Files {
		diffs = append(diffs, FileDiff{
			Path:   f.GetFilename(),
			Status: f.GetStatus(),
			Patch:  f.GetPatch(),
		})
	}
	return diffs, nil
}

var _ Tracker = (*GitHub)(nil)
