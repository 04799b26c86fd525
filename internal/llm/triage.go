// Package llm provides the direct (non-agent) triage classification path:
// a single model call that labels a fresh issue without spawning an
// executor.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// TriageLabels are the labels the classifier may assign to an issue.
var TriageLabels = []string{"bug", "feature", "chore", "question"}

// TriageClassifier classifies an issue into one of TriageLabels.
type TriageClassifier interface {
	ClassifyIssue(ctx context.Context, title, body string) (string, error)
}

const triageSystemPrompt = `You triage software issues. Classify the issue into exactly one of
these categories: bug, feature, chore, question.
Reply with the category word only.`

// Anthropic implements TriageClassifier with a single Messages API call.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates a classifier using the given API key and model.
// An empty model falls back to Sonnet.
func NewAnthropic(apiKey string, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is not set")
	}

	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaudeSonnet4_20250514
	}

	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
	}, nil
}

// ClassifyIssue classifies an issue title and body into a triage label.
func (a *Anthropic) ClassifyIssue(ctx context.Context, title, body string) (string, error) {
	prompt := fmt.Sprintf("Title: %s\n\n%s", title, body)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 16,
		System: []anthropic.TextBlockParam{
			{Text: triageSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("triage call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	return NormalizeLabel(text.String()), nil
}

// NormalizeLabel maps free-form classifier output onto a known triage
// label, defaulting to "question" when nothing matches.
func NormalizeLabel(s string) string {
	cleaned := strings.ToLower(strings.TrimSpace(s))
	for _, label := range TriageLabels {
		if strings.Contains(cleaned, label) {
			return label
		}
	}
	return "question"
}

var _ TriageClassifier = (*Anthropic)(nil)
