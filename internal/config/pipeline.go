package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

// TriageMode selects how fresh issues are classified.
type TriageMode string

const (
	// TriageDirect classifies issues with a direct model call, no executor.
	TriageDirect TriageMode = "direct"
	// TriageAgent routes triage through an executor as a one-stage pipeline.
	TriageAgent TriageMode = "agent"
)

// StageSettings configures a single pipeline stage for a project.
type StageSettings struct {
	// Disabled removes the stage from the project's pipeline sequence.
	Disabled bool `yaml:"disabled,omitempty"`
	// AgentTemplate overrides the executor template for this stage.
	AgentTemplate string `yaml:"agent_template,omitempty"`
}

// PipelineConfig is a project's pipeline configuration. The zero value
// (everything enabled, stage-default templates, direct triage) is the
// default for projects with no stored config.
type PipelineConfig struct {
	// Disabled turns the pipeline off for the project entirely.
	Disabled bool `yaml:"disabled,omitempty"`
	// Triage selects direct-model or executor-driven triage.
	Triage TriageMode `yaml:"triage,omitempty"`
	// Stages holds per-stage settings keyed by stage key.
	Stages map[string]StageSettings `yaml:"stages,omitempty"`
}

// DefaultPipelineConfig returns the configuration used when a project has
// no stored pipeline config.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{Triage: TriageDirect}
}

// EnabledStages computes the enabled stage sequence for a run: all
// implementation-phase stages not explicitly disabled, in canonical order.
// Returns nil when the pipeline is disabled.
func (c *PipelineConfig) EnabledStages() []models.StageKey {
	if c.Disabled {
		return nil
	}

	var stages []models.StageKey
	for _, key := range models.ImplementationStages {
		if c.Stages[string(key)].Disabled {
			continue
		}
		stages = append(stages, key)
	}
	return stages
}

// AgentTemplate resolves the executor template for a stage: the project's
// per-stage override if set, otherwise the stage default.
func (c *PipelineConfig) AgentTemplate(stage models.StageKey) string {
	if s, ok := c.Stages[string(stage)]; ok && s.AgentTemplate != "" {
		return s.AgentTemplate
	}
	return string(stage) + "-default"
}

// TriageMode returns the configured triage mode, defaulting to direct.
func (c *PipelineConfig) TriageMode() TriageMode {
	if c.Triage == TriageAgent {
		return TriageAgent
	}
	return TriageDirect
}

// Encode serializes the config for storage in the key-value store.
func (c *PipelineConfig) Encode() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode pipeline config: %w", err)
	}
	return string(data), nil
}

// DecodePipelineConfig parses a stored pipeline config value.
func DecodePipelineConfig(s string) (*PipelineConfig, error) {
	cfg := &PipelineConfig{}
	if err := yaml.Unmarshal([]byte(s), cfg); err != nil {
		return nil, fmt.Errorf("decode pipeline config: %w", err)
	}
	return cfg, nil
}
