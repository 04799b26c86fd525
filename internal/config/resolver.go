package config

import (
	"log"
	"os"
)

// Resolver reads and writes per-project pipeline configuration over the
// key-value store.
type Resolver struct {
	store *Store
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// PipelineConfig returns the project's pipeline configuration, or the
// default when none is stored. A stored value that fails to decode is
// logged and treated as absent rather than blocking pipeline starts.
func (r *Resolver) PipelineConfig(projectID string) *PipelineConfig {
	raw := r.store.Get(PipelineConfigKey(projectID))
	if raw == "" {
		return DefaultPipelineConfig()
	}

	cfg, err := DecodePipelineConfig(raw)
	if err != nil {
		log.Printf("[config] invalid pipeline config for project %s, using defaults: %v", projectID, err)
		return DefaultPipelineConfig()
	}
	return cfg
}

// SetPipelineConfig stores the project's pipeline configuration.
func (r *Resolver) SetPipelineConfig(projectID string, cfg *PipelineConfig) error {
	encoded, err := cfg.Encode()
	if err != nil {
		return err
	}
	return r.store.Set(PipelineConfigKey(projectID), encoded)
}

// TargetBranch returns the project's merge target branch, defaulting to main.
func (r *Resolver) TargetBranch(projectID string) string {
	if branch := r.store.Get(BranchKey(projectID)); branch != "" {
		return branch
	}
	return "main"
}

// SetTargetBranch stores the project's merge target branch.
func (r *Resolver) SetTargetBranch(projectID, branch string) error {
	return r.store.Set(BranchKey(projectID), branch)
}

// TrackerToken returns the tracker credential, preferring the environment.
func (r *Resolver) TrackerToken() string {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token
	}
	return r.store.Get(TrackerTokenKey)
}
