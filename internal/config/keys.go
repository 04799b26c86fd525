package config

// Composite keys for the per-project key-value store. Project-scoped keys
// follow the project:{id}:{name} convention.

// TrackerTokenKey is the global tracker credential key.
const TrackerTokenKey = "github:token"

// PipelineConfigKey returns the key holding a project's pipeline
// configuration (YAML-encoded PipelineConfig).
func PipelineConfigKey(projectID string) string {
	return "project:" + projectID + ":pipeline-config"
}

// BranchKey returns the key holding a project's merge target branch.
func BranchKey(projectID string) string {
	return "project:" + projectID + ":github:branch"
}
