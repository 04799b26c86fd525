package models

import "time"

// Project represents a tenant that owns tasks and pipeline configuration.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`
	// Name is the human-readable project name.
	Name string `json:"name"`
	// Repo is the tracker repository identifier ("owner/name" for GitHub).
	Repo string `json:"repo,omitempty"`
	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
}
