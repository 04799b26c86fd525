// Package store provides SQLite-based persistence for conveyor.
package store

import (
	"io"
	"time"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

// TaskStore handles task-record persistence operations.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(t *models.Task) error
	DeleteTask(id string) error
	ListTasks(projectID string) ([]models.Task, error)
	ListPipelineTasks() ([]models.Task, error)
	ListStaleTasks(cutoff time.Time) ([]models.Task, error)
	Subscribe(obs Observer)
}

// ProjectStore handles project-record persistence operations.
type ProjectStore interface {
	CreateProject(p *models.Project) error
	GetProject(id string) (*models.Project, error)
	ListProjects() ([]models.Project, error)
	UpdateProject(p *models.Project) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// WorkItemStore defines the interface the orchestrator depends on.
// It allows the pipeline to work with any backend without depending on the
// concrete SQLite implementation.
type WorkItemStore interface {
	io.Closer
	Migrator
	TaskStore
	ProjectStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ WorkItemStore = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
	_ TaskStore     = (*DB)(nil)
	_ ProjectStore  = (*DB)(nil)
)
