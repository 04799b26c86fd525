package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

// CreateProject creates a new project record.
func (db *DB) CreateProject(p *models.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO projects (id, name, repo, created_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.Name, p.Repo, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. Returns nil, nil if not found.
func (db *DB) GetProject(id string) (*models.Project, error) {
	row := db.QueryRow(`
		SELECT id, name, repo, created_at FROM projects WHERE id = ?
	`, id)

	var p models.Project
	var repo sql.NullString
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &repo, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	p.Repo = repo.String
	p.CreatedAt, _ = parseTime(createdAt)
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (db *DB) ListProjects() ([]models.Project, error) {
	rows, err := db.Query(`
		SELECT id, name, repo, created_at FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var repo sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &repo, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Repo = repo.String
		p.CreatedAt, _ = parseTime(createdAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject updates a project record.
func (db *DB) UpdateProject(p *models.Project) error {
	_, err := db.Exec(`
		UPDATE projects SET name = ?, repo = ? WHERE id = ?
	`, p.Name, p.Repo, p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}
