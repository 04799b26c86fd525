package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

// Observer receives a change notification with the freshly read-back task
// record after every task mutation.
type Observer func(task *models.Task)

// Subscribe registers an observer for task change notifications.
func (db *DB) Subscribe(obs Observer) {
	db.observerMu.Lock()
	defer db.observerMu.Unlock()
	db.observers = append(db.observers, obs)
}

// notify reads the task back and fans it out to observers. Mutations always
// notify with the committed record, not the caller's copy.
func (db *DB) notify(taskID string) {
	task, err := db.GetTask(taskID)
	if err != nil || task == nil {
		return
	}

	db.observerMu.RLock()
	observers := make([]Observer, len(db.observers))
	copy(observers, db.observers)
	db.observerMu.RUnlock()

	for _, obs := range observers {
		obs(task)
	}
}

const taskColumns = `id, project_id, title, description, placement, issue_number, repo,
	pipeline_stage, pipeline_stages, spawn_retries, kickback_from, branch,
	pr_number, assignee, summary, created_at, updated_at`

// CreateTask creates a new task record.
func (db *DB) CreateTask(t *models.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	stages, err := encodeStages(t.PipelineStages)
	if err != nil {
		return fmt.Errorf("encode stage sequence: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.Title, t.Description, string(t.Placement), t.IssueNumber, t.Repo,
		t.PipelineStage, stages, t.SpawnRetries, t.KickbackFrom, t.Branch,
		t.PRNumber, t.Assignee, t.Summary, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	db.notify(t.ID)
	return nil
}

// GetTask retrieves a task by ID. Returns nil, nil if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask updates a task record, stamps updated_at, and notifies
// observers with the read-back record.
func (db *DB) UpdateTask(t *models.Task) error {
	t.UpdatedAt = time.Now()

	stages, err := encodeStages(t.PipelineStages)
	if err != nil {
		return fmt.Errorf("encode stage sequence: %w", err)
	}

	_, err = db.Exec(`
		UPDATE tasks SET project_id = ?, title = ?, description = ?, placement = ?,
			issue_number = ?, repo = ?, pipeline_stage = ?, pipeline_stages = ?,
			spawn_retries = ?, kickback_from = ?, branch = ?, pr_number = ?,
			assignee = ?, summary = ?, updated_at = ?
		WHERE id = ?
	`, t.ProjectID, t.Title, t.Description, string(t.Placement),
		t.IssueNumber, t.Repo, t.PipelineStage, stages,
		t.SpawnRetries, t.KickbackFrom, t.Branch, t.PRNumber,
		t.Assignee, t.Summary, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	db.notify(t.ID)
	return nil
}

// DeleteTask deletes a task by ID.
func (db *DB) DeleteTask(id string) error {
	_, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasks returns every task for a project, most recently updated first.
// An empty projectID lists tasks across all projects.
func (db *DB) ListTasks(projectID string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListPipelineTasks returns tasks with an active placement and a non-empty
// pipeline stage. Startup recovery rebuilds in-memory pipeline state from
// this set.
func (db *DB) ListPipelineTasks() ([]models.Task, error) {
	rows, err := db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE placement = ? AND pipeline_stage IS NOT NULL AND pipeline_stage != ''
		ORDER BY created_at
	`, string(models.PlacementActive))
	if err != nil {
		return nil, fmt.Errorf("list pipeline tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListStaleTasks returns pipeline tasks whose record has not been updated
// since the cutoff. The sweep treats these as evidence of a dead executor.
func (db *DB) ListStaleTasks(cutoff time.Time) ([]models.Task, error) {
	rows, err := db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE placement = ? AND pipeline_stage IS NOT NULL AND pipeline_stage != ''
			AND updated_at < ?
		ORDER BY updated_at
	`, string(models.PlacementActive), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var placement, stages string
	var description, repo, stage, kickback, branch, assignee, summary sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(&t.ID, &t.ProjectID, &t.Title, &description, &placement, &t.IssueNumber, &repo,
		&stage, &stages, &t.SpawnRetries, &kickback, &branch,
		&t.PRNumber, &assignee, &summary, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.Placement = models.Placement(placement)
	t.Repo = repo.String
	t.PipelineStage = stage.String
	t.KickbackFrom = kickback.String
	t.Branch = branch.String
	t.Assignee = assignee.String
	t.Summary = summary.String

	t.PipelineStages, err = decodeStages(stages)
	if err != nil {
		return nil, fmt.Errorf("decode stage sequence: %w", err)
	}

	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Printf("[store] skipping unreadable task row: %v", err)
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func encodeStages(stages []string) (string, error) {
	if len(stages) == 0 {
		return "", nil
	}
	data, err := json.Marshal(stages)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStages(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var stages []string
	if err := json.Unmarshal([]byte(s), &stages); err != nil {
		return nil, err
	}
	return stages, nil
}
