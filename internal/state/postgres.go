package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/lib/pq"

	"github.com/danpasecinic/inpaintd/internal/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresArchive is a PostgreSQL implementation of Archive
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive creates a new PostgreSQL archive and applies migrations
func NewPostgresArchive(connectionString string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	archive := &PostgresArchive{db: db}

	if err := archive.runMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return archive, nil
}

// Close closes the database connection
func (s *PostgresArchive) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// runMigrations applies database schema using goose
func (s *PostgresArchive) runMigrations() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveTask upserts a task snapshot
func (s *PostgresArchive) SaveTask(ctx context.Context, task types.Task) error {
	metaJSON, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO tasks (task_id, status, stage, overall_progress, stage_progress, current_unit, total_units,
		                   message, created_at, started_at, completed_at, error_message, result, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			overall_progress = EXCLUDED.overall_progress,
			stage_progress = EXCLUDED.stage_progress,
			current_unit = EXCLUDED.current_unit,
			total_units = EXCLUDED.total_units,
			message = EXCLUDED.message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message,
			result = EXCLUDED.result,
			metadata = EXCLUDED.metadata
	`

	_, err = s.db.ExecContext(
		ctx,
		query,
		task.TaskID,
		task.Status,
		task.Stage,
		task.OverallProgress,
		task.StageProgress,
		task.CurrentUnit,
		task.TotalUnits,
		nullString(task.Message),
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		nullString(task.ErrorMessage),
		nullString(task.Result),
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	return nil
}

// GetTask retrieves an archived task by ID
func (s *PostgresArchive) GetTask(ctx context.Context, taskID string) (types.Task, error) {
	query := `
		SELECT task_id, status, stage, overall_progress, stage_progress, current_unit, total_units,
		       message, created_at, started_at, completed_at, error_message, result, metadata
		FROM tasks
		WHERE task_id = $1
	`

	var task types.Task
	var metaJSON []byte
	var message, errorMsg, result sql.NullString
	var startedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&task.TaskID,
		&task.Status,
		&task.Stage,
		&task.OverallProgress,
		&task.StageProgress,
		&task.CurrentUnit,
		&task.TotalUnits,
		&message,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&errorMsg,
		&result,
		&metaJSON,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to get task: %w", err)
	}

	if len(metaJSON) > 0 && string(metaJSON) != "null" {
		if err := json.Unmarshal(metaJSON, &task.Metadata); err != nil {
			return types.Task{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	task.Message = message.String
	task.ErrorMessage = errorMsg.String
	task.Result = result.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}

	return task, nil
}

// AppendAttempts inserts retry attempts in a single transaction
func (s *PostgresArchive) AppendAttempts(ctx context.Context, taskID string, attempts []types.RetryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO retry_attempts (task_id, attempt, attempted_at, strategy, reason, params, delay_ms, success, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, a := range attempts {
		paramsJSON, err := json.Marshal(a.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			query,
			taskID,
			a.Attempt,
			a.Timestamp,
			a.Strategy,
			a.Reason,
			paramsJSON,
			a.Delay.Milliseconds(),
			a.Success,
			nullString(a.Error),
			a.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert retry attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry attempts: %w", err)
	}
	return nil
}

// ListAttempts returns a task's retry attempts ordered by insertion
func (s *PostgresArchive) ListAttempts(ctx context.Context, taskID string) ([]types.RetryAttempt, error) {
	query := `
		SELECT attempt, attempted_at, strategy, reason, params, delay_ms, success, error, duration_ms
		FROM retry_attempts
		WHERE task_id = $1
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []types.RetryAttempt
	for rows.Next() {
		a := types.RetryAttempt{TaskID: taskID}
		var paramsJSON []byte
		var errMsg sql.NullString
		var delayMs, durationMs int64

		if err := rows.Scan(
			&a.Attempt,
			&a.Timestamp,
			&a.Strategy,
			&a.Reason,
			&paramsJSON,
			&delayMs,
			&a.Success,
			&errMsg,
			&durationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan retry attempt: %w", err)
		}

		if err := json.Unmarshal(paramsJSON, &a.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		a.Error = errMsg.String
		a.Delay = time.Duration(delayMs) * time.Millisecond
		a.Duration = time.Duration(durationMs) * time.Millisecond
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating retry attempts: %w", err)
	}

	return attempts, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
