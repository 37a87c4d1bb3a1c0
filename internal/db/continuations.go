// ABOUTME: Durable continuation queue operations: enqueue, claim, complete and cancel.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/envfleet/envfleet/internal/models"
)

const continuationColumns = `id, workflow, environment_id, payload, status, attempts, last_error, available_at, created_at, updated_at`

// EnqueueContinuation inserts a queued continuation job.
func (s *Store) EnqueueContinuation(ctx context.Context, job models.Continuation) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("continuation id is required")
	}
	if strings.TrimSpace(job.Workflow) == "" {
		return errors.New("continuation workflow is required")
	}
	if strings.TrimSpace(job.EnvironmentID) == "" {
		return errors.New("continuation environment id is required")
	}
	if len(job.Payload) == 0 {
		return errors.New("continuation payload is required")
	}
	now := s.clock()
	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO continuations (`+continuationColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)`,
		job.ID,
		job.Workflow,
		job.EnvironmentID,
		job.Payload,
		models.ContinuationQueued,
		formatTime(availableAt),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert continuation %s: %w", job.ID, err)
	}
	return nil
}

// ClaimContinuation marks the oldest available queued job as running and returns it.
// The boolean is false when nothing is ready.
func (s *Store) ClaimContinuation(ctx context.Context) (models.Continuation, bool, error) {
	if s == nil || s.DB == nil {
		return models.Continuation{}, false, errors.New("db store is nil")
	}
	now := s.clock()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Continuation{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	row := tx.QueryRowContext(ctx, `SELECT `+continuationColumns+` FROM continuations
		WHERE status = ? AND available_at <= ?
		ORDER BY available_at ASC, created_at ASC LIMIT 1`, models.ContinuationQueued, formatTime(now))
	job, err := scanContinuationRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Continuation{}, false, nil
		}
		return models.Continuation{}, false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE continuations SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`, models.ContinuationRunning, formatTime(now), job.ID, models.ContinuationQueued)
	if err != nil {
		return models.Continuation{}, false, fmt.Errorf("claim continuation %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Continuation{}, false, fmt.Errorf("rows affected continuation %s: %w", job.ID, err)
	}
	if affected == 0 {
		return models.Continuation{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return models.Continuation{}, false, fmt.Errorf("commit claim %s: %w", job.ID, err)
	}
	job.Status = models.ContinuationRunning
	job.Attempts++
	job.UpdatedAt = now
	return job, true, nil
}

// FinishContinuation records a terminal status for a running job.
func (s *Store) FinishContinuation(ctx context.Context, id string, status models.ContinuationStatus, lastError string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	switch status {
	case models.ContinuationSucceeded, models.ContinuationFailed, models.ContinuationCancelled:
	default:
		return fmt.Errorf("continuation status %q is not terminal", status)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE continuations SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, nullIfEmpty(lastError), formatTime(s.clock()), id, models.ContinuationRunning)
	if err != nil {
		return fmt.Errorf("finish continuation %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected continuation %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("continuation %s not running: %w", id, ErrConflict)
	}
	return nil
}

// RetryContinuation puts a running job back on the queue after delay.
func (s *Store) RetryContinuation(ctx context.Context, id string, delay time.Duration, lastError string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	now := s.clock()
	res, err := s.DB.ExecContext(ctx, `UPDATE continuations SET status = ?, last_error = ?, available_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.ContinuationQueued, nullIfEmpty(lastError), formatTime(now.Add(delay)), formatTime(now), id, models.ContinuationRunning)
	if err != nil {
		return fmt.Errorf("retry continuation %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected continuation %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("continuation %s not running: %w", id, ErrConflict)
	}
	return nil
}

// GetContinuation loads a continuation job by id.
func (s *Store) GetContinuation(ctx context.Context, id string) (models.Continuation, error) {
	if s == nil || s.DB == nil {
		return models.Continuation{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+continuationColumns+` FROM continuations WHERE id = ?`, id)
	job, err := scanContinuationRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Continuation{}, fmt.Errorf("continuation %s: %w", id, ErrNotFound)
		}
		return models.Continuation{}, err
	}
	return job, nil
}

// ListContinuationsByEnvironment returns every job for an environment, oldest first.
func (s *Store) ListContinuationsByEnvironment(ctx context.Context, environmentID string) ([]models.Continuation, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+continuationColumns+` FROM continuations
		WHERE environment_id = ? ORDER BY created_at ASC`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list continuations: %w", err)
	}
	defer rows.Close()
	var out []models.Continuation
	for rows.Next() {
		job, err := scanContinuationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate continuations: %w", err)
	}
	return out, nil
}

// CountContinuationsByStatus returns a count of jobs grouped by status.
func (s *Store) CountContinuationsByStatus(ctx context.Context) (map[models.ContinuationStatus]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM continuations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count continuations: %w", err)
	}
	defer rows.Close()
	out := make(map[models.ContinuationStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan continuation count: %w", err)
		}
		out[models.ContinuationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate continuation counts: %w", err)
	}
	return out, nil
}

func scanContinuationRow(scanner interface{ Scan(dest ...any) error }) (models.Continuation, error) {
	var job models.Continuation
	var status string
	var lastError sql.NullString
	var availableAt, createdAt, updatedAt string
	if err := scanner.Scan(&job.ID, &job.Workflow, &job.EnvironmentID, &job.Payload, &status, &job.Attempts, &lastError, &availableAt, &createdAt, &updatedAt); err != nil {
		return models.Continuation{}, err
	}
	job.Status = models.ContinuationStatus(status)
	job.LastError = lastError.String
	var err error
	if job.AvailableAt, err = parseTime(availableAt); err != nil {
		return models.Continuation{}, fmt.Errorf("parse available_at: %w", err)
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Continuation{}, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Continuation{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return job, nil
}
