// ABOUTME: Task queue database operations: create, claim, reclaim, expire.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labpilot/labpilot/internal/models"
)

// CreateTask inserts a new queued task row into the database.
func (s *Store) CreateTask(ctx context.Context, task models.Task) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if task.SiteName == "" {
		return errors.New("task site_name is required")
	}
	if task.IdempotencyKey == "" {
		return errors.New("task idempotency_key is required")
	}
	if _, err := models.ParsePayloadType(string(task.PayloadType)); err != nil {
		return err
	}
	if task.Status == "" {
		task.Status = models.TaskQueued
	}
	now := time.Now().UTC()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	caps, err := encodeCapabilities(task.RequiredCapabilities)
	if err != nil {
		return err
	}
	var claimedBy interface{}
	if task.ClaimedBy != nil && strings.TrimSpace(*task.ClaimedBy) != "" {
		claimedBy = strings.TrimSpace(*task.ClaimedBy)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO worker_tasks (
		id, site_name, required_caps, payload_type, payload_json, idempotency_key,
		status, claimed_by, lease_expires_at, created_at, claimed_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.SiteName,
		caps,
		string(task.PayloadType),
		nullIfEmpty(task.PayloadJSON),
		task.IdempotencyKey,
		string(task.Status),
		claimedBy,
		nullIfZeroTime(task.LeaseExpiresAt),
		formatTime(createdAt),
		nullIfZeroTime(task.ClaimedAt),
		nullIfZeroTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	if s == nil || s.DB == nil {
		return models.Task{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, site_name, required_caps, payload_type, payload_json,
		idempotency_key, status, claimed_by, lease_expires_at, created_at, claimed_at, completed_at
		FROM worker_tasks WHERE id = ?`, id)
	return scanTaskRow(row)
}

// ListQueuedTasks returns one page of queued tasks for a site, oldest
// first. Callers walk the backlog by advancing offset.
func (s *Store) ListQueuedTasks(ctx context.Context, site string, limit, offset int) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if site == "" {
		return nil, errors.New("site is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if offset < 0 {
		return nil, errors.New("offset must not be negative")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, site_name, required_caps, payload_type, payload_json,
		idempotency_key, status, claimed_by, lease_expires_at, created_at, claimed_at, completed_at
		FROM worker_tasks WHERE status = ? AND site_name = ?
		ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`, string(models.TaskQueued), site, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListRecentTasks returns the most recently created tasks, newest first,
// optionally filtered by status.
func (s *Store) ListRecentTasks(ctx context.Context, status models.TaskStatus, limit int) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	query := `SELECT id, site_name, required_caps, payload_type, payload_json,
		idempotency_key, status, claimed_by, lease_expires_at, created_at, claimed_at, completed_at
		FROM worker_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TryClaimTask atomically transitions one task from QUEUED to CLAIMED for
// the given worker. The single conditional UPDATE keyed on task id and
// expected status guarantees exactly one worker wins a claim race: the
// losers see zero rows affected and move on to another candidate.
func (s *Store) TryClaimTask(ctx context.Context, taskID, workerID string, claimedAt, leaseExpires time.Time) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if taskID == "" {
		return false, errors.New("task id is required")
	}
	if workerID == "" {
		return false, errors.New("worker id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE worker_tasks
		SET status = ?, claimed_by = ?, claimed_at = ?, lease_expires_at = ?
		WHERE id = ? AND status = ?`,
		string(models.TaskClaimed), workerID, formatTime(claimedAt), formatTime(leaseExpires),
		taskID, string(models.TaskQueued))
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected task %s: %w", taskID, err)
	}
	return affected > 0, nil
}

// MarkTaskExecuting transitions a claimed task to EXECUTING for its owner.
func (s *Store) MarkTaskExecuting(ctx context.Context, taskID, workerID string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE worker_tasks SET status = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		string(models.TaskExecuting), taskID, workerID, string(models.TaskClaimed))
	if err != nil {
		return false, fmt.Errorf("mark task %s executing: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected task %s: %w", taskID, err)
	}
	return affected > 0, nil
}

// FinalizeTask transitions a claimed or executing task owned by workerID to
// a terminal status. Returns false when the task is no longer held by that
// worker (lease expired and reassigned, or already finalized).
func (s *Store) FinalizeTask(ctx context.Context, taskID, workerID string, status models.TaskStatus, completedAt time.Time) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE worker_tasks
		SET status = ?, completed_at = ?, lease_expires_at = NULL
		WHERE id = ? AND claimed_by = ? AND status IN (?, ?)`,
		string(status), formatTime(completedAt),
		taskID, workerID, string(models.TaskClaimed), string(models.TaskExecuting))
	if err != nil {
		return false, fmt.Errorf("finalize task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected task %s: %w", taskID, err)
	}
	return affected > 0, nil
}

// ReclaimExpiredLeases returns CLAIMED/EXECUTING tasks whose lease passed
// and moves each back to QUEUED. The returned tasks reflect their state
// before the reclaim so callers can log the previous holder.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, site_name, required_caps, payload_type, payload_json,
		idempotency_key, status, claimed_by, lease_expires_at, created_at, claimed_at, completed_at
		FROM worker_tasks
		WHERE status IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(models.TaskClaimed), string(models.TaskExecuting), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	expired, err := collectTasksClose(rows)
	if err != nil {
		return nil, err
	}
	var reclaimed []models.Task
	for _, task := range expired {
		res, err := s.DB.ExecContext(ctx, `UPDATE worker_tasks
			SET status = ?, claimed_by = NULL, claimed_at = NULL, lease_expires_at = NULL
			WHERE id = ? AND status = ?`,
			string(models.TaskQueued), task.ID, string(task.Status))
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim task %s: %w", task.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return reclaimed, fmt.Errorf("rows affected task %s: %w", task.ID, err)
		}
		if affected > 0 {
			reclaimed = append(reclaimed, task)
		}
	}
	return reclaimed, nil
}

// ExpireStaleQueued marks QUEUED tasks created before cutoff as EXPIRED and
// returns the affected tasks so the expiry can be surfaced, never silently
// dropped.
func (s *Store) ExpireStaleQueued(ctx context.Context, cutoff, now time.Time) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, site_name, required_caps, payload_type, payload_json,
		idempotency_key, status, claimed_by, lease_expires_at, created_at, claimed_at, completed_at
		FROM worker_tasks WHERE status = ? AND created_at < ?`,
		string(models.TaskQueued), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale queued tasks: %w", err)
	}
	stale, err := collectTasksClose(rows)
	if err != nil {
		return nil, err
	}
	var expired []models.Task
	for _, task := range stale {
		res, err := s.DB.ExecContext(ctx, `UPDATE worker_tasks
			SET status = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(models.TaskExpired), formatTime(now), task.ID, string(models.TaskQueued))
		if err != nil {
			return expired, fmt.Errorf("expire task %s: %w", task.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return expired, fmt.Errorf("rows affected task %s: %w", task.ID, err)
		}
		if affected > 0 {
			task.Status = models.TaskExpired
			task.CompletedAt = now
			expired = append(expired, task)
		}
	}
	return expired, nil
}

// CountTasksByStatus returns a count of tasks grouped by status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM worker_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		if status == "" {
			continue
		}
		out[models.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return out, nil
}

// DeleteTerminalTasksBefore removes terminal tasks completed before cutoff.
// Non-terminal statuses are rejected so retention can never delete live
// queue state.
func (s *Store) DeleteTerminalTasksBefore(ctx context.Context, status models.TaskStatus, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if !status.IsTerminal() {
		return 0, fmt.Errorf("status %s is not terminal", status)
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM worker_tasks
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(status), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete %s tasks: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected deleting %s tasks: %w", status, err)
	}
	return affected, nil
}

// CountTerminalTasksBefore reports how many terminal tasks a cleanup run
// would delete, used for dry-run reporting.
func (s *Store) CountTerminalTasksBefore(ctx context.Context, status models.TaskStatus, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if !status.IsTerminal() {
		return 0, fmt.Errorf("status %s is not terminal", status)
	}
	var count int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_tasks
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(status), formatTime(cutoff)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s tasks: %w", status, err)
	}
	return count, nil
}

func encodeCapabilities(caps []string) (string, error) {
	data, err := json.Marshal(models.NormalizeCapabilities(caps))
	if err != nil {
		return "", fmt.Errorf("encode capabilities: %w", err)
	}
	return string(data), nil
}

func decodeCapabilities(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var caps []string
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if len(caps) == 0 {
		return nil, nil
	}
	return caps, nil
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var out []models.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func collectTasksClose(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()
	return collectTasks(rows)
}

func scanTaskRow(scanner interface{ Scan(dest ...any) error }) (models.Task, error) {
	var task models.Task
	var caps string
	var payloadType string
	var payload sql.NullString
	var status string
	var claimedBy sql.NullString
	var leaseExpires sql.NullString
	var createdAt string
	var claimedAt sql.NullString
	var completedAt sql.NullString
	if err := scanner.Scan(
		&task.ID,
		&task.SiteName,
		&caps,
		&payloadType,
		&payload,
		&task.IdempotencyKey,
		&status,
		&claimedBy,
		&leaseExpires,
		&createdAt,
		&claimedAt,
		&completedAt,
	); err != nil {
		return models.Task{}, err
	}
	decoded, err := decodeCapabilities(caps)
	if err != nil {
		return models.Task{}, err
	}
	task.RequiredCapabilities = decoded
	task.PayloadType = models.PayloadType(payloadType)
	if payload.Valid {
		task.PayloadJSON = payload.String
	}
	if status == "" {
		return models.Task{}, errors.New("task status missing")
	}
	task.Status = models.TaskStatus(status)
	if claimedBy.Valid {
		value := claimedBy.String
		task.ClaimedBy = &value
	}
	if leaseExpires.Valid {
		task.LeaseExpiresAt, err = parseTime(leaseExpires.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse lease_expires_at: %w", err)
		}
	}
	if createdAt != "" {
		task.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if claimedAt.Valid {
		task.ClaimedAt, err = parseTime(claimedAt.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse claimed_at: %w", err)
		}
	}
	if completedAt.Valid {
		task.CompletedAt, err = parseTime(completedAt.String)
		if err != nil {
			return models.Task{}, fmt.Errorf("parse completed_at: %w", err)
		}
	}
	return task, nil
}
