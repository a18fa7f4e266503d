// ABOUTME: Worker registration and heartbeat database operations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labpilot/labpilot/internal/models"
)

// RegisterWorker inserts or refreshes a worker row. Workers own their
// identity: registration is an upsert keyed on worker_id and refreshes
// site, capabilities, and last_seen in one statement.
func (s *Store) RegisterWorker(ctx context.Context, worker models.Worker) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if strings.TrimSpace(worker.WorkerID) == "" {
		return errors.New("worker id is required")
	}
	if strings.TrimSpace(worker.SiteName) == "" {
		return errors.New("worker site_name is required")
	}
	caps, err := encodeCapabilities(worker.Capabilities)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	registeredAt := worker.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = now
	}
	lastSeen := worker.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO workers (worker_id, site_name, capabilities, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			site_name = excluded.site_name,
			capabilities = excluded.capabilities,
			last_seen = excluded.last_seen`,
		worker.WorkerID, worker.SiteName, caps, formatTime(registeredAt), formatTime(lastSeen))
	if err != nil {
		return fmt.Errorf("register worker %s: %w", worker.WorkerID, err)
	}
	return nil
}

// TouchWorker updates a worker's heartbeat timestamp. Returns
// sql.ErrNoRows for an unknown worker so the protocol can request
// re-registration.
func (s *Store) TouchWorker(ctx context.Context, workerID string, seenAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if strings.TrimSpace(workerID) == "" {
		return errors.New("worker id is required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE workers SET last_seen = ? WHERE worker_id = ?`,
		formatTime(seenAt), workerID)
	if err != nil {
		return fmt.Errorf("touch worker %s: %w", workerID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected worker %s: %w", workerID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetWorker loads a worker by id.
func (s *Store) GetWorker(ctx context.Context, workerID string) (models.Worker, error) {
	if s == nil || s.DB == nil {
		return models.Worker{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT worker_id, site_name, capabilities, registered_at, last_seen
		FROM workers WHERE worker_id = ?`, workerID)
	return scanWorkerRow(row)
}

// ListWorkers returns all registered workers ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT worker_id, site_name, capabilities, registered_at, last_seen
		FROM workers ORDER BY worker_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []models.Worker
	for rows.Next() {
		worker, err := scanWorkerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

func scanWorkerRow(scanner interface{ Scan(dest ...any) error }) (models.Worker, error) {
	var worker models.Worker
	var caps string
	var registeredAt string
	var lastSeen string
	if err := scanner.Scan(&worker.WorkerID, &worker.SiteName, &caps, &registeredAt, &lastSeen); err != nil {
		return models.Worker{}, err
	}
	decoded, err := decodeCapabilities(caps)
	if err != nil {
		return models.Worker{}, err
	}
	worker.Capabilities = decoded
	if registeredAt != "" {
		worker.RegisteredAt, err = parseTime(registeredAt)
		if err != nil {
			return models.Worker{}, fmt.Errorf("parse registered_at: %w", err)
		}
	}
	if lastSeen != "" {
		worker.LastSeen, err = parseTime(lastSeen)
		if err != nil {
			return models.Worker{}, fmt.Errorf("parse last_seen: %w", err)
		}
	}
	return worker, nil
}
