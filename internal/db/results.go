// ABOUTME: Result envelope records used for idempotency deduplication.
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

// InsertResult records a result envelope keyed by idempotency key.
// Returns false without error when the key is already recorded, which is
// how reconciliation detects a duplicate submission.
func (s *Store) InsertResult(ctx context.Context, envelope models.ResultEnvelope) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if err := envelope.Validate(); err != nil {
		return false, err
	}
	submittedAt := envelope.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO worker_results
		(idempotency_key, task_id, worker_id, payload_type, result_json, error, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(envelope.IdempotencyKey),
		strings.TrimSpace(envelope.TaskID),
		strings.TrimSpace(envelope.WorkerID),
		string(envelope.PayloadType),
		nullIfEmpty(envelope.ResultJSON),
		nullIfEmpty(envelope.Error),
		formatTime(submittedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert result %s: %w", envelope.IdempotencyKey, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected result %s: %w", envelope.IdempotencyKey, err)
	}
	return affected > 0, nil
}

// GetResultByKey loads a recorded result by idempotency key.
func (s *Store) GetResultByKey(ctx context.Context, key string) (models.ResultEnvelope, error) {
	if s == nil || s.DB == nil {
		return models.ResultEnvelope{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT idempotency_key, task_id, worker_id, payload_type, result_json, error, submitted_at
		FROM worker_results WHERE idempotency_key = ?`, key)
	return scanResultRow(row)
}

// DeleteResultsBefore prunes idempotency records submitted before cutoff.
func (s *Store) DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM worker_results WHERE submitted_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected deleting results: %w", err)
	}
	return affected, nil
}

// CountResultsBefore reports how many idempotency records a cleanup run
// would delete.
func (s *Store) CountResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	var count int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_results WHERE submitted_at < ?`,
		formatTime(cutoff)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return count, nil
}

func scanResultRow(scanner interface{ Scan(dest ...any) error }) (models.ResultEnvelope, error) {
	var envelope models.ResultEnvelope
	var payloadType string
	var result sql.NullString
	var errText sql.NullString
	var submittedAt string
	if err := scanner.Scan(
		&envelope.IdempotencyKey,
		&envelope.TaskID,
		&envelope.WorkerID,
		&payloadType,
		&result,
		&errText,
		&submittedAt,
	); err != nil {
		return models.ResultEnvelope{}, err
	}
	envelope.PayloadType = models.PayloadType(payloadType)
	if result.Valid {
		envelope.ResultJSON = result.String
	}
	if errText.Valid {
		envelope.Error = errText.String
	}
	if submittedAt != "" {
		parsed, err := parseTime(submittedAt)
		if err != nil {
			return models.ResultEnvelope{}, fmt.Errorf("parse submitted_at: %w", err)
		}
		envelope.SubmittedAt = parsed
	}
	return envelope, nil
}
