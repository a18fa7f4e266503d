// ABOUTME: Append-only audit chain rows and checkpoint queries.
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

// InsertAuditEntry persists one chain entry. The primary key on
// sequence_num rejects duplicate assignment; rows are never updated or
// deleted through this package except by PruneAuditEntriesBefore, which
// always skips checkpoints.
func (s *Store) InsertAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if entry.SequenceNum <= 0 {
		return errors.New("audit sequence_num must be positive")
	}
	if entry.EntryHash == "" {
		return errors.New("audit entry_hash is required")
	}
	if entry.Actor == "" {
		return errors.New("audit actor is required")
	}
	if entry.ActionType == "" {
		return errors.New("audit action_type is required")
	}
	if entry.Timestamp.IsZero() {
		return errors.New("audit timestamp is required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO audit_entries
		(sequence_num, prev_hash, entry_hash, actor, action_type, target_resource, ts, result_summary, checkpoint_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SequenceNum,
		entry.PrevHash,
		entry.EntryHash,
		entry.Actor,
		entry.ActionType,
		nullIfEmpty(entry.TargetResource),
		formatTime(entry.Timestamp),
		nullIfEmpty(entry.ResultSummary),
		string(entry.Checkpoint),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", entry.SequenceNum, err)
	}
	return nil
}

// LatestAuditEntry returns the entry with the highest sequence number, or
// sql.ErrNoRows for an empty chain.
func (s *Store) LatestAuditEntry(ctx context.Context) (models.AuditEntry, error) {
	if s == nil || s.DB == nil {
		return models.AuditEntry{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT sequence_num, prev_hash, entry_hash, actor, action_type,
		target_resource, ts, result_summary, checkpoint_kind
		FROM audit_entries ORDER BY sequence_num DESC LIMIT 1`)
	return scanAuditRow(row)
}

// GetAuditEntry loads one entry by sequence number.
func (s *Store) GetAuditEntry(ctx context.Context, sequenceNum int64) (models.AuditEntry, error) {
	if s == nil || s.DB == nil {
		return models.AuditEntry{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT sequence_num, prev_hash, entry_hash, actor, action_type,
		target_resource, ts, result_summary, checkpoint_kind
		FROM audit_entries WHERE sequence_num = ?`, sequenceNum)
	return scanAuditRow(row)
}

// ListAuditEntries returns entries with from <= sequence_num <= to in
// ascending order. to <= 0 means no upper bound.
func (s *Store) ListAuditEntries(ctx context.Context, from, to int64) ([]models.AuditEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if from <= 0 {
		from = 1
	}
	var rows *sql.Rows
	var err error
	if to > 0 {
		rows, err = s.DB.QueryContext(ctx, `SELECT sequence_num, prev_hash, entry_hash, actor, action_type,
			target_resource, ts, result_summary, checkpoint_kind
			FROM audit_entries WHERE sequence_num >= ? AND sequence_num <= ?
			ORDER BY sequence_num ASC`, from, to)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT sequence_num, prev_hash, entry_hash, actor, action_type,
			target_resource, ts, result_summary, checkpoint_kind
			FROM audit_entries WHERE sequence_num >= ?
			ORDER BY sequence_num ASC`, from)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// ListAuditEntriesBefore returns the non-checkpoint entries that a prune
// at cutoff would remove, ascending, for export prior to pruning. The
// prunable region ends at the last checkpoint dated before cutoff, so the
// retained chain always resumes at a checkpoint; entries between that
// checkpoint and the cutoff stay in hot storage until the next
// checkpoint ages past it.
func (s *Store) ListAuditEntriesBefore(ctx context.Context, cutoff time.Time) ([]models.AuditEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT sequence_num, prev_hash, entry_hash, actor, action_type,
		target_resource, ts, result_summary, checkpoint_kind
		FROM audit_entries WHERE checkpoint_kind = '' AND sequence_num < (
			SELECT COALESCE(MAX(sequence_num), 0) FROM audit_entries
			WHERE checkpoint_kind != '' AND ts < ?)
		ORDER BY sequence_num ASC`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list prunable audit entries: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prunable audit entries: %w", err)
	}
	return out, nil
}

// PruneAuditEntriesBefore removes exported non-checkpoint entries from
// hot storage, up to the last checkpoint dated before cutoff. Checkpoints
// are always retained, and the first entry after any pruned region is a
// checkpoint, so verification never reports a false gap.
func (s *Store) PruneAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM audit_entries
		WHERE checkpoint_kind = '' AND sequence_num < (
			SELECT COALESCE(MAX(sequence_num), 0) FROM audit_entries
			WHERE checkpoint_kind != '' AND ts < ?)`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected pruning audit entries: %w", err)
	}
	return affected, nil
}

// HasAuditEntry reports whether any entry exists for the target resource
// with one of the given action types.
func (s *Store) HasAuditEntry(ctx context.Context, targetResource string, actionTypes ...string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	if len(actionTypes) == 0 {
		return false, errors.New("at least one action type is required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(actionTypes)), ",")
	args := make([]any, 0, len(actionTypes)+1)
	args = append(args, targetResource)
	for _, actionType := range actionTypes {
		args = append(args, actionType)
	}
	var count int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries
		WHERE target_resource = ? AND action_type IN (`+placeholders+`)`, args...).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count audit entries for %s: %w", targetResource, err)
	}
	return count > 0, nil
}

// CountAuditEntries returns the number of entries currently in hot storage.
func (s *Store) CountAuditEntries(ctx context.Context) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	var count int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}

// ListCheckpoints returns all checkpoint entries in ascending order.
func (s *Store) ListCheckpoints(ctx context.Context) ([]models.AuditEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT sequence_num, prev_hash, entry_hash, actor, action_type,
		target_resource, ts, result_summary, checkpoint_kind
		FROM audit_entries WHERE checkpoint_kind != ''
		ORDER BY sequence_num ASC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		entry, err := scanAuditRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func scanAuditRow(scanner interface{ Scan(dest ...any) error }) (models.AuditEntry, error) {
	var entry models.AuditEntry
	var target sql.NullString
	var ts string
	var summary sql.NullString
	var checkpoint string
	if err := scanner.Scan(
		&entry.SequenceNum,
		&entry.PrevHash,
		&entry.EntryHash,
		&entry.Actor,
		&entry.ActionType,
		&target,
		&ts,
		&summary,
		&checkpoint,
	); err != nil {
		return models.AuditEntry{}, err
	}
	if target.Valid {
		entry.TargetResource = target.String
	}
	if ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return models.AuditEntry{}, fmt.Errorf("parse audit ts: %w", err)
		}
		entry.Timestamp = parsed
	}
	if summary.Valid {
		entry.ResultSummary = summary.String
	}
	entry.Checkpoint = models.CheckpointKind(checkpoint)
	return entry, nil
}
