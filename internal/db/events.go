package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Event is one operational log row: lease reclaims, queue expiry, worker
// registration. Events are prunable by retention, unlike audit entries.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	TaskID    *string
	WorkerID  *string
	Message   string
	JSON      string
}

// InsertEvent appends an operational event row.
func (s *Store) InsertEvent(ctx context.Context, event Event) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if event.Kind == "" {
		return errors.New("event kind is required")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var taskID interface{}
	if event.TaskID != nil && *event.TaskID != "" {
		taskID = *event.TaskID
	}
	var workerID interface{}
	if event.WorkerID != nil && *event.WorkerID != "" {
		workerID = *event.WorkerID
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, task_id, worker_id, msg, json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(ts), event.Kind, taskID, workerID,
		nullIfEmpty(event.Message), nullIfEmpty(event.JSON))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.Kind, err)
	}
	return nil
}

// ListEventsTail returns the most recent events in chronological order.
func (s *Store) ListEventsTail(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, task_id, worker_id, msg, json
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events tail: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events tail: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteEventsBefore prunes events older than cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected deleting events: %w", err)
	}
	return affected, nil
}

// CountEventsBefore reports how many events a cleanup run would delete.
func (s *Store) CountEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	var count int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE ts < ?`,
		formatTime(cutoff)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var kind string
	var taskID sql.NullString
	var workerID sql.NullString
	var msg sql.NullString
	var jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &kind, &taskID, &workerID, &msg, &jsonPayload); err != nil {
		return Event{}, err
	}
	if ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse event ts: %w", err)
		}
		ev.Timestamp = parsed
	}
	ev.Kind = kind
	if taskID.Valid {
		value := taskID.String
		ev.TaskID = &value
	}
	if workerID.Valid {
		value := workerID.String
		ev.WorkerID = &value
	}
	if msg.Valid {
		ev.Message = msg.String
	}
	if jsonPayload.Valid {
		ev.JSON = jsonPayload.String
	}
	return ev, nil
}
