// Package audit implements the append-only, hash-linked audit ledger.
//
// Every state-changing action in the control plane lands here as an
// AuditEntry whose hash covers the canonical entry content plus the
// previous entry's hash. Sequence numbers are gapless and assigned under
// a serializing lock, so concurrent appends queue rather than interleave.
// Entries are never updated or deleted; retention may export and prune
// old entries from hot storage, but checkpoint entries (genesis, first of
// each UTC day, first of each UTC month) are kept forever so the chain
// stays verifiable against the export.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/labpilot/labpilot/internal/db"
	"github.com/labpilot/labpilot/internal/models"
)

// EntryContent is the caller-supplied portion of an audit entry. The
// chain assigns sequence number, hashes, timestamp default, and
// checkpoint kind.
type EntryContent struct {
	Actor          string
	ActionType     string
	TargetResource string
	Timestamp      time.Time
	ResultSummary  string
}

// canonicalContent is the stable serialization hashed into entry_hash.
// Field order and the RFC3339Nano UTC timestamp format must never change
// once chains exist, or old entries stop verifying.
type canonicalContent struct {
	Actor          string `json:"actor"`
	ActionType     string `json:"action_type"`
	TargetResource string `json:"target_resource"`
	Timestamp      string `json:"timestamp"`
	ResultSummary  string `json:"result_summary"`
}

// Chain serializes appends to the audit ledger. A single Chain instance
// owns writes for one store; concurrent Append calls queue on the mutex.
type Chain struct {
	store *db.Store
	mu    sync.Mutex
	now   func() time.Time
}

// NewChain constructs a chain writer over the given store.
func NewChain(store *db.Store) *Chain {
	return &Chain{store: store, now: time.Now}
}

// WithClock overrides the clock, used by tests for deterministic
// checkpoint boundaries.
func (c *Chain) WithClock(now func() time.Time) *Chain {
	if now != nil {
		c.now = now
	}
	return c
}

// Append computes the next entry in the chain and persists it.
//
// The sequence number is derived from the stored head under the chain
// lock, so a failed insert never advances the sequence: the caller can
// retry the append and receive the same slot. Callers must not proceed
// as if audited when Append returns an error.
func (c *Chain) Append(ctx context.Context, content EntryContent) (models.AuditEntry, error) {
	if c == nil || c.store == nil {
		return models.AuditEntry{}, errors.New("audit chain is nil")
	}
	if strings.TrimSpace(content.Actor) == "" {
		return models.AuditEntry{}, errors.New("audit actor is required")
	}
	if strings.TrimSpace(content.ActionType) == "" {
		return models.AuditEntry{}, errors.New("audit action_type is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	timestamp := content.Timestamp
	if timestamp.IsZero() {
		timestamp = c.now()
	}
	timestamp = timestamp.UTC()

	var prevHash string
	var sequenceNum int64 = 1
	checkpoint := models.CheckpointGenesis

	head, err := c.store.LatestAuditEntry(ctx)
	switch {
	case err == nil:
		prevHash = head.EntryHash
		sequenceNum = head.SequenceNum + 1
		checkpoint = checkpointKind(head.Timestamp, timestamp)
	case errors.Is(err, sql.ErrNoRows):
		// empty chain, genesis entry
	default:
		return models.AuditEntry{}, fmt.Errorf("load chain head: %w", err)
	}

	entry := models.AuditEntry{
		SequenceNum:    sequenceNum,
		PrevHash:       prevHash,
		Actor:          content.Actor,
		ActionType:     content.ActionType,
		TargetResource: content.TargetResource,
		Timestamp:      timestamp,
		ResultSummary:  content.ResultSummary,
		Checkpoint:     checkpoint,
	}
	entry.EntryHash, err = ComputeEntryHash(entry)
	if err != nil {
		return models.AuditEntry{}, err
	}
	if err := c.store.InsertAuditEntry(ctx, entry); err != nil {
		return models.AuditEntry{}, fmt.Errorf("append audit entry %d: %w", sequenceNum, err)
	}
	return entry, nil
}

// ComputeEntryHash returns the hex SHA-256 of the entry's canonical
// content concatenated with its prev_hash.
func ComputeEntryHash(entry models.AuditEntry) (string, error) {
	payload, err := json.Marshal(canonicalContent{
		Actor:          entry.Actor,
		ActionType:     entry.ActionType,
		TargetResource: entry.TargetResource,
		Timestamp:      entry.Timestamp.UTC().Format(time.RFC3339Nano),
		ResultSummary:  entry.ResultSummary,
	})
	if err != nil {
		return "", fmt.Errorf("serialize audit content: %w", err)
	}
	sum := sha256.Sum256(append(payload, []byte(entry.PrevHash)...))
	return hex.EncodeToString(sum[:]), nil
}

// checkpointKind decides whether a new entry opens a UTC day or month.
// Month boundaries take precedence over day boundaries.
func checkpointKind(prev, next time.Time) models.CheckpointKind {
	prev = prev.UTC()
	next = next.UTC()
	if prev.Year() != next.Year() || prev.Month() != next.Month() {
		return models.CheckpointMonthly
	}
	if prev.YearDay() != next.YearDay() {
		return models.CheckpointDaily
	}
	return models.CheckpointNone
}
