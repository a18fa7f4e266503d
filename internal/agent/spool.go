package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/labpilot/labpilot/internal/models"
)

const (
	spoolDirPerms  = 0o750
	spoolFilePerms = 0o640
	spoolSuffix    = ".json"
)

// Spool buffers result envelopes on disk while the control plane is
// unreachable. Each envelope lives in its own file named
// <payload_type>_<unix_nano>_<task_id>.json so the backlog survives
// agent restarts and can be inspected with plain shell tools.
type Spool struct {
	dir string
}

// SpoolEntry identifies one buffered envelope.
type SpoolEntry struct {
	Path        string
	PayloadType models.PayloadType
	UnixNano    int64
	TaskID      string
}

func NewSpool(dir string) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if err := os.MkdirAll(dir, spoolDirPerms); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Write persists one envelope atomically. The temp file is renamed into
// place so a crash mid-write never leaves a half-parseable entry.
func (s *Spool) Write(envelope models.ResultEnvelope) (string, error) {
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode spooled result: %w", err)
	}
	name := fmt.Sprintf("%s_%d_%s%s", envelope.PayloadType, envelope.SubmittedAt.UnixNano(), envelope.TaskID, spoolSuffix)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, spoolFilePerms); err != nil {
		return "", fmt.Errorf("write spool file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit spool file: %w", err)
	}
	return path, nil
}

// List returns the backlog newest-first. Files that do not parse as
// spool entries are skipped rather than failing the whole replay.
func (s *Spool) List() ([]SpoolEntry, error) {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool directory: %w", err)
	}
	entries := make([]SpoolEntry, 0, len(names))
	for _, de := range names {
		if de.IsDir() {
			continue
		}
		entry, ok := parseSpoolName(de.Name())
		if !ok {
			continue
		}
		entry.Path = filepath.Join(s.dir, de.Name())
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UnixNano > entries[j].UnixNano
	})
	return entries, nil
}

// Read loads the envelope stored at a spool entry.
func (s *Spool) Read(entry SpoolEntry) (models.ResultEnvelope, error) {
	var envelope models.ResultEnvelope
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return envelope, fmt.Errorf("read spool file: %w", err)
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return envelope, fmt.Errorf("decode spool file %s: %w", filepath.Base(entry.Path), err)
	}
	return envelope, nil
}

// Remove deletes a delivered entry.
func (s *Spool) Remove(entry SpoolEntry) error {
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spool file: %w", err)
	}
	return nil
}

// Size reports the current backlog depth.
func (s *Spool) Size() (int, error) {
	entries, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// parseSpoolName splits <payload_type>_<unix_nano>_<task_id>.json.
// Payload types contain underscores themselves, so the timestamp is
// located as the single all-digit component.
func parseSpoolName(name string) (SpoolEntry, bool) {
	var entry SpoolEntry
	base, ok := strings.CutSuffix(name, spoolSuffix)
	if !ok {
		return entry, false
	}
	parts := strings.Split(base, "_")
	for i := 1; i < len(parts)-1; i++ {
		nanos, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			continue
		}
		payloadType, err := models.ParsePayloadType(strings.Join(parts[:i], "_"))
		if err != nil {
			continue
		}
		entry.PayloadType = payloadType
		entry.UnixNano = nanos
		entry.TaskID = strings.Join(parts[i+1:], "_")
		return entry, true
	}
	return entry, false
}
