// ABOUTME: Durable JSONL export of audit entries prior to hot-storage pruning.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/labpilot/labpilot/internal/models"
)

const exportDirPerms = 0o750

// exportRecord is the JSONL line format for exported audit entries. It
// carries every persisted field so a pruned range can still be verified
// against the export.
type exportRecord struct {
	SequenceNum    int64  `json:"sequence_num"`
	PrevHash       string `json:"prev_hash"`
	EntryHash      string `json:"entry_hash"`
	Actor          string `json:"actor"`
	ActionType     string `json:"action_type"`
	TargetResource string `json:"target_resource,omitempty"`
	Timestamp      string `json:"timestamp"`
	ResultSummary  string `json:"result_summary,omitempty"`
	Checkpoint     string `json:"checkpoint,omitempty"`
}

// Exporter writes audit entries to durable export files before retention
// prunes them from hot storage. When recipients are configured the export
// is age-encrypted, mirroring how secret bundles are protected at rest.
type Exporter struct {
	Dir        string
	Recipients []age.Recipient
}

// ParseRecipients parses age X25519 recipient strings from configuration.
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	var out []age.Recipient
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse age recipient: %w", err)
		}
		out = append(out, recipient)
	}
	return out, nil
}

// Export writes the entries as one JSONL file named by the export time
// and the covered sequence range. The file is written to a temp path and
// renamed so a crash never leaves a partial export behind. Returns the
// final path.
func (e Exporter) Export(entries []models.AuditEntry, now time.Time) (string, error) {
	if strings.TrimSpace(e.Dir) == "" {
		return "", errors.New("export dir is required")
	}
	if len(entries) == 0 {
		return "", errors.New("no entries to export")
	}
	if err := os.MkdirAll(e.Dir, exportDirPerms); err != nil {
		return "", fmt.Errorf("create export dir %s: %w", e.Dir, err)
	}
	name := fmt.Sprintf("audit-%s-seq%d-%d.jsonl",
		now.UTC().Format("20060102T150405Z"),
		entries[0].SequenceNum, entries[len(entries)-1].SequenceNum)
	if len(e.Recipients) > 0 {
		name += ".age"
	}
	path := filepath.Join(e.Dir, name)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create export %s: %w", tmp, err)
	}
	if err := e.writeEntries(file, entries); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close export %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize export %s: %w", path, err)
	}
	return path, nil
}

func (e Exporter) writeEntries(w io.Writer, entries []models.AuditEntry) error {
	sink := w
	var encrypter io.WriteCloser
	if len(e.Recipients) > 0 {
		var err error
		encrypter, err = age.Encrypt(w, e.Recipients...)
		if err != nil {
			return fmt.Errorf("start age encryption: %w", err)
		}
		sink = encrypter
	}
	buffered := bufio.NewWriter(sink)
	enc := json.NewEncoder(buffered)
	for _, entry := range entries {
		if err := enc.Encode(exportRecord{
			SequenceNum:    entry.SequenceNum,
			PrevHash:       entry.PrevHash,
			EntryHash:      entry.EntryHash,
			Actor:          entry.Actor,
			ActionType:     entry.ActionType,
			TargetResource: entry.TargetResource,
			Timestamp:      entry.Timestamp.UTC().Format(time.RFC3339Nano),
			ResultSummary:  entry.ResultSummary,
			Checkpoint:     string(entry.Checkpoint),
		}); err != nil {
			return fmt.Errorf("encode export entry %d: %w", entry.SequenceNum, err)
		}
	}
	if err := buffered.Flush(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	if encrypter != nil {
		if err := encrypter.Close(); err != nil {
			return fmt.Errorf("finish age encryption: %w", err)
		}
	}
	return nil
}

// ReadExport loads entries back from an export file, decrypting with the
// provided identities when the file carries the .age suffix. Used to
// verify pruned ranges against their export.
func ReadExport(path string, identities ...age.Identity) ([]models.AuditEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export %s: %w", path, err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".age") {
		if len(identities) == 0 {
			return nil, errors.New("export is encrypted and no identity was provided")
		}
		reader, err = age.Decrypt(file, identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypt export %s: %w", path, err)
		}
	}

	var out []models.AuditEntry
	dec := json.NewDecoder(reader)
	for {
		var record exportRecord
		if err := dec.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode export %s: %w", path, err)
		}
		timestamp, err := time.Parse(time.RFC3339Nano, record.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parse export timestamp: %w", err)
		}
		out = append(out, models.AuditEntry{
			SequenceNum:    record.SequenceNum,
			PrevHash:       record.PrevHash,
			EntryHash:      record.EntryHash,
			Actor:          record.Actor,
			ActionType:     record.ActionType,
			TargetResource: record.TargetResource,
			Timestamp:      timestamp,
			ResultSummary:  record.ResultSummary,
			Checkpoint:     models.CheckpointKind(record.Checkpoint),
		})
	}
	return out, nil
}
