package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/deltaupdate/internal/logging"
	"github.com/breeze-rmm/deltaupdate/internal/update"
)

var log = logging.L("audit")

// Event types for audit logging.
const (
	EventUpdateClassified  = "update_classified"
	EventUpToDate          = "up_to_date"
	EventDownloadStarted   = "download_started"
	EventAttemptFinished   = "attempt_finished"
	EventInstallDispatched = "install_dispatched"
	EventAttemptFailed     = "attempt_failed"
	EventSilentInstall     = "silent_install"
	EventFallbackToFull    = "fallback_to_full"
	EventServiceStart      = "service_start"
	EventServiceStop       = "service_stop"
	EventLogRotated        = "log_rotated"
)

const (
	genesis     = "genesis"
	chainBroken = "chain-broken"
)

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventInstallDispatched: true,
	EventSilentInstall:     true,
	EventServiceStart:      true,
	EventServiceStop:       true,
}

// Entry is a single audit log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Attempt   uint64         `json:"attempt,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes tamper-evident JSONL audit logs with a SHA-256 hash chain.
// On log rotation, a sentinel entry (EventLogRotated) is written as the first
// record in the new file, with prevHash linking to the last entry of the old file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger creates an audit logger appending to filePath.
func NewLogger(filePath string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filePath,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesis,
	}
	if h := lastHash(filePath); h != "" {
		l.prevHash = h
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", filePath)
	return l, nil
}

// RecordEvent appends the audit entry matching a status event. Downloading
// and Merging events are not audited.
func (l *Logger) RecordEvent(ev update.Event) {
	switch ev.State {
	case update.StatePreparingFull, update.StatePreparingPatch:
		l.Log(EventUpdateClassified, ev.Attempt, map[string]any{
			"kind":    ev.Kind.String(),
			"version": ev.Version,
			"manual":  ev.Manual,
		})
	case update.StateLatest:
		l.Log(EventUpToDate, ev.Attempt, map[string]any{"manual": ev.Manual})
	case update.StateReady:
		l.Log(EventDownloadStarted, ev.Attempt, map[string]any{"kind": ev.Kind.String()})
	case update.StateFinished:
		eventType := EventAttemptFinished
		if ev.Dispatched {
			eventType = EventInstallDispatched
		}
		l.Log(eventType, ev.Attempt, map[string]any{
			"kind":    ev.Kind.String(),
			"path":    ev.Path,
			"version": ev.Version,
		})
	case update.StateError:
		details := map[string]any{
			"kind":    ev.Kind.String(),
			"code":    string(ev.Code),
			"message": ev.Message,
		}
		if ev.Err != nil {
			details["error"] = ev.Err.Error()
		}
		l.Log(EventAttemptFailed, ev.Attempt, details)
	}
}

// RecordSilentResult appends the outcome of a background silent install.
func (l *Logger) RecordSilentResult(r update.SilentResult) {
	l.Log(EventSilentInstall, r.Attempt, map[string]any{
		"path":    r.Path,
		"version": r.Version,
		"ok":      r.OK,
	})
}

// Log appends one entry linked to the previous entry's hash. A failed write
// leaves the chain where it was, so the next entry links to the same
// prevHash. Nil receivers are ignored.
func (l *Logger) Log(eventType string, attempt uint64, details map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: now(),
		EventType: eventType,
		Attempt:   attempt,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	data, hash, err := seal(entry)
	if err != nil {
		log.Error("failed to seal audit entry", "eventType", eventType, logging.KeyError, err)
		l.dropped.Add(1)
		return
	}
	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		// rotation moved the chain head to the sentinel
		entry.PrevHash = l.prevHash
		if data, hash, err = seal(entry); err != nil {
			log.Error("failed to seal audit entry", "eventType", eventType, logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
	}
	if err := l.writeLocked(data, hash, criticalEvents[eventType]); err != nil {
		log.Error("failed to write audit entry", "eventType", eventType, logging.KeyError, err)
		l.dropped.Add(1)
	}
}

// Close flushes and closes the audit log file.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DroppedCount returns the number of audit entries that failed to write.
// Returns -1 if the logger is nil (not initialized), distinguishing
// "logger not available" from "logger working with zero drops".
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// Verify walks an audit file and checks that every entry hashes to its
// recorded entryHash and links to the entry before it. It returns the
// number of entries checked. The first entry's prevHash is accepted as is,
// since it links into a rotated backup or starts the chain.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var (
		count int
		prev  string
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		if count > 0 && e.PrevHash != prev {
			return count, fmt.Errorf("entry %d: chain break: prevHash %q, want %q", count+1, e.PrevHash, prev)
		}
		want, err := computeHash(e)
		if err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		if want != e.EntryHash {
			return count, fmt.Errorf("entry %d: hash mismatch", count+1)
		}
		prev = e.EntryHash
		count++
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("read audit log: %w", err)
	}
	return count, nil
}

// lastHash returns the entryHash of the final record in path, or "" when
// the file is empty, missing or unreadable.
func lastHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var last []byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			last = append(last[:0], sc.Bytes()...)
		}
	}
	var e Entry
	if len(last) == 0 || json.Unmarshal(last, &e) != nil {
		return ""
	}
	return e.EntryHash
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// seal computes the entry hash and returns the JSONL line for e.
func seal(e Entry) ([]byte, string, error) {
	hash, err := computeHash(e)
	if err != nil {
		return nil, "", err
	}
	e.EntryHash = hash
	data, err := json.Marshal(e)
	if err != nil {
		return nil, "", fmt.Errorf("marshal entry: %w", err)
	}
	return append(data, '\n'), hash, nil
}

// writeLocked appends a sealed line and advances the chain. Callers hold mu.
func (l *Logger) writeLocked(data []byte, hash string, sync bool) error {
	n, err := l.file.Write(data)
	l.written += int64(n)
	if err != nil {
		return err
	}
	l.prevHash = hash
	if sync {
		if err := l.file.Sync(); err != nil {
			log.Error("fsync of critical audit entry failed", logging.KeyError, err)
		}
	}
	return nil
}

// computeHash is SHA-256 over length-prefixed fields, so a delimiter inside
// one field cannot collide with a different split of the same bytes.
func computeHash(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Timestamp, e.EventType, strconv.FormatUint(e.Attempt, 10), e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if e.Details != nil {
		detailBytes, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, size, err := logging.OpenAppend(l.filePath)
	if err != nil {
		return err
	}
	l.file = f
	l.written = size
	return nil
}

// rotate shifts the current file into the backups and opens a fresh file
// whose first record is a sentinel linking back to the old chain head. A
// sentinel that cannot be written marks the chain as broken.
func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}
	logging.ShiftBackups(l.filePath, l.maxBackups)
	if err := l.openFile(); err != nil {
		return err
	}

	data, hash, err := seal(Entry{
		Timestamp: now(),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": logging.BackupName(l.filePath, 1)},
	})
	if err == nil {
		err = l.writeLocked(data, hash, false)
	}
	if err != nil {
		log.Error("rotation sentinel not written, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = chainBroken
	}
	return nil
}
