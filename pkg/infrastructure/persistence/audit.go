package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcus-ai/marcus/pkg/events"
)

// ---------------------------------------------------------------------------
// Audit trail — append-only JSONL event log
// ---------------------------------------------------------------------------

const auditTailSize = 500

// AuditTrail appends every system event as one JSON line and keeps a
// bounded in-memory tail for the analytics surface. It is wired to the
// event bus as a global subscriber.
type AuditTrail struct {
	mu   sync.Mutex
	file *os.File
	tail []events.Event
}

// NewAuditTrail opens (or creates) the JSONL file at path for appending.
func NewAuditTrail(path string) (*AuditTrail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit trail %s: %w", path, err)
	}
	return &AuditTrail{file: f}, nil
}

// Append writes one event line. Marshal or write failures are returned so
// the caller can log them; the trail itself never blocks event flow.
func (a *AuditTrail) Append(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	a.tail = append(a.tail, e)
	if len(a.tail) > auditTailSize {
		a.tail = a.tail[len(a.tail)-auditTailSize:]
	}
	return nil
}

// Recent returns up to limit most recent events, newest last.
func (a *AuditTrail) Recent(limit int) []events.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > len(a.tail) {
		limit = len(a.tail)
	}
	out := make([]events.Event, limit)
	copy(out, a.tail[len(a.tail)-limit:])
	return out
}

// Close flushes and closes the underlying file.
func (a *AuditTrail) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// ReadAuditFile loads every event line from a JSONL audit file. Used by
// operator tooling; malformed lines are skipped.
func ReadAuditFile(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
