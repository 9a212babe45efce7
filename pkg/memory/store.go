// Package memory persists what agents learn while working: decisions,
// implementation summaries, produced artifacts and blockers, keyed by task.
// The assignment engine reads it back as context when handing out related
// work, so knowledge survives agent restarts.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus-ai/marcus/pkg/logger"
)

const defaultCacheSize = 128

// Store is the SQLite-backed project memory.
type Store struct {
	mu    sync.RWMutex
	db    *sql.DB
	cache *lru.Cache[string, *dbContext]
}

// Decision is an architectural or implementation choice logged by an agent.
type Decision struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Decision     string    `json:"decision"`
	PromotedFrom string    `json:"promoted_from,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Artifact is a file an agent produced while working a task.
type Artifact struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	Filename     string    `json:"filename"`
	Path         string    `json:"path"`
	Type         string    `json:"artifact_type"`
	Description  string    `json:"description,omitempty"`
	PromotedFrom string    `json:"promoted_from,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Implementation is a completion summary for a finished task.
type Implementation struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Blocker is a recorded obstruction, kept for predictive warnings on
// downstream tasks.
type Blocker struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Resolution  string    `json:"resolution,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Open creates or opens the store at path.
func Open(path string, cacheSize int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	if cacheSize < 1 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *dbContext](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.InfoCF("memory", "store opened", map[string]interface{}{"path": path})
	return &Store{db: db, cache: cache}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		promoted_from TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		description TEXT DEFAULT '',
		promoted_from TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);

	CREATE TABLE IF NOT EXISTS implementations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_implementations_task ON implementations(task_id);

	CREATE TABLE IF NOT EXISTS blockers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		description TEXT NOT NULL,
		severity TEXT NOT NULL,
		resolution TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blockers_task ON blockers(task_id);
	`
	_, err := db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// RecordDecision logs a decision and returns its id.
func (s *Store) RecordDecision(ctx context.Context, taskID, agentID, decision string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (task_id, agent_id, decision, created_at) VALUES (?, ?, ?, ?)`,
		taskID, agentID, decision, now())
	if err != nil {
		return 0, fmt.Errorf("record decision: %w", err)
	}
	s.cache.Remove(taskID)
	return res.LastInsertId()
}

// RecordArtifact logs a produced file and returns its id.
func (s *Store) RecordArtifact(ctx context.Context, taskID string, a Artifact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (task_id, filename, path, artifact_type, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, a.Filename, a.Path, a.Type, a.Description, now())
	if err != nil {
		return 0, fmt.Errorf("record artifact: %w", err)
	}
	s.cache.Remove(taskID)
	return res.LastInsertId()
}

// RecordImplementation logs a completion summary and returns its id.
func (s *Store) RecordImplementation(ctx context.Context, taskID, agentID, summary string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO implementations (task_id, agent_id, summary, created_at) VALUES (?, ?, ?, ?)`,
		taskID, agentID, summary, now())
	if err != nil {
		return 0, fmt.Errorf("record implementation: %w", err)
	}
	s.cache.Remove(taskID)
	return res.LastInsertId()
}

// RecordBlocker logs an obstruction along with the suggested resolutions.
func (s *Store) RecordBlocker(ctx context.Context, taskID, agentID, description, severity, resolution string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blockers (task_id, agent_id, description, severity, resolution, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, agentID, description, severity, resolution, now())
	if err != nil {
		return 0, fmt.Errorf("record blocker: %w", err)
	}
	return res.LastInsertId()
}

// PromoteSubtaskRecords copies decisions and artifacts from completed
// subtasks onto the parent, so the parent context carries what the family
// learned. Promoted rows remember their origin task.
func (s *Store) PromoteSubtaskRecords(ctx context.Context, parentID string, subtaskIDs []string) error {
	if len(subtaskIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	ts := now()
	for _, sub := range subtaskIDs {
		// NOT EXISTS keeps a repeated parent completion from duplicating rows.
		_, err = tx.Exec(
			`INSERT INTO decisions (task_id, agent_id, decision, promoted_from, created_at)
			 SELECT ?, d.agent_id, d.decision, d.task_id, ? FROM decisions d
			 WHERE d.task_id = ? AND d.promoted_from = ''
			   AND NOT EXISTS (
			     SELECT 1 FROM decisions e
			     WHERE e.task_id = ? AND e.promoted_from = d.task_id AND e.decision = d.decision)`,
			parentID, ts, sub, parentID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("promote decisions from %s: %w", sub, err)
		}
		_, err = tx.Exec(
			`INSERT INTO artifacts (task_id, filename, path, artifact_type, description, promoted_from, created_at)
			 SELECT ?, a.filename, a.path, a.artifact_type, a.description, a.task_id, ? FROM artifacts a
			 WHERE a.task_id = ? AND a.promoted_from = ''
			   AND NOT EXISTS (
			     SELECT 1 FROM artifacts e
			     WHERE e.task_id = ? AND e.promoted_from = a.task_id AND e.path = a.path)`,
			parentID, ts, sub, parentID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("promote artifacts from %s: %w", sub, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.cache.Remove(parentID)
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// DecisionsForTask returns decisions logged on a task, oldest first.
func (s *Store) DecisionsForTask(ctx context.Context, taskID string) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decisionsLocked(ctx, taskID)
}

func (s *Store) decisionsLocked(ctx context.Context, taskID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, decision, promoted_from, created_at
		 FROM decisions WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var created string
		if err := rows.Scan(&d.ID, &d.TaskID, &d.AgentID, &d.Decision, &d.PromotedFrom, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ArtifactsForTask returns artifacts logged on a task, oldest first.
func (s *Store) ArtifactsForTask(ctx context.Context, taskID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifactsLocked(ctx, taskID)
}

func (s *Store) artifactsLocked(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, filename, path, artifact_type, description, promoted_from, created_at
		 FROM artifacts WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var created string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Filename, &a.Path, &a.Type, &a.Description, &a.PromotedFrom, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ImplementationsForTask returns completion summaries, oldest first.
func (s *Store) ImplementationsForTask(ctx context.Context, taskID string) ([]Implementation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.implementationsLocked(ctx, taskID)
}

func (s *Store) implementationsLocked(ctx context.Context, taskID string) ([]Implementation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, summary, created_at
		 FROM implementations WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Implementation
	for rows.Next() {
		var im Implementation
		var created string
		if err := rows.Scan(&im.ID, &im.TaskID, &im.AgentID, &im.Summary, &created); err != nil {
			return nil, err
		}
		im.CreatedAt = parseTime(created)
		out = append(out, im)
	}
	return out, rows.Err()
}

// BlockersForTasks returns blockers recorded on any of the given tasks,
// newest first. Used for predictive warnings when assigning downstream work.
func (s *Store) BlockersForTasks(ctx context.Context, taskIDs []string) ([]Blocker, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, task_id, agent_id, description, severity, resolution, created_at
	          FROM blockers WHERE task_id IN (?` + strings.Repeat(",?", len(taskIDs)-1) + `) ORDER BY id DESC LIMIT 20`
	args := make([]interface{}, len(taskIDs))
	for i, id := range taskIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Blocker
	for rows.Next() {
		var b Blocker
		var created string
		if err := rows.Scan(&b.ID, &b.TaskID, &b.AgentID, &b.Description, &b.Severity, &b.Resolution, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
