// Package history persists stage transitions to SQLite so past connection
// attempts can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/rennerdo30/ovpn-bridge/internal/logging"
	"github.com/rennerdo30/ovpn-bridge/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT    NOT NULL DEFAULT '',
    stage      TEXT    NOT NULL,
    at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_attempt
    ON transitions (attempt_id, id);
`

// queueSize bounds the number of transitions waiting to be written.
const queueSize = 256

// ErrClosed is returned after Close.
var ErrClosed = errors.New("history store closed")

// Entry is one stored transition.
type Entry struct {
	ID        int64         `json:"id"`
	AttemptID string        `json:"attempt_id"`
	Stage     session.Stage `json:"stage"`
	At        time.Time     `json:"at"`
}

type request struct {
	tr      session.Transition
	flushed chan struct{}
}

// Store writes transitions asynchronously; Record never blocks the caller.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	queue chan request
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// One connection: a single writer and a stable :memory: database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logging.WithComponent("history"),
		queue:  make(chan request, queueSize),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Record queues tr for writing. When the queue is full the transition is
// dropped.
func (s *Store) Record(tr session.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- request{tr: tr}:
	default:
		s.dropped++
		s.logger.Debug("history queue full, dropping transition", "stage", tr.Stage)
	}
}

// Flush blocks until every transition queued before the call is written.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	select {
	case s.queue <- request{flushed: done}:
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many transitions were discarded.
func (s *Store) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) writer() {
	defer s.wg.Done()
	for req := range s.queue {
		if req.flushed != nil {
			close(req.flushed)
			continue
		}
		if err := s.insert(req.tr); err != nil {
			s.logger.Warn("failed to record transition", "stage", req.tr.Stage, "error", err)
		}
	}
}

func (s *Store) insert(tr session.Transition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO transitions (attempt_id, stage, at) VALUES (?, ?, ?)`,
		tr.AttemptID, string(tr.Stage), at.UTC().UnixMilli(),
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, stage, at FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	return scan(rows)
}

// Attempt returns every entry of one attempt, oldest first.
func (s *Store) Attempt(ctx context.Context, attemptID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt_id, stage, at FROM transitions WHERE attempt_id = ? ORDER BY id ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query attempt: %w", err)
	}
	defer rows.Close()
	return scan(rows)
}

func scan(rows *sql.Rows) ([]Entry, error) {
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var stage string
		var at int64
		if err := rows.Scan(&e.ID, &e.AttemptID, &stage, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.Stage = session.Stage(stage)
		e.At = time.UnixMilli(at).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneBefore deletes entries older than cutoff and returns how many went.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}
