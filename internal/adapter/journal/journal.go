// Package journal persists gateway events to SQLite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"opsdeck/internal/domain"
)

// Entry is one journaled event.
type Entry struct {
	ID         int64
	Name       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Store is an append-only event log backed by SQLite in WAL mode.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the journal at path and migrates the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create journal dir: %v", domain.ErrJournal, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrJournal, path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrJournal, pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrJournal, err)
	}
	return &Store{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT    NOT NULL,
			payload     TEXT    NOT NULL DEFAULT 'null',
			received_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_received_at ON events (received_at);
		CREATE INDEX IF NOT EXISTS events_name ON events (name, received_at);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores one event received at the given time.
func (s *Store) Append(ctx context.Context, ev domain.Event, at time.Time) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (name, payload, received_at) VALUES (?, ?, ?)",
		ev.Name, payload, at.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: append %s: %v", domain.ErrJournal, ev.Name, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-empty name filters
// by event name.
func (s *Store) Recent(ctx context.Context, name string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, name, payload, received_at FROM events ORDER BY received_at DESC, id DESC LIMIT ?"
	args := []any{limit}
	if name != "" {
		query = "SELECT id, name, payload, received_at FROM events WHERE name = ? ORDER BY received_at DESC, id DESC LIMIT ?"
		args = []any{name, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query recent: %v", domain.ErrJournal, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
			nanos   int64
		)
		if err := rows.Scan(&e.ID, &e.Name, &payload, &nanos); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrJournal, err)
		}
		e.Payload = json.RawMessage(payload)
		e.ReceivedAt = time.Unix(0, nanos).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", domain.ErrJournal, err)
	}
	return out, nil
}

// Prune deletes events received before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE received_at < ?", cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", domain.ErrJournal, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("journal pruned", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrJournal, err)
	}
	return n, nil
}

// Subscriber is anything events can be subscribed on.
type Subscriber interface {
	Subscribe(name string, handler domain.EventHandler) func()
}

// Recorder journals every event published on a Subscriber. Events are
// queued so the publishing goroutine never waits on disk; when the queue is
// full the event is dropped and counted.
type Recorder struct {
	store  *Store
	queue  chan queued
	unsub  func()
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	dropped int
	stopped bool
}

type queued struct {
	ev domain.Event
	at time.Time
}

// DefaultQueueSize is the Recorder queue length used when size <= 0.
const DefaultQueueSize = 256

// Record starts journaling every event from sub.
func (s *Store) Record(sub Subscriber, size int) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	r := &Recorder{
		store:  s,
		queue:  make(chan queued, size),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go r.run()
	r.unsub = sub.Subscribe(domain.WildcardEvent, r.enqueue)
	return r
}

func (r *Recorder) enqueue(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- queued{ev: ev, at: time.Now()}:
	default:
		r.dropped++
		r.logger.Warn("journal queue full, event dropped", "event", ev.Name, "dropped", r.dropped)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for q := range r.queue {
		if err := r.store.Append(context.Background(), q.ev, q.at); err != nil {
			r.logger.Warn("journal append failed", "event", q.ev.Name, "error", err)
		}
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Stop unsubscribes and waits until every queued event is written.
func (r *Recorder) Stop() {
	r.unsub()
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
