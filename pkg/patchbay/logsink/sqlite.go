package logsink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrClosed indicates the sink was closed.
var ErrClosed = errors.New("log sink is closed")

// DefaultBuffer is the queue length of a SQLiteSink.
const DefaultBuffer = 256

type request struct {
	line Line
	ack  chan struct{}
}

// SQLiteSink persists lines to SQLite from a background writer.
// Append queues the line and returns; when the queue is full the line is
// dropped and counted.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
	queue  chan request
	done   chan struct{}
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// SQLiteOption configures a SQLiteSink.
type SQLiteOption func(*SQLiteSink)

// WithBuffer sets the queue length.
func WithBuffer(n int) SQLiteOption {
	return func(s *SQLiteSink) {
		if n > 0 {
			s.queue = make(chan request, n)
		}
	}
}

// WithLogger sets the logger used for write failures.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteSink) { s.logger = logger }
}

// OpenSQLite opens or creates a log database.
// The path should be a file path (e.g., "./patch.db") or ":memory:" for testing.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection so ":memory:" databases are shared by writer and readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instance_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			message TEXT NOT NULL,
			logged_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_instance_logs_instance_id
		ON instance_logs(instance_id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	s := &SQLiteSink{
		db:    db,
		queue: make(chan request, DefaultBuffer),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s, nil
}

func (s *SQLiteSink) run() {
	defer close(s.done)
	for req := range s.queue {
		if req.ack != nil {
			close(req.ack)
			continue
		}
		if err := s.insert(req.line); err != nil && s.logger != nil {
			s.logger.Warn("log sink write failed",
				slog.String("instance_id", req.line.InstanceID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *SQLiteSink) insert(line Line) error {
	_, err := s.db.Exec(`
		INSERT INTO instance_logs (instance_id, message, logged_at)
		VALUES (?, ?, ?)
	`, line.InstanceID, line.Message, line.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// Append implements Sink.
func (s *SQLiteSink) Append(instanceID, msg string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- request{line: Line{InstanceID: instanceID, Message: msg, At: s.now()}}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many lines were discarded because the queue was full
// or the sink was closed.
func (s *SQLiteSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Flush blocks until every line queued before the call is written.
func (s *SQLiteSink) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.queue <- request{ack: ack}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lines returns up to limit of an instance's most recent lines, oldest
// first. A limit of zero or less returns every line.
func (s *SQLiteSink) Lines(ctx context.Context, instanceID string, limit int) ([]Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, message, logged_at FROM (
			SELECT id, instance_id, message, logged_at
			FROM instance_logs
			WHERE instance_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id
	`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query log lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var line Line
		var at string
		if err := rows.Scan(&line.InstanceID, &line.Message, &at); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		line.At, _ = time.Parse(time.RFC3339Nano, at)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Delete removes an instance's lines.
func (s *SQLiteSink) Delete(ctx context.Context, instanceID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instance_logs WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("delete log lines: %w", err)
	}
	return nil
}

// Close stops the writer after draining the queue and closes the database.
// Close is idempotent.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}
