// Package buffer is the durable local FIFO that holds accepted results while
// the control plane cannot be reached.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Status is the delivery state of a buffered result
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Entry is one buffered result
type Entry struct {
	Seq        int64                  `json:"seq"`
	Submission types.ResultSubmission `json:"submission"`
	WorkflowID string                 `json:"workflowId,omitempty"`
	CapturedAt time.Time              `json:"capturedAt"`
	Attempts   int                    `json:"attempts"`
	Status     Status                 `json:"status"`
	LastError  string                 `json:"lastError,omitempty"`
}

// Options configures a buffer
type Options struct {
	Path             string
	Capacity         int
	MaxRetryAttempts int
	// FlushBatchSize is how many entries a flush reads per query
	FlushBatchSize int
}

// DefaultOptions returns a 10,000 entry buffer allowing 5 delivery attempts
func DefaultOptions() Options {
	return Options{Path: "data/result-buffer.db", Capacity: 10000, MaxRetryAttempts: 5, FlushBatchSize: 200}
}

// Stats describes buffer occupancy
type Stats struct {
	Depth          int        `json:"depth"`
	Capacity       int        `json:"capacity"`
	Utilization    float64    `json:"utilizationPct"`
	Delivered      int        `json:"delivered"`
	Failed         int        `json:"failed"`
	OldestCaptured *time.Time `json:"oldestCapturedAt,omitempty"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS buffered_results (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id         TEXT    NOT NULL,
		peer_id         TEXT    NOT NULL,
		idempotency_key TEXT    NOT NULL,
		workflow_id     TEXT    NOT NULL DEFAULT '',
		lease_token     TEXT    NOT NULL,
		result_status   TEXT    NOT NULL,
		payload         BLOB,
		error_message   TEXT    NOT NULL DEFAULT '',
		captured_at     INTEGER NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		status          TEXT    NOT NULL DEFAULT 'pending',
		last_error      TEXT    NOT NULL DEFAULT '',
		updated_at      INTEGER NOT NULL,
		UNIQUE (task_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_buffered_results_status_seq ON buffered_results (status, seq)`,
}

// Buffer is a bounded SQLite-backed FIFO of results awaiting delivery
type Buffer struct {
	db          *sql.DB
	capacity    int
	maxAttempts int
	flushPage   int
	audit       *audit.Writer
	metrics     *metrics.Recorder
	logger      *zerolog.Logger
	now         func() time.Time
}

// Open opens (creating if needed) the buffer file at opts.Path
func Open(ctx context.Context, opts Options, aw *audit.Writer, rec *metrics.Recorder, logger *zerolog.Logger) (*Buffer, error) {
	if opts.Path == "" {
		opts.Path = DefaultOptions().Path
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create buffer directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serialises the capacity check with the insert
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite (%s): %w", pragma, err)
		}
	}

	b, err := New(ctx, db, opts, aw, rec, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an open database, creating the schema if needed
func New(ctx context.Context, db *sql.DB, opts Options, aw *audit.Writer, rec *metrics.Recorder, logger *zerolog.Logger) (*Buffer, error) {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if opts.FlushBatchSize <= 0 {
		opts.FlushBatchSize = def.FlushBatchSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "buffer").Logger()

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init buffer schema: %w", err)
		}
	}

	return &Buffer{
		db:          db,
		capacity:    opts.Capacity,
		maxAttempts: opts.MaxRetryAttempts,
		flushPage:   opts.FlushBatchSize,
		audit:       aw,
		metrics:     rec,
		logger:      &l,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database
func (b *Buffer) Close() error {
	return b.db.Close()
}

// Capacity returns the maximum number of pending entries
func (b *Buffer) Capacity() int { return b.capacity }

// Enqueue appends an accepted result. The capacity check and insert share one
// transaction. Re-buffering the same (task, idempotency key) returns the
// existing sequence number with created=false.
func (b *Buffer) Enqueue(ctx context.Context, sub types.ResultSubmission, workflowID string) (int64, bool, error) {
	if sub.TaskID == "" || sub.IdempotencyKey == "" {
		return 0, false, &types.InputError{Field: "submission", Msg: "task id and idempotency key are required"}
	}
	captured := sub.SubmittedAt
	if captured.IsZero() {
		captured = b.now()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin buffer insert: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq FROM buffered_results WHERE task_id = ? AND idempotency_key = ?`,
		sub.TaskID, sub.IdempotencyKey,
	).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("lookup buffered result: %w", err)
	}

	var depth int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffered_results WHERE status = 'pending'`,
	).Scan(&depth); err != nil {
		return 0, false, fmt.Errorf("count buffered results: %w", err)
	}
	if depth >= b.capacity {
		return 0, false, types.ErrBufferFull
	}

	now := b.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO buffered_results
			(task_id, peer_id, idempotency_key, workflow_id, lease_token, result_status,
			 payload, error_message, captured_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.TaskID, sub.PeerID, sub.IdempotencyKey, workflowID, sub.Token, string(sub.Status),
		[]byte(sub.Payload), sub.ErrorMessage, captured.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert buffered result: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("read buffered seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit buffered result: %w", err)
	}

	b.metrics.BufferDepth(depth + 1)
	b.logger.Info().
		Int64("seq", seq).
		Str("task_id", sub.TaskID).
		Str("peer_id", sub.PeerID).
		Int("depth", depth+1).
		Msg("Result buffered")
	return seq, true, nil
}

const entryColumns = `seq, task_id, peer_id, idempotency_key, workflow_id, lease_token, result_status,
	payload, error_message, captured_at, attempts, status, last_error`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e        Entry
		payload  []byte
		captured int64
		rs       string
		status   string
	)
	if err := row.Scan(&e.Seq, &e.Submission.TaskID, &e.Submission.PeerID, &e.Submission.IdempotencyKey,
		&e.WorkflowID, &e.Submission.Token, &rs, &payload, &e.Submission.ErrorMessage,
		&captured, &e.Attempts, &status, &e.LastError); err != nil {
		return nil, err
	}
	e.Submission.Status = types.ResultStatus(rs)
	if len(payload) > 0 {
		e.Submission.Payload = json.RawMessage(payload)
	}
	e.CapturedAt = time.Unix(0, captured).UTC()
	e.Submission.SubmittedAt = e.CapturedAt
	e.Status = Status(status)
	return &e, nil
}

// Pending returns up to limit pending entries with seq > after, in FIFO order
func (b *Buffer) Pending(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM buffered_results
		 WHERE status = 'pending' AND seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending results: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan buffered result: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Get returns the entry with the given sequence number
func (b *Buffer) Get(ctx context.Context, seq int64) (*Entry, error) {
	e, err := scanEntry(b.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM buffered_results WHERE seq = ?`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("buffered result %d not found", seq)
	}
	return e, err
}

func (b *Buffer) markDelivered(ctx context.Context, seq int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE buffered_results SET status = 'delivered', last_error = '', updated_at = ?
		 WHERE seq = ? AND status = 'pending'`, b.now().UnixNano(), seq)
	return err
}

func (b *Buffer) markFailed(ctx context.Context, seq int64, reason string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE buffered_results SET status = 'failed', last_error = ?, updated_at = ?
		 WHERE seq = ? AND status = 'pending'`, reason, b.now().UnixNano(), seq)
	return err
}

// recordAttempt increments attempts and fails the entry once the limit is
// reached. It reports whether the entry is now failed.
func (b *Buffer) recordAttempt(ctx context.Context, seq int64, cause error) (bool, error) {
	var attempts int
	err := b.db.QueryRowContext(ctx, `
		UPDATE buffered_results
		SET attempts = attempts + 1,
		    last_error = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE status END,
		    updated_at = ?
		WHERE seq = ? AND status = 'pending'
		RETURNING attempts`, cause.Error(), b.maxAttempts, b.now().UnixNano(), seq).Scan(&attempts)
	if err != nil {
		return false, err
	}
	return attempts >= b.maxAttempts, nil
}

// Depth returns the number of pending entries
func (b *Buffer) Depth(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buffered_results WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// Discard removes a pending entry whose result was never recorded. Removing
// an entry that is gone or no longer pending is a no-op.
func (b *Buffer) Discard(ctx context.Context, seq int64) error {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM buffered_results WHERE seq = ? AND status = 'pending'`, seq)
	if err != nil {
		return fmt.Errorf("discard buffered result %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		b.logger.Info().Int64("seq", seq).Msg("Buffered result discarded")
		if depth, err := b.Depth(ctx); err == nil {
			b.metrics.BufferDepth(depth)
		}
	}
	return nil
}

// Stats returns occupancy figures
func (b *Buffer) Stats(ctx context.Context) (*Stats, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*), MIN(captured_at) FROM buffered_results GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("buffer stats: %w", err)
	}
	defer rows.Close()

	s := &Stats{Capacity: b.capacity}
	for rows.Next() {
		var (
			status string
			count  int
			oldest sql.NullInt64
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			s.Depth = count
			if oldest.Valid {
				t := time.Unix(0, oldest.Int64).UTC()
				s.OldestCaptured = &t
			}
		case StatusDelivered:
			s.Delivered = count
		case StatusFailed:
			s.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if s.Capacity > 0 {
		s.Utilization = float64(s.Depth) * 100 / float64(s.Capacity)
	}
	return s, nil
}

// PruneDelivered deletes delivered entries last updated before cutoff
func (b *Buffer) PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM buffered_results WHERE status = 'delivered' AND updated_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune delivered results: %w", err)
	}
	return res.RowsAffected()
}
