// Package journal persists supervisor lifecycle transitions in SQLite so that
// crash loops can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second
	// DefaultRetention is how many transitions Prune keeps by default.
	DefaultRetention = 5000
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Entry is one module state transition.
type Entry struct {
	ID         int64     `json:"id"`
	Module     string    `json:"module"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	PID        int       `json:"pid,omitempty"`
	RetryCount int       `json:"retry_count"`
	CrashCount int       `json:"crash_count"`
	At         time.Time `json:"at"`
}

// Options describes parameters for opening a journal.
type Options struct {
	Path     string
	ReadOnly bool
}

// Journal is an append-only transition log.
type Journal struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open creates or opens the journal database at opts.Path.
func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		return nil, errors.New("journal: path is empty")
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: ensure directory: %w", err)
		}
	}

	dsn := opts.Path
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", opts.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}
	if !opts.ReadOnly {
		if err := applySchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Journal{db: db, path: opts.Path, readOnly: opts.ReadOnly}, nil
}

// Path returns the database location.
func (j *Journal) Path() string { return j.path }

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Append records a transition. A zero At is stamped with the current time.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if j == nil || j.db == nil {
		return ErrClosed
	}
	if j.readOnly {
		return errors.New("journal: read-only")
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (module, from_state, to_state, reason, pid, retry_count, crash_count, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Module, e.From, e.To, e.Reason, e.PID, e.RetryCount, e.CrashCount, e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("journal: append %s: %w", e.Module, err)
	}
	return nil
}

// Recent returns up to limit of the newest transitions, oldest first. An
// empty module returns transitions of every module.
func (j *Journal) Recent(ctx context.Context, module string, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, module, from_state, to_state, reason, pid, retry_count, crash_count, recorded_at
		FROM transitions`
	args := []any{}
	if module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.ID, &e.Module, &e.From, &e.To, &e.Reason, &e.PID, &e.RetryCount, &e.CrashCount, &at); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("journal: parse timestamp %q: %w", at, err)
		}
		e.At = parsed
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate: %w", err)
	}

	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// Prune deletes all but the newest keep transitions.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if j == nil || j.db == nil {
		return 0, ErrClosed
	}
	if keep <= 0 {
		keep = DefaultRetention
	}
	var deleted int64
	err := j.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM transitions WHERE id NOT IN (SELECT id FROM transitions ORDER BY id DESC LIMIT ?)`, keep)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return deleted, nil
}

func (j *Journal) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("journal: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
