package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the chain in a SQLite database. Appends are
// serialized in process; a single store must own the file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore uses an existing handle and creates the schema.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			sequence       INTEGER PRIMARY KEY,
			event_id       TEXT NOT NULL UNIQUE,
			correlation_id TEXT NOT NULL,
			kind           TEXT NOT NULL,
			timestamp      TEXT NOT NULL,
			payload        BLOB NOT NULL,
			payload_hash   TEXT NOT NULL,
			previous_hash  TEXT NOT NULL,
			entry_hash     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e contracts.AuditEvent) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  uint64
		prev = GenesisHash
	)
	err = tx.QueryRowContext(ctx, `SELECT sequence, entry_hash FROM audit_events ORDER BY sequence DESC LIMIT 1`).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("audit: read head: %w", err)
	}

	r, err := seal(seq+1, prev, e)
	if err != nil {
		return Record{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (sequence, event_id, correlation_id, kind, timestamp, payload, payload_hash, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Sequence, e.ID, e.CorrelationID, string(e.Kind), tsText(e.Timestamp),
		[]byte(r.Payload), r.PayloadHash, r.PreviousHash, r.EntryHash)
	if err != nil {
		return Record{}, fmt.Errorf("audit: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("audit: commit: %w", err)
	}
	return r, nil
}

// tsText is fixed width so timestamps compare correctly as text.
func tsText(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

const recordColumns = "sequence, payload, payload_hash, previous_hash, entry_hash"

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		r       Record
		payload []byte
	)
	if err := row.Scan(&r.Sequence, &payload, &r.PayloadHash, &r.PreviousHash, &r.EntryHash); err != nil {
		return Record{}, err
	}
	r.Payload = payload
	if err := r.decode(); err != nil {
		return Record{}, fmt.Errorf("audit: decode record %d: %w", r.Sequence, err)
	}
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, eventID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM audit_events WHERE event_id = ?`, eventID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrEventNotFound
	}
	return r, err
}

func (s *SQLiteStore) ByCorrelation(ctx context.Context, correlationID string) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM audit_events WHERE correlation_id = ? ORDER BY sequence`, correlationID)
}

func (s *SQLiteStore) Range(ctx context.Context, from, to time.Time) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if !from.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, tsText(from))
	}
	if !to.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, tsText(to))
	}
	q := `SELECT ` + recordColumns + ` FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return s.query(ctx, q+" ORDER BY sequence", args...)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Verify streams the chain from the first record.
func (s *SQLiteStore) Verify(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM audit_events ORDER BY sequence`)
	if err != nil {
		return 0, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	v := NewChainVerifier()
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return v.Count(), fmt.Errorf("%w: %w", ErrChainBroken, err)
		}
		if err := v.Next(r); err != nil {
			return v.Count(), err
		}
	}
	return v.Count(), rows.Err()
}

func (s *SQLiteStore) Head(ctx context.Context) (uint64, string, error) {
	var (
		seq  uint64
		hash = GenesisHash
	)
	err := s.db.QueryRowContext(ctx, `SELECT sequence, entry_hash FROM audit_events ORDER BY sequence DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, GenesisHash, nil
	}
	return seq, hash, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
