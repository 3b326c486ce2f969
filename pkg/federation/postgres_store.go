package federation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Schema creates the node registry table.
const Schema = `
CREATE TABLE IF NOT EXISTS federation_nodes (
	node_id             TEXT PRIMARY KEY,
	name                TEXT NOT NULL DEFAULT '',
	org_id              TEXT NOT NULL DEFAULT '',
	endpoint            TEXT NOT NULL,
	trust_anchor_pem    TEXT NOT NULL,
	enabled             BOOLEAN NOT NULL DEFAULT TRUE,
	rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
	last_trusted_at     TIMESTAMPTZ,
	metadata            JSONB NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
)`

const nodeColumns = "node_id, name, org_id, endpoint, trust_anchor_pem, enabled, rate_limit_per_hour, last_trusted_at, metadata, created_at, updated_at"

// PostgresNodeStore implements NodeStore using PostgreSQL.
type PostgresNodeStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresNodeStore(db *sql.DB) *PostgresNodeStore {
	return &PostgresNodeStore{db: db, now: time.Now}
}

// Init creates the table when missing.
func (s *PostgresNodeStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create federation_nodes: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (contracts.FederationNode, error) {
	var (
		n       contracts.FederationNode
		trusted sql.NullTime
		meta    []byte
	)
	err := r.Scan(&n.NodeID, &n.Name, &n.OrgID, &n.Endpoint, &n.TrustAnchorPEM, &n.Enabled,
		&n.RateLimitPerHour, &trusted, &meta, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return n, err
	}
	if trusted.Valid {
		n.LastTrustedAt = trusted.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return n, fmt.Errorf("node %s metadata: %w", n.NodeID, err)
		}
	}
	return n, nil
}

func (s *PostgresNodeStore) Get(ctx context.Context, nodeID string) (*contracts.FederationNode, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM federation_nodes WHERE node_id = $1", nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return &n, nil
}

func (s *PostgresNodeStore) ByOrg(ctx context.Context, org string) ([]contracts.FederationNode, error) {
	return s.query(ctx,
		"SELECT "+nodeColumns+" FROM federation_nodes WHERE org_id = $1 OR (org_id = '' AND node_id = $1) ORDER BY node_id",
		org)
}

func (s *PostgresNodeStore) List(ctx context.Context) ([]contracts.FederationNode, error) {
	return s.query(ctx, "SELECT "+nodeColumns+" FROM federation_nodes ORDER BY node_id")
}

func (s *PostgresNodeStore) query(ctx context.Context, q string, args ...any) ([]contracts.FederationNode, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []contracts.FederationNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresNodeStore) Upsert(ctx context.Context, n contracts.FederationNode) error {
	if err := validateNode(n); err != nil {
		return err
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return err
	}
	if n.Metadata == nil {
		meta = []byte("{}")
	}
	now := s.now().UTC()
	var trusted sql.NullTime
	if !n.LastTrustedAt.IsZero() {
		trusted = sql.NullTime{Time: n.LastTrustedAt, Valid: true}
	}

	query := `
		INSERT INTO federation_nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (node_id) DO UPDATE SET
			name = EXCLUDED.name,
			org_id = EXCLUDED.org_id,
			endpoint = EXCLUDED.endpoint,
			trust_anchor_pem = EXCLUDED.trust_anchor_pem,
			enabled = EXCLUDED.enabled,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, n.NodeID, n.Name, n.OrgID, n.Endpoint, n.TrustAnchorPEM,
		n.Enabled, n.RateLimitPerHour, trusted, meta, now)
	if err != nil {
		return fmt.Errorf("failed to persist node: %w", err)
	}
	return nil
}

func (s *PostgresNodeStore) SetEnabled(ctx context.Context, nodeID string, enabled bool) error {
	return s.update(ctx, "UPDATE federation_nodes SET enabled = $2, updated_at = $3 WHERE node_id = $1",
		nodeID, enabled, s.now().UTC())
}

func (s *PostgresNodeStore) MarkTrusted(ctx context.Context, nodeID string, at time.Time) error {
	return s.update(ctx, "UPDATE federation_nodes SET last_trusted_at = $2 WHERE node_id = $1", nodeID, at.UTC())
}

func (s *PostgresNodeStore) update(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNodeNotFound
	}
	return nil
}
