package persist

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Durable over PostgreSQL.
//
// Notes:
//   - The pgx pool is owned by the caller; Close does not close it.
//   - Schema/table identifiers are validated and quoted.
//   - Every statement is scoped to the configured node id (ip_node_id column), so several
//     nodes can share one table without seeing each other's sessions.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
	nodeID string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "waplex").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("persist: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("persist: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithTable sets the table name (default "channel_accounts").
func WithTable(table string) PostgresOption {
	return func(s *PostgresStore) error {
		table = strings.TrimSpace(table)
		if !pgIdentIsValid(table) {
			return fmt.Errorf("persist: invalid table identifier")
		}
		s.table = table
		return nil
	}
}

// NewPostgresStore constructs a store scoped to nodeID.
func NewPostgresStore(pool *pgxpool.Pool, nodeID string, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "waplex",
		table:  "channel_accounts",
		nodeID: strings.TrimSpace(nodeID),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("persist: nil pool")
	}
	if st.nodeID == "" {
		return nil, fmt.Errorf("persist: empty node id")
	}
	return st, nil
}

// SchemaSQL returns the DDL for the store's table. Used by auto-migrate and tests.
func (s *PostgresStore) SchemaSQL() string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  ip_node_id      TEXT        NOT NULL,
  session_id      TEXT        NOT NULL,
  tenant_id       TEXT        NOT NULL DEFAULT '',
  webhook_url     TEXT        NOT NULL DEFAULT '',
  proxy_url       TEXT        NOT NULL DEFAULT '',
  session_status  TEXT        NOT NULL,
  session_archive TEXT        NULL,
  archive_digest  TEXT        NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (ip_node_id, session_id)
);

CREATE INDEX IF NOT EXISTS %s ON %s (ip_node_id, session_status)
  WHERE session_archive IS NOT NULL;
`,
		pgx.Identifier{s.schema}.Sanitize(),
		s.ident(),
		pgx.Identifier{s.table + "_restorable_idx"}.Sanitize(),
		s.ident(),
	)
}

// Migrate applies SchemaSQL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.SchemaSQL()); err != nil {
		return fmt.Errorf("persist: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ident() string { return pgIdent(s.schema, s.table) }

// SaveMetadata upserts the row, leaving archive columns untouched.
func (s *PostgresStore) SaveMetadata(ctx context.Context, m Metadata) error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrInvalidInput
	}
	now := m.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` (
		     ip_node_id, session_id, tenant_id, webhook_url, proxy_url,
		     session_status, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (ip_node_id, session_id) DO UPDATE SET
		     tenant_id      = EXCLUDED.tenant_id,
		     webhook_url    = EXCLUDED.webhook_url,
		     proxy_url      = EXCLUDED.proxy_url,
		     session_status = EXCLUDED.session_status,
		     updated_at     = EXCLUDED.updated_at`,
		s.nodeID, m.ID, m.TenantID, m.WebhookURL, m.ProxyURL, m.Status, created, now,
	)
	return err
}

// SaveArchive upserts the archive. A missing row is created with status connected, since
// only connected sessions are backed up.
func (s *PostgresStore) SaveArchive(ctx context.Context, id, blob, digest string) error {
	if strings.TrimSpace(id) == "" || blob == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident()+` (
		     ip_node_id, session_id, session_status, session_archive, archive_digest,
		     created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (ip_node_id, session_id) DO UPDATE SET
		     session_archive = EXCLUDED.session_archive,
		     archive_digest  = EXCLUDED.archive_digest,
		     updated_at      = now()`,
		s.nodeID, id, StatusConnected, blob, nullIfEmpty(digest),
	)
	return err
}

// ClearArchive nulls the archive and marks the session logged out. Missing rows are fine.
func (s *PostgresStore) ClearArchive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.ident()+`
		    SET session_archive = NULL, archive_digest = NULL,
		        session_status = $3, updated_at = now()
		  WHERE ip_node_id = $1 AND session_id = $2`,
		s.nodeID, id, StatusLoggedOut,
	)
	return err
}

// UpdateStatus sets the status column. Missing rows are fine.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.ident()+`
		    SET session_status = $3, updated_at = now()
		  WHERE ip_node_id = $1 AND session_id = $2`,
		s.nodeID, id, status,
	)
	return err
}

// ListRestorable returns this node's rows with an archive and a restorable status,
// oldest update first.
func (s *PostgresStore) ListRestorable(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, tenant_id, webhook_url, proxy_url, session_status,
		        session_archive, COALESCE(archive_digest, ''), updated_at
		   FROM `+s.ident()+`
		  WHERE ip_node_id = $1
		    AND session_status IN ($2, $3)
		    AND session_archive IS NOT NULL
		  ORDER BY updated_at ASC, session_id ASC`,
		s.nodeID, StatusConnected, StatusDisconnected,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, 32)
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.SessionID, &r.TenantID, &r.WebhookURL, &r.ProxyURL, &r.Status,
			&r.Archive, &r.Digest, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Purge deletes the row only when it holds no archive.
func (s *PostgresStore) Purge(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.ident()+`
		  WHERE ip_node_id = $1 AND session_id = $2 AND session_archive IS NULL`,
		s.nodeID, id,
	)
	return err
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("persist: nil pool")
	}
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
