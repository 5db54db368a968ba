// Package store persists delegations in SQLite. Writes are serialized over
// a single connection; reads share it, which is sufficient for the
// authorizer's single-writer access pattern.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/agentgate/agentgate/pkg/authorizer"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is the SQLite-backed delegation store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ authorizer.DelegationStore = (*Store)(nil)

// Open opens (creating if needed) the delegation database at path and
// applies pending migrations. Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open delegation store: %w", err)
	}
	// modernc sqlite handles one writer; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes the delegation, replacing any existing row for the same
// (subject, agent_id, tool_id).
func (s *Store) Upsert(ctx context.Context, d *authorizer.Delegation) error {
	scopesJSON, err := json.Marshal(d.Scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	var constraintsJSON sql.NullString
	if d.Constraints != nil {
		raw, err := json.Marshal(d.Constraints)
		if err != nil {
			return fmt.Errorf("encoding constraints: %w", err)
		}
		constraintsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegations (
			subject, agent_id, tool_id, scopes, not_after,
			issuer, constraints, envelope, public_jwk, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject, agent_id, tool_id) DO UPDATE SET
			scopes = excluded.scopes,
			not_after = excluded.not_after,
			issuer = excluded.issuer,
			constraints = excluded.constraints,
			envelope = excluded.envelope,
			public_jwk = excluded.public_jwk,
			updated_at = excluded.updated_at`,
		d.Subject, d.AgentID, d.ToolID, string(scopesJSON), d.NotAfter,
		d.Issuer, constraintsJSON, d.Envelope, d.PublicJWK,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting delegation: %w", err)
	}
	return nil
}

const delegationColumns = `subject, agent_id, tool_id, scopes, not_after,
		issuer, constraints, envelope, public_jwk, updated_at`

// Get returns the live delegation for the key. Expired delegations are
// treated as absent.
func (s *Store) Get(ctx context.Context, subject, agentID, toolID string) (*authorizer.Delegation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+delegationColumns+`
		FROM delegations
		WHERE subject = ? AND agent_id = ? AND tool_id = ? AND not_after > ?`,
		subject, agentID, toolID, s.now().Unix(),
	)
	return scanDelegation(row)
}

// List returns all stored delegations ordered by key.
func (s *Store) List(ctx context.Context) ([]*authorizer.Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+delegationColumns+`
		FROM delegations
		ORDER BY subject, agent_id, tool_id`)
	if err != nil {
		return nil, fmt.Errorf("querying delegations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*authorizer.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delegation rows: %w", err)
	}
	return result, nil
}

// Delete removes the delegation for the key.
func (s *Store) Delete(ctx context.Context, subject, agentID, toolID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delegations WHERE subject = ? AND agent_id = ? AND tool_id = ?`,
		subject, agentID, toolID,
	)
	if err != nil {
		return fmt.Errorf("deleting delegation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return authorizer.ErrNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanDelegation(sc scanner) (*authorizer.Delegation, error) {
	var (
		d               authorizer.Delegation
		scopesJSON      string
		constraintsJSON sql.NullString
		updatedAtStr    string
	)

	err := sc.Scan(
		&d.Subject, &d.AgentID, &d.ToolID, &scopesJSON, &d.NotAfter,
		&d.Issuer, &constraintsJSON, &d.Envelope, &d.PublicJWK, &updatedAtStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authorizer.ErrNotFound
		}
		return nil, fmt.Errorf("scanning delegation row: %w", err)
	}

	if err := json.Unmarshal([]byte(scopesJSON), &d.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if constraintsJSON.Valid {
		var c authorizer.Constraints
		if err := json.Unmarshal([]byte(constraintsJSON.String), &c); err != nil {
			return nil, fmt.Errorf("decoding constraints: %w", err)
		}
		d.Constraints = &c
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtStr); err == nil {
		d.UpdatedAt = t
	}

	return &d, nil
}
