package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alcabala/verifactu/pkg/chain"

	_ "modernc.org/sqlite"
)

// SQLite persists chain state in a local SQLite database, one row per issuer.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an already-open database handle.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS chain_state (
        issuer_tax_id TEXT PRIMARY KEY,
        state JSON NOT NULL,
        updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate chain_state: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context, issuerTaxID string) (*chain.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM chain_state WHERE issuer_tax_id = ?`, issuerTaxID)

	var raw []byte
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain state: %w", err)
	}

	var state chain.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode chain state: %w", err)
	}
	return &state, nil
}

// Save implements Store. The state is stored as canonical JSON.
func (s *SQLite) Save(ctx context.Context, issuerTaxID string, state chain.State) error {
	raw, err := state.CanonicalJSON()
	if err != nil {
		return err
	}
	query := `
        INSERT INTO chain_state (issuer_tax_id, state, updated_at)
        VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT (issuer_tax_id) DO UPDATE SET
            state = excluded.state,
            updated_at = CURRENT_TIMESTAMP
    `
	if _, err := s.db.ExecContext(ctx, query, issuerTaxID, raw); err != nil {
		return fmt.Errorf("save chain state: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }
