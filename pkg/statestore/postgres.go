package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alcabala/verifactu/pkg/chain"
)

// Postgres persists chain state in PostgreSQL. The caller opens the *sql.DB
// with the lib/pq driver and owns its lifecycle.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps a database handle and migrates the schema.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Postgres) migrate() error {
	query := `
        CREATE TABLE IF NOT EXISTS chain_state (
            issuer_tax_id TEXT PRIMARY KEY,
            state JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate chain_state: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *Postgres) Load(ctx context.Context, issuerTaxID string) (*chain.State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM chain_state WHERE issuer_tax_id = $1`, issuerTaxID)

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

// Save implements Store with an upsert, last writer wins.
func (s *Postgres) Save(ctx context.Context, issuerTaxID string, state chain.State) error {
	raw, err := state.CanonicalJSON()
	if err != nil {
		return err
	}
	query := `
        INSERT INTO chain_state (issuer_tax_id, state, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (issuer_tax_id) DO UPDATE SET
            state = EXCLUDED.state,
            updated_at = NOW()
    `
	if _, err := s.db.ExecContext(ctx, query, issuerTaxID, raw); err != nil {
		return fmt.Errorf("save chain state: %w", err)
	}
	return nil
}
