// Package statestore persists the fingerprint chain state between runs.
//
// The chain state is the only durable artifact the library needs: losing it
// breaks the chain, so callers save after every accepted submission and load
// before resuming. Backends exist for memory, SQLite and PostgreSQL; state is
// stored as canonical JSON so the persisted bytes are deterministic.
package statestore

import (
	"context"
	"sync"

	"github.com/alcabala/verifactu/pkg/chain"
)

// Store loads and saves chain state keyed by issuer tax ID, so one backend
// can hold the chains of several issuers.
type Store interface {
	// Load returns the stored state, or nil when the issuer has no chain yet.
	Load(ctx context.Context, issuerTaxID string) (*chain.State, error)
	Save(ctx context.Context, issuerTaxID string, state chain.State) error
}

// Memory is an in-process Store for tests and single-run tooling.
type Memory struct {
	mu     sync.RWMutex
	states map[string]chain.State
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]chain.State)}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, issuerTaxID string) (*chain.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[issuerTaxID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, issuerTaxID string, state chain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[issuerTaxID] = state
	return nil
}
