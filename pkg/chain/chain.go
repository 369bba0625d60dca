// Package chain maintains the tamper-evident fingerprint chain.
//
// Each processed record carries a reference to the previous record's
// fingerprint, date and number, so the submitted sequence forms an
// append-only log the authority can verify. The chain state is the caller's
// durable handle: snapshot it, persist it, restore it.
package chain

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/alcabala/verifactu/pkg/errs"
	"github.com/alcabala/verifactu/pkg/fingerprint"
	"github.com/alcabala/verifactu/pkg/records"
)

// State is the serializable chain state. A zero State is a valid fresh chain
// except for IsFirst; use New or NewState.
type State struct {
	PreviousFingerprint string    `json:"previousFingerprint"`
	PreviousDate        time.Time `json:"previousDate"`
	PreviousSeries      string    `json:"previousSeries,omitempty"`
	PreviousNumber      string    `json:"previousNumber"`
	RecordCount         uint64    `json:"recordCount"`
	IsFirst             bool      `json:"isFirst"`
}

// NewState returns the state of an empty chain.
func NewState() State {
	return State{IsFirst: true}
}

// CanonicalJSON serializes the state as RFC 8785 (JCS) canonical JSON,
// giving callers deterministic bytes to persist or digest.
func (s State) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal chain state: %w", err)
	}
	return jcs.Transform(raw)
}

// coherent checks the internal consistency of a state before it is adopted.
func (s State) coherent() error {
	if s.IsFirst {
		if s.RecordCount != 0 || s.PreviousFingerprint != "" {
			return errs.New(errs.KindChain, errs.CodeRestoreMismatch, "first-record state must be empty")
		}
		return nil
	}
	if s.RecordCount == 0 {
		return errs.New(errs.KindChain, errs.CodeRestoreMismatch, "advanced state cannot have a zero record count")
	}
	if s.PreviousFingerprint == "" || s.PreviousNumber == "" {
		return errs.New(errs.KindChain, errs.CodeRestoreMismatch, "advanced state is missing the previous record identity")
	}
	return nil
}

// Reference points a record at its predecessor in the chain.
type Reference struct {
	Fingerprint string
	Date        time.Time
	Series      string
	Number      string
}

// Processed decorates an input record with its fingerprint and, for all but
// the first record, the chain reference.
type Processed struct {
	Record      records.Record
	Fingerprint string
	ChainRef    *Reference
}

// Chain is the sequential fingerprint state machine. All advances are
// serialized by a single mutex held across the hash computation so that each
// fingerprint depends on the record immediately preceding it.
type Chain struct {
	mu    sync.Mutex
	state State
}

// New creates an empty chain.
func New() *Chain {
	return &Chain{state: NewState()}
}

// NewFromState resumes a chain from a persisted snapshot.
func NewFromState(s State) (*Chain, error) {
	if err := s.coherent(); err != nil {
		return nil, err
	}
	return &Chain{state: s}, nil
}

// Process assigns the record its chain reference and fingerprint, then
// advances the state. The advance is atomic; concurrent callers serialize on
// the chain mutex in arrival order.
func (c *Chain) Process(rec records.Record, instant time.Time) (Processed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := ""
	var ref *Reference
	if !c.state.IsFirst {
		prev = c.state.PreviousFingerprint
		ref = &Reference{
			Fingerprint: c.state.PreviousFingerprint,
			Date:        c.state.PreviousDate,
			Series:      c.state.PreviousSeries,
			Number:      c.state.PreviousNumber,
		}
	}

	fp, err := fingerprint.Compute(rec, prev, instant)
	if err != nil {
		return Processed{}, err
	}

	id := rec.InvoiceID()
	c.state = State{
		PreviousFingerprint: fp,
		PreviousDate:        id.IssueDate,
		PreviousSeries:      id.Series,
		PreviousNumber:      id.Number,
		RecordCount:         c.state.RecordCount + 1,
		IsFirst:             false,
	}

	return Processed{Record: rec, Fingerprint: fp, ChainRef: ref}, nil
}

// Snapshot returns a value copy of the current state.
func (c *Chain) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restore replaces the state wholesale. It exists so an orchestrator can
// revert a tentative advance after a failed submission attempt.
func (c *Chain) Restore(s State) error {
	if err := s.coherent(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	return nil
}

// IsFirst reports whether the chain has not yet advanced.
func (c *Chain) IsFirst() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.IsFirst
}

// RecordCount returns the number of successful advances.
func (c *Chain) RecordCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.RecordCount
}

// Verify recomputes a record's fingerprint against a provided previous
// fingerprint and instant and compares it to the claimed value in constant
// time.
func (c *Chain) Verify(rec records.Record, claimed, previous string, instant time.Time) (bool, error) {
	fp, err := fingerprint.Compute(rec, previous, instant)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(fp), []byte(claimed)) == 1, nil
}

// VerifyRecord is the error-returning form of Verify, for callers auditing
// persisted records where a mismatch is a failure rather than a predicate.
func (c *Chain) VerifyRecord(rec records.Record, claimed, previous string, instant time.Time) error {
	ok, err := c.Verify(rec, claimed, previous, instant)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.KindChain, errs.CodeVerifyMismatch,
			fmt.Sprintf("fingerprint mismatch for record %s", rec.InvoiceID().SeriesNumber()))
	}
	return nil
}
