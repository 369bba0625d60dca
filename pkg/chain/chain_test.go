package chain

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcabala/verifactu/pkg/errs"
	"github.com/alcabala/verifactu/pkg/records"
)

func registration(number string, day int) *records.Registration {
	return &records.Registration{
		Issuer:      records.Party{TaxID: "B12345678", Name: "Test Co SL"},
		Invoice:     records.InvoiceID{Series: "A", Number: number, IssueDate: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)},
		InvoiceType: records.InvoiceTypeStandard,
		RegimeCodes: []string{"01"},
		Breakdown: records.Breakdown{
			VAT: []records.VATLine{{Base: 10000, Rate: 2100, VAT: 2100}},
		},
		Total: 12100,
	}
}

func instant(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.FixedZone("CET", 3600))
}

func TestFirstRecordHasNoChainRef(t *testing.T) {
	c := New()
	require.True(t, c.IsFirst())

	p, err := c.Process(registration("001", 15), instant(15, 10))
	require.NoError(t, err)

	assert.Nil(t, p.ChainRef)
	assert.NotEmpty(t, p.Fingerprint)
	assert.False(t, c.IsFirst())
	assert.Equal(t, uint64(1), c.RecordCount())
}

func TestSecondRecordReferencesFirst(t *testing.T) {
	c := New()
	p1, err := c.Process(registration("001", 15), instant(15, 10))
	require.NoError(t, err)

	p2, err := c.Process(registration("002", 16), instant(16, 9))
	require.NoError(t, err)

	require.NotNil(t, p2.ChainRef)
	assert.Equal(t, p1.Fingerprint, p2.ChainRef.Fingerprint)
	assert.Equal(t, "A", p2.ChainRef.Series)
	assert.Equal(t, "001", p2.ChainRef.Number)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), p2.ChainRef.Date)
	assert.Equal(t, uint64(2), c.RecordCount())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := New()
	_, err := c.Process(registration("001", 15), instant(15, 10))
	require.NoError(t, err)
	saved := c.Snapshot()

	_, err = c.Process(registration("002", 16), instant(16, 9))
	require.NoError(t, err)
	require.Equal(t, uint64(2), c.RecordCount())

	require.NoError(t, c.Restore(saved))
	assert.Equal(t, uint64(1), c.RecordCount())
	assert.Equal(t, saved, c.Snapshot())
}

func TestRestoreAfterRollbackReproducesFingerprint(t *testing.T) {
	// Rolling back a failed attempt and re-processing must give the exact
	// fingerprint a single clean attempt would have produced.
	reference := New()
	_, err := reference.Process(registration("001", 15), instant(15, 10))
	require.NoError(t, err)
	clean, err := reference.Process(registration("002", 16), instant(16, 9))
	require.NoError(t, err)

	c := New()
	_, err = c.Process(registration("001", 15), instant(15, 10))
	require.NoError(t, err)
	saved := c.Snapshot()

	_, err = c.Process(registration("002", 16), instant(16, 9)) // failed attempt
	require.NoError(t, err)
	require.NoError(t, c.Restore(saved))

	retried, err := c.Process(registration("002", 16), instant(16, 9))
	require.NoError(t, err)
	assert.Equal(t, clean.Fingerprint, retried.Fingerprint)
}

func TestRestoreRejectsIncoherentState(t *testing.T) {
	cases := []struct {
		name  string
		state State
	}{
		{"first with count", State{IsFirst: true, RecordCount: 3}},
		{"first with fingerprint", State{IsFirst: true, PreviousFingerprint: "FP"}},
		{"advanced with zero count", State{PreviousFingerprint: "FP", PreviousNumber: "001"}},
		{"advanced without fingerprint", State{RecordCount: 1, PreviousNumber: "001"}},
		{"advanced without number", State{RecordCount: 1, PreviousFingerprint: "FP"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := New().Restore(tc.state)
			require.Error(t, err)
			assert.Equal(t, errs.KindChain, errs.KindOf(err))
			assert.Equal(t, errs.CodeRestoreMismatch, errs.CodeOf(err))
		})
	}
}

func TestNewFromStateResumes(t *testing.T) {
	c := New()
	_, err := c.Process(registration("001", 15), instant(15, 10))
	require.NoError(t, err)
	saved := c.Snapshot()

	resumed, err := NewFromState(saved)
	require.NoError(t, err)
	p, err := resumed.Process(registration("002", 16), instant(16, 9))
	require.NoError(t, err)
	require.NotNil(t, p.ChainRef)
	assert.Equal(t, saved.PreviousFingerprint, p.ChainRef.Fingerprint)
}

func TestConcurrentProcessSerializes(t *testing.T) {
	c := New()
	const n = 50

	var wg sync.WaitGroup
	fingerprints := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Process(registration("001", 15), instant(15, 10))
			if err == nil {
				fingerprints[i] = p.Fingerprint
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(n), c.RecordCount())
	seen := make(map[string]bool, n)
	for _, fp := range fingerprints {
		require.NotEmpty(t, fp)
		assert.False(t, seen[fp], "fingerprint reused: %s", fp)
		seen[fp] = true
	}
}

func TestCanonicalJSONIsDeterministic(t *testing.T) {
	c := New()
	_, err := c.Process(registration("001", 15), instant(15, 10))
	require.NoError(t, err)
	state := c.Snapshot()

	a, err := state.CanonicalJSON()
	require.NoError(t, err)
	b, err := state.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var decoded State
	require.NoError(t, json.Unmarshal(a, &decoded))
	assert.Equal(t, state.PreviousFingerprint, decoded.PreviousFingerprint)
	assert.Equal(t, state.RecordCount, decoded.RecordCount)
}

func TestVerify(t *testing.T) {
	c := New()
	reg := registration("001", 15)
	ts := instant(15, 10)
	p, err := c.Process(reg, ts)
	require.NoError(t, err)

	ok, err := c.Verify(reg, p.Fingerprint, "", ts)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Verify(reg, "bogus", "", ts)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRecord(t *testing.T) {
	c := New()
	reg := registration("001", 15)
	ts := instant(15, 10)
	p, err := c.Process(reg, ts)
	require.NoError(t, err)

	require.NoError(t, c.VerifyRecord(reg, p.Fingerprint, "", ts))

	err = c.VerifyRecord(reg, "bogus", "", ts)
	require.Error(t, err)
	assert.Equal(t, errs.KindChain, errs.KindOf(err))
	assert.Equal(t, errs.CodeVerifyMismatch, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "A001")
}
