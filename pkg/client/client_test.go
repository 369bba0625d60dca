package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcabala/verifactu/pkg/aeat"
	"github.com/alcabala/verifactu/pkg/errs"
	"github.com/alcabala/verifactu/pkg/limiter"
	"github.com/alcabala/verifactu/pkg/records"
	"github.com/alcabala/verifactu/pkg/retry"
)

const okXML = `<Envelope><Body><RespuestaRegFactura>
	<EstadoRegistro>Correcto</EstadoRegistro>
	<CSV>CSV-OK</CSV>
</RespuestaRegFactura></Body></Envelope>`

const rejectedXML = `<Envelope><Body><RespuestaRegFactura>
	<EstadoRegistro>Rechazado</EstadoRegistro>
	<CodigoErrorRegistro>1234</CodigoErrorRegistro>
	<DescripcionErrorRegistro>Bad data</DescripcionErrorRegistro>
</RespuestaRegFactura></Body></Envelope>`

// scriptedDoer replays a sequence of canned responses or errors and records
// every request body.
type scriptedDoer struct {
	mu      sync.Mutex
	script  []any // string body or error
	calls   int
	bodies  []string
	hold    time.Duration
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	idx := d.calls
	d.calls++
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	d.bodies = append(d.bodies, string(body))
	hold := d.hold
	d.mu.Unlock()

	if hold > 0 {
		time.Sleep(hold)
	}

	var step any = okXML
	if idx < len(d.script) {
		step = d.script[idx]
	}
	if err, ok := step.(error); ok {
		return nil, err
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewBufferString(step.(string))),
	}, nil
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	}
}

func newTestClient(t *testing.T, d *scriptedDoer, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Environment: aeat.Sandbox,
		Software:    records.Software{Name: "BillingApp", InstallationNumber: "INST-1", Version: "1.0"},
		HTTPClient:  d,
		Clock:       fixedClock(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func invoice(number string, day int) *records.Registration {
	return &records.Registration{
		Issuer:      records.Party{TaxID: "B12345678", Name: "Test Co SL"},
		Invoice:     records.InvoiceID{Series: "A", Number: number, IssueDate: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)},
		InvoiceType: records.InvoiceTypeStandard,
		Recipients:  []records.Recipient{{TaxID: "A87654321", Name: "Client SA"}},
		RegimeCodes: []string{"01"},
		Breakdown: records.Breakdown{
			VAT: []records.VATLine{{Base: 10000, Rate: 2100, VAT: 2100}},
		},
		Total: 12100,
	}
}

func TestSubmitFirstInvoice(t *testing.T) {
	d := &scriptedDoer{script: []any{okXML}}
	c := newTestClient(t, d, nil)

	resp, err := c.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.Equal(t, "Correcto", resp.State)
	assert.Equal(t, "CSV-OK", resp.CSV)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.Processed.Fingerprint)
	assert.Nil(t, resp.Processed.ChainRef)

	require.Len(t, d.bodies, 1)
	assert.Contains(t, d.bodies[0], "<sum:PrimerRegistro>S</sum:PrimerRegistro>")

	state := c.ChainState()
	assert.False(t, state.IsFirst)
	assert.Equal(t, uint64(1), state.RecordCount)
}

func TestSubmitSecondInvoiceChains(t *testing.T) {
	d := &scriptedDoer{script: []any{okXML, okXML}}
	c := newTestClient(t, d, nil)

	first, err := c.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), invoice("002", 16))
	require.NoError(t, err)

	require.Len(t, d.bodies, 2)
	assert.Contains(t, d.bodies[1], "<sum:PrimerRegistro>N</sum:PrimerRegistro>")
	assert.Contains(t, d.bodies[1], "<sum:Huella>"+first.Processed.Fingerprint+"</sum:Huella>")
	assert.Contains(t, d.bodies[1], "<sum:NumSerieFactura>A001</sum:NumSerieFactura>")
	assert.Equal(t, uint64(2), c.ChainState().RecordCount)
}

func TestSubmitValidationErrorLeavesChainUntouched(t *testing.T) {
	d := &scriptedDoer{}
	c := newTestClient(t, d, nil)

	bad := invoice("001", 15)
	bad.Issuer.TaxID = ""
	_, err := c.Submit(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.True(t, c.ChainState().IsFirst)
	assert.Equal(t, 0, d.calls)
}

func TestSubmitRejectedIsNotAnError(t *testing.T) {
	d := &scriptedDoer{script: []any{rejectedXML}}
	c := newTestClient(t, d, nil)

	resp, err := c.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err, "a rejection is an outcome, not an error")

	assert.False(t, resp.Accepted)
	assert.Equal(t, "Rechazado", resp.State)
	assert.Equal(t, "1234", resp.ErrorCode)
	assert.Equal(t, "Bad data", resp.ErrorDescription)
	assert.NotEmpty(t, resp.Processed.Fingerprint)
	// The authority received a record with this fingerprint; the chain
	// stays advanced.
	assert.Equal(t, uint64(1), c.ChainState().RecordCount)

	// Err offers the rejection as an error value for callers that want one.
	rerr := resp.Err()
	require.Error(t, rerr)
	assert.Equal(t, errs.KindAeat, errs.KindOf(rerr))
	assert.Equal(t, errs.CodeRejected, errs.CodeOf(rerr))
	assert.Contains(t, rerr.Error(), "1234")
}

func TestResponseErrNilWhenAccepted(t *testing.T) {
	d := &scriptedDoer{script: []any{okXML}}
	c := newTestClient(t, d, nil)

	resp, err := c.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	assert.NoError(t, resp.Err())
}

func TestSubmitWithRetryRecoversAndReproducesFingerprint(t *testing.T) {
	netErr := errs.New(errs.KindNetwork, errs.CodeConnection, "connection reset").WithHint(true, time.Millisecond)

	// Reference run: one clean attempt for each invoice.
	ref := newTestClient(t, &scriptedDoer{script: []any{okXML, okXML}}, nil)
	_, err := ref.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)
	clean, err := ref.Submit(context.Background(), invoice("002", 16))
	require.NoError(t, err)

	// Retried run: the second submission fails once, then succeeds.
	d := &scriptedDoer{script: []any{okXML, netErr, okXML}}
	c := newTestClient(t, d, nil)
	_, err = c.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)

	resp, err := c.SubmitWithRetry(context.Background(), invoice("002", 16), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.calls)
	assert.Equal(t, uint64(2), c.ChainState().RecordCount)
	// The rollback between attempts makes the fingerprint identical to the
	// single-attempt run.
	assert.Equal(t, clean.Processed.Fingerprint, resp.Processed.Fingerprint)
}

func TestSubmitWithRetryRollsBackOnTerminalFailure(t *testing.T) {
	netErr := errs.New(errs.KindNetwork, errs.CodeConnection, "connection reset").WithHint(true, time.Millisecond)
	d := &scriptedDoer{script: []any{okXML, netErr, netErr, netErr}}
	c := newTestClient(t, d, nil)

	_, err := c.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)
	saved := c.ChainState()

	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2
	_, err = c.SubmitWithRetry(context.Background(), invoice("002", 16), &policy)
	require.Error(t, err)
	assert.Equal(t, 4, d.calls) // 1 ok + 3 failed attempts
	assert.Equal(t, saved, c.ChainState())
}

func TestSubmitWithRetryStopsOnNonRetryable(t *testing.T) {
	authErr := errs.New(errs.KindAeat, errs.CodeAuthentication, "certificate refused").WithHint(false, 0)
	d := &scriptedDoer{script: []any{authErr}}
	c := newTestClient(t, d, nil)

	_, err := c.SubmitWithRetry(context.Background(), invoice("001", 15), nil)
	require.Error(t, err)
	assert.Equal(t, 1, d.calls)
	assert.True(t, c.ChainState().IsFirst)
}

func TestCancelAdvancesChain(t *testing.T) {
	cancelOK := strings.ReplaceAll(okXML, "RespuestaRegFactura", "RespuestaBajaFactura")
	d := &scriptedDoer{script: []any{okXML, cancelOK}}
	c := newTestClient(t, d, nil)

	_, err := c.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)

	resp, err := c.Cancel(context.Background(),
		records.InvoiceID{Series: "A", Number: "001", IssueDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		records.Party{TaxID: "B12345678", Name: "Test Co SL"},
		"duplicate")
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.Equal(t, uint64(2), c.ChainState().RecordCount)
	require.Len(t, d.bodies, 2)
	assert.Contains(t, d.bodies[1], "<sum:RegistroAnulacion>")
}

func TestQueryStatusDoesNotAdvanceChain(t *testing.T) {
	queryOK := `<Envelope><Body><RespuestaConsultaFactura>
		<EstadoRegistro>Correcto</EstadoRegistro>
		<CSV>CSV-Q</CSV>
		<FechaHoraRegistro>2024-01-15T10:31:22+01:00</FechaHoraRegistro>
	</RespuestaConsultaFactura></Body></Envelope>`
	d := &scriptedDoer{script: []any{queryOK}}
	c := newTestClient(t, d, nil)

	resp, err := c.QueryStatus(context.Background(),
		records.InvoiceID{Series: "A", Number: "001", IssueDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		"B12345678")
	require.NoError(t, err)

	assert.Equal(t, "Correcto", resp.State)
	assert.Equal(t, "CSV-Q", resp.CSV)
	require.NotNil(t, resp.RegisteredAt)
	assert.True(t, c.ChainState().IsFirst)
	require.Len(t, d.bodies, 1)
	assert.Contains(t, d.bodies[0], "ConsultaFactuSistemaFacturacion")
}

func TestSaturatedLimiter(t *testing.T) {
	d := &scriptedDoer{hold: 200 * time.Millisecond, script: []any{okXML, okXML, okXML}}
	c := newTestClient(t, d, func(o *Options) {
		o.MaxConcurrency = 2
		o.QueueTimeout = 50 * time.Millisecond
	})

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Submit(context.Background(), invoice("00"+string(rune('1'+i)), 15))
			results[i] = err
		}(i)
		time.Sleep(10 * time.Millisecond) // deterministic arrival order
	}
	wg.Wait()

	var timeouts, successes int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		if errs.CodeOf(err) == errs.CodeQueueTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 2, successes)
	assert.Equal(t, 1, timeouts)

	stats := c.ConcurrencyStats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 2, stats.Max)
}

func TestUnlimitedConcurrency(t *testing.T) {
	d := &scriptedDoer{}
	c := newTestClient(t, d, func(o *Options) {
		o.MaxConcurrency = limiter.Unlimited
	})
	assert.Equal(t, limiter.Unlimited, c.ConcurrencyStats().Max)
}

func TestNewRejectsUnknownEnvironment(t *testing.T) {
	_, err := New(Options{Environment: aeat.Environment("staging"), HTTPClient: &scriptedDoer{}})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestMultipleClientsKeepIndependentChains(t *testing.T) {
	c1 := newTestClient(t, &scriptedDoer{script: []any{okXML}}, nil)
	c2 := newTestClient(t, &scriptedDoer{script: []any{okXML}}, nil)

	_, err := c1.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), c1.ChainState().RecordCount)
	assert.True(t, c2.ChainState().IsFirst)
}

func TestResumeFromInitialState(t *testing.T) {
	d1 := &scriptedDoer{script: []any{okXML}}
	c1 := newTestClient(t, d1, nil)
	first, err := c1.Submit(context.Background(), invoice("001", 15))
	require.NoError(t, err)
	saved := c1.ChainState()

	d2 := &scriptedDoer{script: []any{okXML}}
	c2 := newTestClient(t, d2, func(o *Options) { o.InitialState = &saved })
	_, err = c2.Submit(context.Background(), invoice("002", 16))
	require.NoError(t, err)

	require.Len(t, d2.bodies, 1)
	assert.Contains(t, d2.bodies[0], "<sum:Huella>"+first.Processed.Fingerprint+"</sum:Huella>")
	assert.Equal(t, uint64(2), c2.ChainState().RecordCount)
}

func TestTransportErrorSurfacesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	d := &scriptedDoer{script: []any{cause}}
	c := newTestClient(t, d, nil)

	_, err := c.Submit(context.Background(), invoice("001", 15))
	require.Error(t, err)
	assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
	assert.ErrorIs(t, err, cause)
}
