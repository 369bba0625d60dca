// Package client orchestrates the submission pipeline: record validation,
// chain advance, envelope building, concurrency limiting, the mutual-TLS
// round-trip and response parsing, with retry wrappers that restore the
// chain state across attempts.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/alcabala/verifactu/pkg/aeat"
	"github.com/alcabala/verifactu/pkg/chain"
	"github.com/alcabala/verifactu/pkg/credentials"
	"github.com/alcabala/verifactu/pkg/errs"
	"github.com/alcabala/verifactu/pkg/limiter"
	"github.com/alcabala/verifactu/pkg/observability"
	"github.com/alcabala/verifactu/pkg/records"
	"github.com/alcabala/verifactu/pkg/retry"
	"github.com/alcabala/verifactu/pkg/soap"
	"github.com/alcabala/verifactu/pkg/transport"
)

// Options configures a Client.
type Options struct {
	Environment aeat.Environment
	Credentials credentials.Provider
	Software    records.Software

	RequestTimeout time.Duration
	// InitialState resumes an existing chain; nil starts a fresh one.
	InitialState *chain.State
	// RetryPolicy applies to the …WithRetry operations; nil uses defaults.
	RetryPolicy *retry.Policy
	// MaxConcurrency bounds in-flight submissions; limiter.Unlimited
	// disables the bound, zero falls back to the default of 10.
	MaxConcurrency int
	QueueTimeout   time.Duration
	// RateLimit optionally throttles outbound requests.
	RateLimit *rate.Limiter

	Logger        *slog.Logger
	Observability *observability.Provider
	// HTTPClient overrides the mutual-TLS client, mainly for tests.
	HTTPClient transport.Doer
	// Clock overrides the generation-instant source, for tests.
	Clock func() time.Time

	InsecureSkipVerify bool
}

const defaultMaxConcurrency = 10

// Client is the submission engine facade. A client owns one chain; multiple
// clients with distinct chains coexist freely.
type Client struct {
	env       aeat.Environment
	endpoints aeat.Endpoints
	software  records.Software

	chain     *chain.Chain
	limiter   *limiter.Limiter
	transport *transport.Transport
	policy    retry.Policy

	logger *slog.Logger
	obs    *observability.Provider
	clock  func() time.Time
}

// Response is the outcome of a register or cancel submission.
type Response struct {
	// Accepted is true for Correcto and AceptadoConErrores.
	Accepted bool
	State    string
	// RequestID correlates logs with this submission.
	RequestID string
	// CSV is the authority's verification code, present on acceptance.
	CSV              string
	ErrorCode        string
	ErrorDescription string
	Processed        chain.Processed
}

// Err converts an authority rejection into an error value, for callers that
// prefer error control flow over inspecting Accepted. The submission calls
// themselves never return this; a rejection is a successful round-trip.
func (r *Response) Err() error {
	if r.Accepted {
		return nil
	}
	return errs.New(errs.KindAeat, errs.CodeRejected,
		fmt.Sprintf("registration rejected: %s %s", r.ErrorCode, r.ErrorDescription))
}

// QueryResponse is the outcome of a read-only status query.
type QueryResponse struct {
	RequestID        string
	State            string
	CSV              string
	ErrorCode        string
	ErrorDescription string
	RegisteredAt     *time.Time
}

// New builds a client for the given environment.
func New(opts Options) (*Client, error) {
	if !opts.Environment.Valid() {
		return nil, errs.Validation(errs.CodeMissingField, "environment", "environment must be production or sandbox")
	}
	endpoints, err := aeat.EndpointsFor(opts.Environment)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "verifactu")
	}

	tr, err := transport.New(transport.Options{
		Credentials:        opts.Credentials,
		Timeout:            opts.RequestTimeout,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		RateLimit:          opts.RateLimit,
		Logger:             logger.With("component", "transport"),
		HTTPClient:         opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	ch := chain.New()
	if opts.InitialState != nil {
		ch, err = chain.NewFromState(*opts.InitialState)
		if err != nil {
			return nil, err
		}
	}

	maxConc := opts.MaxConcurrency
	if maxConc == 0 {
		maxConc = defaultMaxConcurrency
	}
	queueTimeout := opts.QueueTimeout
	if queueTimeout == 0 {
		queueTimeout = limiter.DefaultQueueTimeout
	}

	policy := retry.DefaultPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		env:       opts.Environment,
		endpoints: endpoints,
		software:  opts.Software,
		chain:     ch,
		limiter:   limiter.New(maxConc, queueTimeout),
		transport: tr,
		policy:    policy,
		logger:    logger,
		obs:       opts.Observability,
		clock:     clock,
	}, nil
}

// Submit registers an invoice. The chain advances before the round-trip and
// stays advanced on failure; use SubmitWithRetry for automatic rollback.
func (c *Client) Submit(ctx context.Context, reg *records.Registration) (*Response, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	ctx, done := c.track(ctx, "verifactu.submit")

	instant := c.clock()
	processed, err := c.chain.Process(reg, instant)
	if err != nil {
		done(err)
		return nil, err
	}
	envelope, err := soap.BuildRegister(processed, instant, c.software)
	if err != nil {
		done(err)
		return nil, err
	}

	raw, err := c.send(ctx, c.endpoints.Register, aeat.ActionRegister, envelope)
	if err != nil {
		done(err)
		return nil, err
	}
	result, err := soap.ParseRegister(raw)
	if err != nil {
		done(err)
		return nil, err
	}
	done(nil)

	resp := buildResponse(requestID, result, processed)
	c.logger.InfoContext(ctx, "invoice registered",
		"request_id", requestID,
		"invoice", reg.Invoice.SeriesNumber(),
		"state", resp.State,
		"accepted", resp.Accepted)
	return resp, nil
}

// Cancel voids a previously registered invoice. It advances the chain like
// Submit does.
func (c *Client) Cancel(ctx context.Context, invoice records.InvoiceID, issuer records.Party, reason string) (*Response, error) {
	canc := &records.Cancellation{Issuer: issuer, Invoice: invoice, Reason: reason}
	if err := canc.Validate(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	ctx, done := c.track(ctx, "verifactu.cancel")

	instant := c.clock()
	processed, err := c.chain.Process(canc, instant)
	if err != nil {
		done(err)
		return nil, err
	}
	envelope, err := soap.BuildCancel(processed, instant, c.software)
	if err != nil {
		done(err)
		return nil, err
	}

	raw, err := c.send(ctx, c.endpoints.Cancel, aeat.ActionCancel, envelope)
	if err != nil {
		done(err)
		return nil, err
	}
	result, err := soap.ParseCancel(raw)
	if err != nil {
		done(err)
		return nil, err
	}
	done(nil)

	resp := buildResponse(requestID, result, processed)
	c.logger.InfoContext(ctx, "invoice cancelled",
		"request_id", requestID,
		"invoice", invoice.SeriesNumber(),
		"state", resp.State,
		"accepted", resp.Accepted)
	return resp, nil
}

// QueryStatus looks up the registration state of an invoice. Read-only; the
// chain does not advance.
func (c *Client) QueryStatus(ctx context.Context, invoice records.InvoiceID, issuerTaxID string) (*QueryResponse, error) {
	requestID := uuid.NewString()
	ctx, done := c.track(ctx, "verifactu.query")

	envelope, err := soap.BuildQuery(issuerTaxID, invoice)
	if err != nil {
		done(err)
		return nil, err
	}
	raw, err := c.send(ctx, c.endpoints.Query, aeat.ActionQuery, envelope)
	if err != nil {
		done(err)
		return nil, err
	}
	result, err := soap.ParseQuery(raw)
	if err != nil {
		done(err)
		return nil, err
	}
	done(nil)

	return &QueryResponse{
		RequestID:        requestID,
		State:            result.State,
		CSV:              result.CSV,
		ErrorCode:        result.ErrorCode,
		ErrorDescription: result.ErrorDescription,
		RegisteredAt:     result.RegisteredAt,
	}, nil
}

// SubmitWithRetry runs Submit under the retry policy, restoring the chain to
// its pre-call snapshot before each re-attempt and after a terminal failure.
func (c *Client) SubmitWithRetry(ctx context.Context, reg *records.Registration, policy *retry.Policy) (*Response, error) {
	p := c.policy
	if policy != nil {
		p = *policy
	}
	snapshot := c.chain.Snapshot()

	var resp *Response
	first := true
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		if !first {
			if rerr := c.chain.Restore(snapshot); rerr != nil {
				return rerr
			}
		}
		first = false
		var serr error
		resp, serr = c.Submit(ctx, reg)
		return serr
	})
	if err != nil {
		if rerr := c.chain.Restore(snapshot); rerr != nil {
			c.logger.ErrorContext(ctx, "chain rollback failed", "error", rerr)
		}
		return nil, err
	}
	return resp, nil
}

// CancelWithRetry mirrors SubmitWithRetry for cancellations.
func (c *Client) CancelWithRetry(ctx context.Context, invoice records.InvoiceID, issuer records.Party, reason string, policy *retry.Policy) (*Response, error) {
	p := c.policy
	if policy != nil {
		p = *policy
	}
	snapshot := c.chain.Snapshot()

	var resp *Response
	first := true
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		if !first {
			if rerr := c.chain.Restore(snapshot); rerr != nil {
				return rerr
			}
		}
		first = false
		var serr error
		resp, serr = c.Cancel(ctx, invoice, issuer, reason)
		return serr
	})
	if err != nil {
		if rerr := c.chain.Restore(snapshot); rerr != nil {
			c.logger.ErrorContext(ctx, "chain rollback failed", "error", rerr)
		}
		return nil, err
	}
	return resp, nil
}

// QueryStatusWithRetry retries the read-only query; no rollback is needed.
func (c *Client) QueryStatusWithRetry(ctx context.Context, invoice records.InvoiceID, issuerTaxID string, policy *retry.Policy) (*QueryResponse, error) {
	p := c.policy
	if policy != nil {
		p = *policy
	}
	var resp *QueryResponse
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		var serr error
		resp, serr = c.QueryStatus(ctx, invoice, issuerTaxID)
		return serr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ChainState returns a snapshot of the chain, the caller's durable handle.
func (c *Client) ChainState() chain.State { return c.chain.Snapshot() }

// Software returns the configured software descriptor.
func (c *Client) Software() records.Software { return c.software }

// ConcurrencyStats reports limiter occupancy without blocking.
func (c *Client) ConcurrencyStats() limiter.Stats { return c.limiter.Snapshot() }

// send runs the round-trip under the concurrency bound.
func (c *Client) send(ctx context.Context, endpoint, action string, envelope []byte) ([]byte, error) {
	var raw []byte
	err := c.limiter.Execute(ctx, func(ctx context.Context) error {
		var terr error
		raw, terr = c.transport.Send(ctx, endpoint, action, envelope)
		return terr
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// track opens an observability span when a provider is wired; otherwise it
// is a no-op.
func (c *Client) track(ctx context.Context, name string) (context.Context, func(error)) {
	if c.obs == nil {
		return ctx, func(error) {}
	}
	return c.obs.TrackOperation(ctx, name)
}

func buildResponse(requestID string, result *soap.Result, processed chain.Processed) *Response {
	return &Response{
		Accepted:         result.Accepted(),
		State:            result.State,
		RequestID:        requestID,
		CSV:              result.CSV,
		ErrorCode:        result.ErrorCode,
		ErrorDescription: result.ErrorDescription,
		Processed:        processed,
	}
}
