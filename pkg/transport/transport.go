// Package transport performs the mutual-TLS SOAP round-trips against the
// authority's endpoints and maps low-level failures onto the library's error
// taxonomy.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alcabala/verifactu/pkg/credentials"
	"github.com/alcabala/verifactu/pkg/errs"
)

// DefaultTimeout is the per-request transport deadline.
const DefaultTimeout = 30 * time.Second

// Suggested re-attempt delays attached to retryable transport errors.
const (
	connectionRetryDelay = 1 * time.Second
	timeoutRetryDelay    = 2 * time.Second
)

// Doer abstracts the HTTP client for test injection.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures the transport.
type Options struct {
	Credentials credentials.Provider
	Timeout     time.Duration
	// InsecureSkipVerify disables server certificate verification.
	// Sandbox debugging only.
	InsecureSkipVerify bool
	// RateLimit optionally throttles outbound requests.
	RateLimit *rate.Limiter
	Logger    *slog.Logger
	// HTTPClient overrides the built-in mutual-TLS client, mainly for tests.
	HTTPClient Doer
}

// Transport posts SOAP envelopes over mutual TLS.
type Transport struct {
	client  Doer
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a transport. Unless an HTTPClient override is given, a
// certificate provider is required.
func New(opts Options) (*Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "transport")
	}
	t := &Transport{limiter: opts.RateLimit, logger: logger}

	if opts.HTTPClient != nil {
		t.client = opts.HTTPClient
		return t, nil
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("transport: certificate provider is required")
	}
	cert, err := opts.Credentials.Certificate()
	if err != nil {
		return nil, fmt.Errorf("transport: load client certificate: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				Certificates:       []tls.Certificate{cert},
				InsecureSkipVerify: opts.InsecureSkipVerify,
			},
			IdleConnTimeout: 90 * time.Second,
		},
	}
	return t, nil
}

// Send posts the envelope to the endpoint with the quoted SOAPAction header
// and returns the raw response body. Non-2xx statuses with a body are
// returned for envelope-level parsing; auth statuses and bodyless server
// errors map to taxonomy errors.
func (t *Transport) Send(ctx context.Context, endpoint, soapAction string, envelope []byte) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, errs.CodeConnection, "build request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+soapAction+`"`)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		mapped := classify(err)
		t.logger.WarnContext(ctx, "round-trip failed",
			"endpoint", endpoint, "action", soapAction, "error", mapped, "elapsed", time.Since(start))
		return nil, mapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, errs.CodeConnection, "read response body", err).
			WithHint(true, connectionRetryDelay)
	}

	t.logger.DebugContext(ctx, "round-trip complete",
		"endpoint", endpoint, "action", soapAction, "status", resp.StatusCode, "elapsed", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.New(errs.KindAeat, errs.CodeAuthentication,
			fmt.Sprintf("authority refused the client certificate (HTTP %d)", resp.StatusCode)).
			WithHint(false, 0)
	case resp.StatusCode >= 500 && len(bytes.TrimSpace(raw)) == 0:
		return nil, errs.New(errs.KindNetwork, errs.CodeHTTPStatus,
			fmt.Sprintf("HTTP %d with empty body", resp.StatusCode)).
			WithHint(true, connectionRetryDelay)
	}
	// SOAP faults arrive with 4xx/5xx statuses and an envelope body; the
	// codec surfaces them.
	return raw, nil
}

// classify maps Go networking errors onto the taxonomy. TLS and certificate
// failures are terminal; timeouts and transient connection failures carry
// retry hints.
func classify(err error) error {
	var lib *errs.Error
	if errors.As(err, &lib) {
		// Already classified, keep the original kind and hint.
		return err
	}

	var uerr *url.Error
	if (errors.As(err, &uerr) && uerr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, errs.CodeRequestTimeout, "request deadline exceeded", err).
			WithHint(true, timeoutRetryDelay)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		certErr      *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		unknownCAErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		certInvalid  x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &recordErr) ||
		errors.As(err, &unknownCAErr) || errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) || strings.Contains(err.Error(), "tls:") {
		return errs.Wrap(errs.KindNetwork, errs.CodeTLSHandshake, "TLS handshake failed", err).
			WithHint(false, 0)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errs.Wrap(errs.KindNetwork, errs.CodeDNS, "DNS resolution failed", err).
			WithHint(true, connectionRetryDelay)
	}

	return errs.Wrap(errs.KindNetwork, errs.CodeConnection, "connection failed", err).
		WithHint(true, connectionRetryDelay)
}
