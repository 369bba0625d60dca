// Package errs defines the canonical error type for the VeriFactu client.
//
// Every failure surfaced by the library is a single tagged struct carrying a
// kind, a stable code string, a human message, an optional cause, an optional
// field pointer and an optional retry hint. Retryability decisions live in
// the retry package's policy table, not in error methods.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into one of the seven library-level categories.
type Kind int

const (
	// KindValidation marks a caller-supplied record that violates a
	// structural constraint. Never retried.
	KindValidation Kind = iota + 1
	// KindHash marks a failure of the digest primitive. Never retried.
	KindHash
	// KindChain marks an incoherent snapshot restore or a verify mismatch.
	KindChain
	// KindNetwork marks connection, DNS, reset and TLS handshake failures.
	KindNetwork
	// KindTimeout marks transport deadlines and limiter queue timeouts.
	KindTimeout
	// KindSoap marks a SOAP Fault returned by the peer.
	KindSoap
	// KindAeat marks authority-level rejections and authentication failures.
	KindAeat
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindHash:
		return "HASH"
	case KindChain:
		return "CHAIN"
	case KindNetwork:
		return "NETWORK"
	case KindTimeout:
		return "TIMEOUT"
	case KindSoap:
		return "SOAP"
	case KindAeat:
		return "AEAT"
	}
	return "UNKNOWN"
}

// Stable error codes.
const (
	CodeMissingField     = "VERIFACTU/VALIDATION/MISSING_FIELD"
	CodeMalformedTaxID   = "VERIFACTU/VALIDATION/MALFORMED_TAX_ID"
	CodeAmountMismatch   = "VERIFACTU/VALIDATION/AMOUNT_MISMATCH"
	CodeEmptyBreakdown   = "VERIFACTU/VALIDATION/EMPTY_BREAKDOWN"
	CodeBadRectification = "VERIFACTU/VALIDATION/BAD_RECTIFICATION"
	CodeBadAmount        = "VERIFACTU/VALIDATION/BAD_AMOUNT"

	CodeDigestFailed = "VERIFACTU/HASH/DIGEST_FAILED"
	CodeUnknownOp    = "VERIFACTU/HASH/UNKNOWN_OPERATION"

	CodeRestoreMismatch = "VERIFACTU/CHAIN/RESTORE_MISMATCH"
	CodeVerifyMismatch  = "VERIFACTU/CHAIN/VERIFY_MISMATCH"

	CodeConnection   = "VERIFACTU/NETWORK/CONNECTION"
	CodeDNS          = "VERIFACTU/NETWORK/DNS"
	CodeTLSHandshake = "VERIFACTU/NETWORK/TLS_HANDSHAKE"
	CodeHTTPStatus   = "VERIFACTU/NETWORK/HTTP_STATUS"

	CodeRequestTimeout = "VERIFACTU/TIMEOUT/REQUEST_DEADLINE"
	CodeQueueTimeout   = "VERIFACTU/TIMEOUT/QUEUE_WAIT"

	CodeSoapFault       = "VERIFACTU/SOAP/FAULT"
	CodeInvalidResponse = "VERIFACTU/SOAP/INVALID_RESPONSE"

	CodeRejected       = "VERIFACTU/AEAT/REJECTED"
	CodeAuthentication = "VERIFACTU/AEAT/AUTHENTICATION"
)

// RetryHint is attached to errors whose producer knows how they should be
// retried. The retry policy consults it before its default table.
type RetryHint struct {
	Retryable      bool
	SuggestedDelay time.Duration
}

// Error is the single error type surfaced by the library.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Field points at the offending record field for validation errors.
	Field string
	Cause error
	Hint  *RetryHint
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an error with the given kind, code and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an error carrying a cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation builds a validation error pointing at a record field.
func Validation(code, field, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Field: field}
}

// WithHint attaches a retry hint and returns the same error.
func (e *Error) WithHint(retryable bool, suggested time.Duration) *Error {
	e.Hint = &RetryHint{Retryable: retryable, SuggestedDelay: suggested}
	return e
}

// KindOf extracts the kind from an error chain, or 0 when the chain holds no
// library error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf extracts the stable code from an error chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HintOf extracts the retry hint from an error chain, if any.
func HintOf(err error) *RetryHint {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return nil
}
