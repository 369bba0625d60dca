// Package fingerprint computes the canonical record fingerprint (huella).
//
// The fingerprint is the standard-base64 SHA-256 digest of a field-joined
// input string whose key spelling, field order, amount formatting and
// timestamp formatting are all part of the wire contract with the authority.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/alcabala/verifactu/pkg/errs"
	"github.com/alcabala/verifactu/pkg/records"
)

const (
	// DateLayout is the issue-date format used in hash inputs and envelopes.
	DateLayout = "2006-01-02"
	// InstantLayout is the generation-instant format: local time with a
	// signed zone offset and no fractional seconds. Never coerced to UTC.
	InstantLayout = "2006-01-02T15:04:05-07:00"
)

// RegistrationInput builds the canonical input string for a registration.
// prev is empty for the first record of a chain.
func RegistrationInput(r *records.Registration, prev string, instant time.Time) string {
	var b strings.Builder
	writeField(&b, "IDEmisorFactura", r.Issuer.TaxID)
	writeField(&b, "NumSerieFactura", r.Invoice.SeriesNumber())
	writeField(&b, "FechaExpedicionFactura", r.Invoice.IssueDate.Format(DateLayout))
	writeField(&b, "TipoFactura", r.InvoiceType)
	writeField(&b, "CuotaTotal", r.Breakdown.TotalVAT().String())
	writeField(&b, "ImporteTotal", r.Total.String())
	writeField(&b, "Huella", prev)
	writeField(&b, "FechaHoraHusoGenRegistro", instant.Format(InstantLayout))
	return b.String()
}

// CancellationInput builds the canonical input string for a cancellation.
// The type and amount fields are omitted; the rest keep their order.
func CancellationInput(c *records.Cancellation, prev string, instant time.Time) string {
	var b strings.Builder
	writeField(&b, "IDEmisorFactura", c.Issuer.TaxID)
	writeField(&b, "NumSerieFactura", c.Invoice.SeriesNumber())
	writeField(&b, "FechaExpedicionFactura", c.Invoice.IssueDate.Format(DateLayout))
	writeField(&b, "Huella", prev)
	writeField(&b, "FechaHoraHusoGenRegistro", instant.Format(InstantLayout))
	return b.String()
}

// Input dispatches on the record variant.
func Input(rec records.Record, prev string, instant time.Time) (string, error) {
	switch r := rec.(type) {
	case *records.Registration:
		return RegistrationInput(r, prev, instant), nil
	case *records.Cancellation:
		return CancellationInput(r, prev, instant), nil
	}
	return "", errs.New(errs.KindHash, errs.CodeUnknownOp, fmt.Sprintf("record type %T has no canonical input", rec))
}

// Compute returns the fingerprint of a record: SHA-256 over the UTF-8 bytes
// of the canonical input, encoded to standard base64 with padding.
func Compute(rec records.Record, prev string, instant time.Time) (string, error) {
	input, err := Input(rec, prev, instant)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(input))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func writeField(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte('&')
	}
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
}
