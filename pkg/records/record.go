// Package records defines the invoice record model submitted to the
// VeriFactu service: registrations, cancellations, the tax breakdown and
// the structural checks behind validation errors.
package records

import (
	"time"

	"golang.org/x/text/unicode/norm"
)

// Operation discriminates the two record variants.
type Operation string

const (
	// OperationRegistration registers an issued invoice (alta).
	OperationRegistration Operation = "A"
	// OperationCancellation voids a previously registered invoice (anulación).
	OperationCancellation Operation = "AN"
)

// Invoice type codes accepted by the authority.
const (
	InvoiceTypeStandard      = "F1"
	InvoiceTypeSimplified    = "F2"
	InvoiceTypeSubstitution  = "F3"
	InvoiceTypeRectification = "R1"
)

// InvoiceID identifies an invoice: optional series, mandatory number and
// issue date.
type InvoiceID struct {
	Series    string
	Number    string
	IssueDate time.Time
}

// SeriesNumber returns the series and number concatenated with no separator,
// the form used by the fingerprint, the envelope and the QR URL.
func (id InvoiceID) SeriesNumber() string { return id.Series + id.Number }

// Party is a tax subject with a display name.
type Party struct {
	TaxID string
	Name  string
}

// Recipient is an invoice counterparty. Kind distinguishes the identifier
// scheme (NIF for domestic, IDOtro variants for foreign identifiers).
type Recipient struct {
	TaxID   string
	Kind    string
	Country string
	Name    string
}

// Rectification links a corrective record to the invoices it amends.
type Rectification struct {
	Kind      string // "S" substitution, "I" difference
	Rectified []InvoiceID
}

// Software describes the billing system that produced the record. The
// installation number is deliberately emitted into both the system id and
// installation elements of the envelope; see the envelope builder.
type Software struct {
	Name               string
	InstallationNumber string
	Version            string
}

// Registration is the record variant for an issued invoice.
type Registration struct {
	Issuer        Party
	Invoice       InvoiceID
	InvoiceType   string
	Recipients    []Recipient
	Description   string
	RegimeCodes   []string
	Breakdown     Breakdown
	Total         Amount
	Rectification *Rectification
	Software      *Software
}

// Cancellation is the record variant that voids a registered invoice.
type Cancellation struct {
	Issuer  Party
	Invoice InvoiceID
	Reason  string
}

// Record is the union of the two variants.
type Record interface {
	Operation() Operation
	InvoiceID() InvoiceID
	IssuerParty() Party
}

// Operation implements Record.
func (r *Registration) Operation() Operation { return OperationRegistration }

// InvoiceID implements Record.
func (r *Registration) InvoiceID() InvoiceID { return r.Invoice }

// IssuerParty implements Record.
func (r *Registration) IssuerParty() Party { return r.Issuer }

// Operation implements Record.
func (c *Cancellation) Operation() Operation { return OperationCancellation }

// InvoiceID implements Record.
func (c *Cancellation) InvoiceID() InvoiceID { return c.Invoice }

// IssuerParty implements Record.
func (c *Cancellation) IssuerParty() Party { return c.Issuer }

// IsRectification reports whether the invoice type requires rectification
// metadata.
func (r *Registration) IsRectification() bool {
	switch r.InvoiceType {
	case InvoiceTypeSubstitution, "R1", "R2", "R3", "R4", "R5":
		return true
	}
	return false
}

// CleanText NFC-normalizes free text destined for the envelope. Identifier
// fields are never rewritten.
func CleanText(s string) string { return norm.NFC.String(s) }
