package records

import (
	"fmt"
	"regexp"

	"github.com/alcabala/verifactu/pkg/errs"
)

// taxIDPattern accepts Spanish NIF/NIE/CIF shapes: a leading digit or letter,
// seven digits, and a trailing control digit or letter.
var taxIDPattern = regexp.MustCompile(`^[0-9A-Z][0-9]{7}[0-9A-Z]$`)

// ValidTaxID reports whether s has a plausible Spanish tax identifier shape.
// Full checksum validation belongs to the caller's validation layer.
func ValidTaxID(s string) bool { return taxIDPattern.MatchString(s) }

// Validate checks the structural constraints of a registration record.
// It returns a validation error with a field pointer on the first violation.
func (r *Registration) Validate() error {
	if r.Issuer.TaxID == "" {
		return errs.Validation(errs.CodeMissingField, "issuer.taxId", "issuer tax identifier is required")
	}
	if !ValidTaxID(r.Issuer.TaxID) {
		return errs.Validation(errs.CodeMalformedTaxID, "issuer.taxId", fmt.Sprintf("malformed tax identifier %q", r.Issuer.TaxID))
	}
	if r.Issuer.Name == "" {
		return errs.Validation(errs.CodeMissingField, "issuer.name", "issuer display name is required")
	}
	if r.Invoice.Number == "" {
		return errs.Validation(errs.CodeMissingField, "invoice.number", "invoice number is required")
	}
	if r.Invoice.IssueDate.IsZero() {
		return errs.Validation(errs.CodeMissingField, "invoice.issueDate", "invoice issue date is required")
	}
	if r.InvoiceType == "" {
		return errs.Validation(errs.CodeMissingField, "invoiceType", "invoice type code is required")
	}
	if len(r.RegimeCodes) == 0 {
		return errs.Validation(errs.CodeMissingField, "regimeCodes", "at least one operation regime code is required")
	}
	for i, rec := range r.Recipients {
		if rec.TaxID == "" {
			return errs.Validation(errs.CodeMissingField, fmt.Sprintf("recipients[%d].taxId", i), "recipient tax identifier is required")
		}
		if rec.Name == "" {
			return errs.Validation(errs.CodeMissingField, fmt.Sprintf("recipients[%d].name", i), "recipient display name is required")
		}
	}
	if err := r.Breakdown.validate(); err != nil {
		return err
	}
	if got := r.Breakdown.Total(); !withinCent(got, r.Total) {
		return errs.Validation(errs.CodeAmountMismatch, "total",
			fmt.Sprintf("breakdown total %s does not match stated total %s", got, r.Total))
	}
	if r.IsRectification() {
		if r.Rectification == nil || r.Rectification.Kind == "" || len(r.Rectification.Rectified) == 0 {
			return errs.Validation(errs.CodeBadRectification, "rectification",
				"rectification records require a kind and at least one prior-invoice reference")
		}
	}
	return nil
}

// Validate checks the structural constraints of a cancellation record.
func (c *Cancellation) Validate() error {
	if c.Issuer.TaxID == "" {
		return errs.Validation(errs.CodeMissingField, "issuer.taxId", "issuer tax identifier is required")
	}
	if !ValidTaxID(c.Issuer.TaxID) {
		return errs.Validation(errs.CodeMalformedTaxID, "issuer.taxId", fmt.Sprintf("malformed tax identifier %q", c.Issuer.TaxID))
	}
	if c.Invoice.Number == "" {
		return errs.Validation(errs.CodeMissingField, "invoice.number", "invoice number is required")
	}
	if c.Invoice.IssueDate.IsZero() {
		return errs.Validation(errs.CodeMissingField, "invoice.issueDate", "invoice issue date is required")
	}
	return nil
}

// validate checks the breakdown arithmetic: VAT quota within one cent of
// base×rate, surcharge fields paired, and at least one line present.
func (b Breakdown) validate() error {
	if b.Empty() {
		return errs.Validation(errs.CodeEmptyBreakdown, "breakdown", "tax breakdown needs at least one line")
	}
	for i, l := range b.VAT {
		expected := AmountFromFloat(l.Base.Float() * l.Rate.Float() / 100)
		if !withinCent(expected, l.VAT) {
			return errs.Validation(errs.CodeAmountMismatch, fmt.Sprintf("breakdown.vat[%d].vat", i),
				fmt.Sprintf("VAT quota %s outside tolerance of %s×%s%%", l.VAT, l.Base, l.Rate))
		}
		if (l.SurchargeRate == nil) != (l.SurchargeAmount == nil) {
			return errs.Validation(errs.CodeMissingField, fmt.Sprintf("breakdown.vat[%d].surcharge", i),
				"surcharge rate and amount must both be set")
		}
	}
	for i, l := range b.Exempt {
		if l.Cause == "" {
			return errs.Validation(errs.CodeMissingField, fmt.Sprintf("breakdown.exempt[%d].cause", i), "exemption cause code is required")
		}
	}
	for i, l := range b.NonSubject {
		if l.Cause == "" {
			return errs.Validation(errs.CodeMissingField, fmt.Sprintf("breakdown.nonSubject[%d].cause", i), "non-subject cause code is required")
		}
	}
	return nil
}
