// Package qr builds the customer-facing verification URL encoded in the QR
// printed on the invoice.
package qr

import (
	"net/url"
	"strings"

	"github.com/alcabala/verifactu/pkg/aeat"
	"github.com/alcabala/verifactu/pkg/records"
)

// qrDateLayout is DD-MM-YYYY with hyphens, unlike the YYYY-MM-DD used on the
// XML side.
const qrDateLayout = "02-01-2006"

// VerificationURL derives the verification URL from the same canonical
// fields as the fingerprint. Parameter order is fixed by the authority:
// nif, numserie, fecha, importe, huella.
func VerificationURL(env aeat.Environment, issuerTaxID string, invoice records.InvoiceID, total records.Amount, fp string) (string, error) {
	eps, err := aeat.EndpointsFor(env)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(eps.QRBase)
	b.WriteString("?nif=")
	b.WriteString(url.QueryEscape(issuerTaxID))
	b.WriteString("&numserie=")
	b.WriteString(url.QueryEscape(invoice.SeriesNumber()))
	b.WriteString("&fecha=")
	b.WriteString(url.QueryEscape(invoice.IssueDate.Format(qrDateLayout)))
	b.WriteString("&importe=")
	b.WriteString(url.QueryEscape(total.String()))
	b.WriteString("&huella=")
	b.WriteString(url.QueryEscape(fp))
	return b.String(), nil
}
