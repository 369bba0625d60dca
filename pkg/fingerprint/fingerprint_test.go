package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcabala/verifactu/pkg/errs"
	"github.com/alcabala/verifactu/pkg/records"
)

func madridTime(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, time.FixedZone("CET", 3600))
}

func firstInvoice() *records.Registration {
	return &records.Registration{
		Issuer:      records.Party{TaxID: "B12345678", Name: "Test Co SL"},
		Invoice:     records.InvoiceID{Series: "A", Number: "001", IssueDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		InvoiceType: records.InvoiceTypeStandard,
		Recipients:  []records.Recipient{{TaxID: "A87654321", Name: "Client SA"}},
		RegimeCodes: []string{"01"},
		Breakdown: records.Breakdown{
			VAT: []records.VATLine{{Base: 10000, Rate: 2100, VAT: 2100}},
		},
		Total: 12100,
	}
}

func TestRegistrationInputFirstRecord(t *testing.T) {
	instant := madridTime(2024, time.January, 15, 10, 30, 0)
	got := RegistrationInput(firstInvoice(), "", instant)

	want := "IDEmisorFactura=B12345678" +
		"&NumSerieFactura=A001" +
		"&FechaExpedicionFactura=2024-01-15" +
		"&TipoFactura=F1" +
		"&CuotaTotal=21.00" +
		"&ImporteTotal=121.00" +
		"&Huella=" +
		"&FechaHoraHusoGenRegistro=2024-01-15T10:30:00+01:00"
	assert.Equal(t, want, got)
}

func TestRegistrationInputChainsPreviousFingerprint(t *testing.T) {
	instant := madridTime(2024, time.January, 16, 9, 0, 0)
	reg := firstInvoice()
	reg.Invoice.Number = "002"
	reg.Invoice.IssueDate = time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)

	got := RegistrationInput(reg, "PREVIOUS_FP", instant)
	assert.Contains(t, got, "&Huella=PREVIOUS_FP&")
	assert.Contains(t, got, "NumSerieFactura=A002")
}

func TestCancellationInputOmitsTypeAndAmounts(t *testing.T) {
	instant := madridTime(2024, time.February, 1, 12, 0, 0)
	canc := &records.Cancellation{
		Issuer:  records.Party{TaxID: "B12345678"},
		Invoice: records.InvoiceID{Series: "A", Number: "001", IssueDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	}
	got := CancellationInput(canc, "FP1", instant)

	want := "IDEmisorFactura=B12345678" +
		"&NumSerieFactura=A001" +
		"&FechaExpedicionFactura=2024-01-15" +
		"&Huella=FP1" +
		"&FechaHoraHusoGenRegistro=2024-02-01T12:00:00+01:00"
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "TipoFactura")
	assert.NotContains(t, got, "ImporteTotal")
}

func TestInstantKeepsLocalOffset(t *testing.T) {
	// The same wall instant in UTC formats differently; the offset is part
	// of the wire contract and must not be coerced.
	local := madridTime(2024, time.January, 15, 10, 30, 0)
	utc := local.UTC()

	inLocal := RegistrationInput(firstInvoice(), "", local)
	inUTC := RegistrationInput(firstInvoice(), "", utc)
	assert.Contains(t, inLocal, "2024-01-15T10:30:00+01:00")
	assert.Contains(t, inUTC, "2024-01-15T09:30:00+00:00")
	assert.NotEqual(t, inLocal, inUTC)
}

func TestComputeIsBase64SHA256OfInput(t *testing.T) {
	instant := madridTime(2024, time.January, 15, 10, 30, 0)
	reg := firstInvoice()

	input := RegistrationInput(reg, "", instant)
	sum := sha256.Sum256([]byte(input))
	want := base64.StdEncoding.EncodeToString(sum[:])

	got, err := Compute(reg, "", instant)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, got, 44)
	assert.True(t, strings.HasSuffix(got, "="))
}

func TestComputeUnknownRecordType(t *testing.T) {
	_, err := Compute(nil, "", time.Now())
	require.Error(t, err)
	assert.Equal(t, errs.KindHash, errs.KindOf(err))
	assert.Equal(t, errs.CodeUnknownOp, errs.CodeOf(err))
}
