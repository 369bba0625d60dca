// Package soap translates processed records into the authority's SOAP 1.1
// envelopes and parses the response envelopes. It is scoped to the three
// operation shapes of the VeriFactu service, not a general XML toolkit.
package soap

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/alcabala/verifactu/pkg/aeat"
	"github.com/alcabala/verifactu/pkg/chain"
	"github.com/alcabala/verifactu/pkg/fingerprint"
	"github.com/alcabala/verifactu/pkg/records"
)

// xmlHeader is the exact declaration emitted before every envelope.
const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

type envelope struct {
	XMLName   xml.Name `xml:"soapenv:Envelope"`
	NSSoapEnv string   `xml:"xmlns:soapenv,attr"`
	NSSum     string   `xml:"xmlns:sum,attr"`
	Header    struct{} `xml:"soapenv:Header"`
	Body      body     `xml:"soapenv:Body"`
}

type body struct {
	Supply *supplyRequest `xml:"sum:RegFactuSistemaFacturacion,omitempty"`
	Query  *queryRequest  `xml:"sum:ConsultaFactuSistemaFacturacion,omitempty"`
}

type supplyRequest struct {
	Header supplyHeader  `xml:"sum:Cabecera"`
	Record invoiceRecord `xml:"sum:RegistroFactura"`
}

type supplyHeader struct {
	Issuer obligatedIssuer `xml:"sum:ObligadoEmision"`
}

type obligatedIssuer struct {
	Name  string `xml:"sum:NombreRazon"`
	TaxID string `xml:"sum:NIF"`
}

type invoiceRecord struct {
	Registration *registrationRecord `xml:"sum:RegistroAlta,omitempty"`
	Cancellation *cancellationRecord `xml:"sum:RegistroAnulacion,omitempty"`
}

type invoiceID struct {
	IssuerTaxID  string `xml:"sum:IDEmisorFactura"`
	SeriesNumber string `xml:"sum:NumSerieFactura"`
	IssueDate    string `xml:"sum:FechaExpedicionFactura"`
}

type registrationRecord struct {
	Invoice       invoiceID      `xml:"sum:IDFactura"`
	IssuerName    string         `xml:"sum:NombreRazonEmisor"`
	InvoiceType   string         `xml:"sum:TipoFactura"`
	RectKind      string         `xml:"sum:TipoRectificativa,omitempty"`
	Rectification *rectification `xml:"sum:FacturasRectificadas,omitempty"`
	Recipients    *recipients    `xml:"sum:Destinatarios,omitempty"`
	Description   string         `xml:"sum:DescripcionOperacion,omitempty"`
	Breakdown     breakdown      `xml:"sum:Desglose"`
	TotalVAT      string         `xml:"sum:CuotaTotal"`
	Total         string         `xml:"sum:ImporteTotal"`
	Chaining      chaining       `xml:"sum:Encadenamiento"`
	Software      software       `xml:"sum:SistemaInformatico"`
	Generated     string         `xml:"sum:FechaHoraHusoGenRegistro"`
	Fingerprint   string         `xml:"sum:Huella"`
}

type cancellationRecord struct {
	Invoice     invoiceID `xml:"sum:IDFactura"`
	IssuerName  string    `xml:"sum:NombreRazonEmisor,omitempty"`
	Reason      string    `xml:"sum:MotivoAnulacion,omitempty"`
	Chaining    chaining  `xml:"sum:Encadenamiento"`
	Software    software  `xml:"sum:SistemaInformatico"`
	Generated   string    `xml:"sum:FechaHoraHusoGenRegistro"`
	Fingerprint string    `xml:"sum:Huella"`
}

type rectification struct {
	Rectified []invoiceID `xml:"sum:IDFacturaRectificada"`
}

type recipients struct {
	Entries []recipient `xml:"sum:IDDestinatario"`
}

type recipient struct {
	Name    string   `xml:"sum:NombreRazon"`
	TaxID   string   `xml:"sum:NIF,omitempty"`
	Foreign *foreign `xml:"sum:IDOtro,omitempty"`
}

type foreign struct {
	Country string `xml:"sum:CodigoPais"`
	Kind    string `xml:"sum:IDType"`
	ID      string `xml:"sum:ID"`
}

type breakdown struct {
	Details []breakdownDetail `xml:"sum:DetalleDesglose"`
}

type breakdownDetail struct {
	Regime          string `xml:"sum:ClaveRegimen,omitempty"`
	ExemptionCause  string `xml:"sum:OperacionExenta,omitempty"`
	NonSubjectCause string `xml:"sum:CausaNoSujecion,omitempty"`
	Rate            string `xml:"sum:TipoImpositivo,omitempty"`
	Base            string `xml:"sum:BaseImponibleOimporteNoSujeto"`
	VAT             string `xml:"sum:CuotaRepercutida,omitempty"`
	SurchargeRate   string `xml:"sum:TipoRecargoEquivalencia,omitempty"`
	Surcharge       string `xml:"sum:CuotaRecargoEquivalencia,omitempty"`
}

type chaining struct {
	First    string          `xml:"sum:PrimerRegistro,omitempty"`
	Previous *previousRecord `xml:"sum:RegistroAnterior,omitempty"`
}

type previousRecord struct {
	Fingerprint  string `xml:"sum:Huella"`
	IssueDate    string `xml:"sum:FechaExpedicionFactura"`
	SeriesNumber string `xml:"sum:NumSerieFactura"`
}

type software struct {
	Name           string `xml:"sum:NombreSistemaInformatico"`
	SystemID       string `xml:"sum:IdSistemaInformatico"`
	Version        string `xml:"sum:Version"`
	Installation   string `xml:"sum:NumeroInstalacion"`
	MultipleOTFlag string `xml:"sum:IndicadorMultiplesOT"`
}

type queryRequest struct {
	Filter queryFilter `xml:"sum:FiltroConsulta"`
}

type queryFilter struct {
	IssuerTaxID  string `xml:"sum:IDEmisorFactura"`
	SeriesNumber string `xml:"sum:NumSerieFactura"`
	IssueDate    string `xml:"sum:FechaExpedicionFactura"`
}

// BuildRegister renders the register envelope for a processed registration.
func BuildRegister(p chain.Processed, instant time.Time, sw records.Software) ([]byte, error) {
	reg, ok := p.Record.(*records.Registration)
	if !ok {
		return nil, fmt.Errorf("register envelope needs a registration record, got %T", p.Record)
	}

	rec := &registrationRecord{
		Invoice: invoiceID{
			IssuerTaxID:  reg.Issuer.TaxID,
			SeriesNumber: reg.Invoice.SeriesNumber(),
			IssueDate:    reg.Invoice.IssueDate.Format(fingerprint.DateLayout),
		},
		IssuerName:  records.CleanText(reg.Issuer.Name),
		InvoiceType: reg.InvoiceType,
		Description: records.CleanText(reg.Description),
		Breakdown:   buildBreakdown(reg),
		TotalVAT:    reg.Breakdown.TotalVAT().String(),
		Total:       reg.Total.String(),
		Chaining:    buildChaining(p.ChainRef),
		Software:    buildSoftware(sw),
		Generated:   instant.Format(fingerprint.InstantLayout),
		Fingerprint: p.Fingerprint,
	}

	if reg.Rectification != nil {
		rec.RectKind = reg.Rectification.Kind
		r := &rectification{}
		for _, id := range reg.Rectification.Rectified {
			r.Rectified = append(r.Rectified, invoiceID{
				IssuerTaxID:  reg.Issuer.TaxID,
				SeriesNumber: id.SeriesNumber(),
				IssueDate:    id.IssueDate.Format(fingerprint.DateLayout),
			})
		}
		rec.Rectification = r
	}

	if len(reg.Recipients) > 0 {
		rs := &recipients{}
		for _, d := range reg.Recipients {
			entry := recipient{Name: records.CleanText(d.Name)}
			if d.Kind == "" || d.Kind == "NIF" {
				entry.TaxID = d.TaxID
			} else {
				entry.Foreign = &foreign{Country: d.Country, Kind: d.Kind, ID: d.TaxID}
			}
			rs.Entries = append(rs.Entries, entry)
		}
		rec.Recipients = rs
	}

	return marshalEnvelope(body{Supply: &supplyRequest{
		Header: supplyHeader{Issuer: obligatedIssuer{Name: records.CleanText(reg.Issuer.Name), TaxID: reg.Issuer.TaxID}},
		Record: invoiceRecord{Registration: rec},
	}})
}

// BuildCancel renders the cancel envelope for a processed cancellation.
func BuildCancel(p chain.Processed, instant time.Time, sw records.Software) ([]byte, error) {
	canc, ok := p.Record.(*records.Cancellation)
	if !ok {
		return nil, fmt.Errorf("cancel envelope needs a cancellation record, got %T", p.Record)
	}

	rec := &cancellationRecord{
		Invoice: invoiceID{
			IssuerTaxID:  canc.Issuer.TaxID,
			SeriesNumber: canc.Invoice.SeriesNumber(),
			IssueDate:    canc.Invoice.IssueDate.Format(fingerprint.DateLayout),
		},
		IssuerName:  records.CleanText(canc.Issuer.Name),
		Reason:      records.CleanText(canc.Reason),
		Chaining:    buildChaining(p.ChainRef),
		Software:    buildSoftware(sw),
		Generated:   instant.Format(fingerprint.InstantLayout),
		Fingerprint: p.Fingerprint,
	}

	return marshalEnvelope(body{Supply: &supplyRequest{
		Header: supplyHeader{Issuer: obligatedIssuer{Name: records.CleanText(canc.Issuer.Name), TaxID: canc.Issuer.TaxID}},
		Record: invoiceRecord{Cancellation: rec},
	}})
}

// BuildQuery renders the query envelope for an invoice status lookup.
func BuildQuery(issuerTaxID string, invoice records.InvoiceID) ([]byte, error) {
	return marshalEnvelope(body{Query: &queryRequest{
		Filter: queryFilter{
			IssuerTaxID:  issuerTaxID,
			SeriesNumber: invoice.SeriesNumber(),
			IssueDate:    invoice.IssueDate.Format(fingerprint.DateLayout),
		},
	}})
}

func buildChaining(ref *chain.Reference) chaining {
	if ref == nil {
		return chaining{First: "S"}
	}
	return chaining{
		First: "N",
		Previous: &previousRecord{
			Fingerprint:  ref.Fingerprint,
			IssueDate:    ref.Date.Format(fingerprint.DateLayout),
			SeriesNumber: ref.Series + ref.Number,
		},
	}
}

// buildSoftware mirrors the authority-facing quirk of the reference
// implementation: the installation number fills both the system id and the
// installation elements, and IndicadorMultiplesOT is always N.
func buildSoftware(sw records.Software) software {
	return software{
		Name:           records.CleanText(sw.Name),
		SystemID:       sw.InstallationNumber,
		Version:        sw.Version,
		Installation:   sw.InstallationNumber,
		MultipleOTFlag: "N",
	}
}

func buildBreakdown(reg *records.Registration) breakdown {
	regime := ""
	if len(reg.RegimeCodes) > 0 {
		regime = reg.RegimeCodes[0]
	}
	var b breakdown
	for _, l := range reg.Breakdown.VAT {
		d := breakdownDetail{
			Regime: regime,
			Rate:   l.Rate.String(),
			Base:   l.Base.String(),
			VAT:    l.VAT.String(),
		}
		if l.SurchargeRate != nil && l.SurchargeAmount != nil {
			d.SurchargeRate = l.SurchargeRate.String()
			d.Surcharge = l.SurchargeAmount.String()
		}
		b.Details = append(b.Details, d)
	}
	for _, l := range reg.Breakdown.Exempt {
		b.Details = append(b.Details, breakdownDetail{
			Regime:         regime,
			ExemptionCause: l.Cause,
			Base:           l.Base.String(),
		})
	}
	for _, l := range reg.Breakdown.NonSubject {
		b.Details = append(b.Details, breakdownDetail{
			Regime:          regime,
			NonSubjectCause: l.Cause,
			Base:            l.Amount.String(),
		})
	}
	return b
}

func marshalEnvelope(b body) ([]byte, error) {
	env := envelope{
		NSSoapEnv: aeat.NamespaceSoapEnv,
		NSSum:     aeat.NamespaceSum,
		Body:      b,
	}
	raw, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append([]byte(xmlHeader), raw...), nil
}
