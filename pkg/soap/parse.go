package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alcabala/verifactu/pkg/errs"
	"github.com/alcabala/verifactu/pkg/fingerprint"
)

// Registration states returned by the authority.
const (
	StateCorrect            = "Correcto"
	StateAcceptedWithErrors = "AceptadoConErrores"
	StateRejected           = "Rechazado"
)

// Result is the parsed outcome of a register, cancel or query response.
type Result struct {
	State            string
	CSV              string
	ErrorCode        string
	ErrorDescription string
	// RegisteredAt is populated for query responses when the authority
	// reports the registration instant.
	RegisteredAt *time.Time
}

// Accepted reports whether the authority recorded the submission, possibly
// with non-fatal errors.
func (r *Result) Accepted() bool {
	return r.State == StateCorrect || r.State == StateAcceptedWithErrors
}

// ParseRegister parses a register response envelope.
func ParseRegister(raw []byte) (*Result, error) {
	return parseResponse(raw, "RespuestaRegFactura")
}

// ParseCancel parses a cancel response envelope.
func ParseCancel(raw []byte) (*Result, error) {
	return parseResponse(raw, "RespuestaBajaFactura")
}

// ParseQuery parses a query response envelope.
func ParseQuery(raw []byte) (*Result, error) {
	return parseResponse(raw, "RespuestaConsultaFactura")
}

// parseResponse walks the response envelope by local element name, ignoring
// namespaces and unknown elements. A Fault anywhere under Body surfaces as a
// protocol-level SOAP error; a missing operation response element (neither
// the operation-specific name nor the generic "Respuesta") is an invalid
// response.
func parseResponse(raw []byte, operationElement string) (*Result, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var (
		res                    Result
		found                  bool
		inBody, inFault        bool
		sawFault               bool
		bodyDepth, faultDepth  int
		depth                  int
		faultCode, faultString string
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindSoap, errs.CodeInvalidResponse, "malformed response envelope", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			name := t.Name.Local
			switch {
			case name == "Body":
				inBody = true
				bodyDepth = depth
			case name == "Fault" && inBody:
				inFault = true
				sawFault = true
				faultDepth = depth
			case name == operationElement || name == "Respuesta":
				found = true
			}

			if inFault {
				switch name {
				case "faultcode":
					faultCode, err = readText(dec)
				case "faultstring":
					faultString, err = readText(dec)
				default:
					continue
				}
				if err != nil {
					return nil, errs.Wrap(errs.KindSoap, errs.CodeInvalidResponse, "malformed response envelope", err)
				}
				depth--
				continue
			}

			if !found {
				continue
			}
			var value string
			switch name {
			case "EstadoRegistro", "EstadoEnvio", "CSV", "CodigoErrorRegistro", "DescripcionErrorRegistro", "FechaHoraRegistro":
				value, err = readText(dec)
				if err != nil {
					return nil, errs.Wrap(errs.KindSoap, errs.CodeInvalidResponse, "malformed response envelope", err)
				}
				depth--
			default:
				continue
			}
			value = strings.TrimSpace(value)
			switch name {
			case "EstadoRegistro", "EstadoEnvio":
				if res.State == "" {
					res.State = value
				}
			case "CSV":
				res.CSV = value
			case "CodigoErrorRegistro":
				res.ErrorCode = value
			case "DescripcionErrorRegistro":
				res.ErrorDescription = value
			case "FechaHoraRegistro":
				if ts, perr := time.Parse(fingerprint.InstantLayout, value); perr == nil {
					res.RegisteredAt = &ts
				}
			}

		case xml.EndElement:
			if inFault && depth == faultDepth {
				inFault = false
			}
			if inBody && depth == bodyDepth {
				inBody = false
			}
			depth--
		}
	}

	// A Fault element wins even when it carries no faultcode or faultstring.
	if sawFault {
		return nil, errs.New(errs.KindSoap, errs.CodeSoapFault,
			fmt.Sprintf("SOAP fault %s: %s", faultCode, faultString))
	}
	if !found {
		return nil, errs.New(errs.KindSoap, errs.CodeInvalidResponse, "invalid response: no operation response element")
	}
	return &res, nil
}

// readText consumes the current element through its end tag and returns the
// concatenated character data at its own level, ignoring nested elements.
func readText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if depth == 0 {
				b.Write(t)
			}
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				return b.String(), nil
			}
			depth--
		}
	}
}
