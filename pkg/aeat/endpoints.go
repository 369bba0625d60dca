// Package aeat holds the compile-time constants of the authority's service:
// per-environment endpoints, SOAP actions and XML namespaces.
package aeat

import "fmt"

// Environment selects the endpoint set and the QR verification base URL.
type Environment string

const (
	// Production is the live AEAT service.
	Production Environment = "production"
	// Sandbox is the AEAT pre-production service.
	Sandbox Environment = "sandbox"
)

// Valid reports whether e names a known environment.
func (e Environment) Valid() bool { return e == Production || e == Sandbox }

// SOAP actions. The transport emits them quoted.
const (
	ActionRegister = "SuministroLRFacturasEmitidas"
	ActionCancel   = "BajaLRFacturasEmitidas"
	ActionQuery    = "ConsultaLRFacturasEmitidas"
)

// XML namespaces of the envelope.
const (
	NamespaceSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceSum     = "https://www2.agenciatributaria.gob.es/static_files/common/internet/dep/aplicaciones/es/aeat/tike/cont/ws/SuministroLR.xsd"
)

const (
	productionHost = "https://www1.agenciatributaria.gob.es"
	sandboxHost    = "https://prewww1.aeat.es"

	supplyPath = "/wlpl/TIKE-CONT/ws/SistemaFacturacion/SuministroLR"
	queryPath  = "/wlpl/TIKE-CONT/ws/SistemaFacturacion/ConsultaLR"

	productionQRBase = "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR"
	sandboxQRBase    = "https://prewww2.aeat.es/wlpl/TIKE-CONT/ValidarQR"
)

// Endpoints groups the per-environment URLs.
type Endpoints struct {
	Register string
	Cancel   string
	Query    string
	QRBase   string
}

// EndpointsFor returns the endpoint set of an environment.
func EndpointsFor(e Environment) (Endpoints, error) {
	switch e {
	case Production:
		return Endpoints{
			Register: productionHost + supplyPath,
			Cancel:   productionHost + supplyPath,
			Query:    productionHost + queryPath,
			QRBase:   productionQRBase,
		}, nil
	case Sandbox:
		return Endpoints{
			Register: sandboxHost + supplyPath,
			Cancel:   sandboxHost + supplyPath,
			Query:    sandboxHost + queryPath,
			QRBase:   sandboxQRBase,
		}, nil
	}
	return Endpoints{}, fmt.Errorf("unknown environment %q", e)
}
