package aeat

import "testing"

func TestEndpointsFor(t *testing.T) {
	prod, err := EndpointsFor(Production)
	if err != nil {
		t.Fatalf("production endpoints: %v", err)
	}
	if prod.Register != "https://www1.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/SuministroLR" {
		t.Errorf("unexpected production register endpoint: %s", prod.Register)
	}
	if prod.Register != prod.Cancel {
		t.Errorf("register and cancel must share the supply endpoint")
	}
	if prod.Query == prod.Register {
		t.Errorf("query endpoint must differ from the supply endpoint")
	}

	sandbox, err := EndpointsFor(Sandbox)
	if err != nil {
		t.Fatalf("sandbox endpoints: %v", err)
	}
	if sandbox.Register != "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/SuministroLR" {
		t.Errorf("unexpected sandbox register endpoint: %s", sandbox.Register)
	}
	if sandbox.QRBase != "https://prewww2.aeat.es/wlpl/TIKE-CONT/ValidarQR" {
		t.Errorf("unexpected sandbox QR base: %s", sandbox.QRBase)
	}
}

func TestEndpointsForUnknown(t *testing.T) {
	if _, err := EndpointsFor(Environment("staging")); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestEnvironmentValid(t *testing.T) {
	if !Production.Valid() || !Sandbox.Valid() {
		t.Error("known environments must be valid")
	}
	if Environment("").Valid() || Environment("prod").Valid() {
		t.Error("unknown environments must be invalid")
	}
}
