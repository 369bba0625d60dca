package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML deployment profile: one issuer, one certificate, one
// chain. The CLI loads a profile instead of assembling flags by hand.
type Profile struct {
	Name        string          `yaml:"name"`
	Environment string          `yaml:"environment"`
	Issuer      IssuerConfig    `yaml:"issuer"`
	Certificate CertConfig      `yaml:"certificate"`
	Software    SoftwareConfig  `yaml:"software"`
	Submission  SubmitConfig    `yaml:"submission"`
	State       StateConfig     `yaml:"state"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// IssuerConfig identifies the invoice issuer.
type IssuerConfig struct {
	TaxID string `yaml:"tax_id"`
	Name  string `yaml:"name"`
}

// CertConfig points at the client certificate material. Either the PEM pair
// or the PKCS#12 bundle must be set.
type CertConfig struct {
	CertFile   string `yaml:"cert_file,omitempty"`
	KeyFile    string `yaml:"key_file,omitempty"`
	PKCS12File string `yaml:"p12_file,omitempty"`
	PKCS12Pass string `yaml:"p12_password,omitempty"`
}

// SoftwareConfig describes the billing software declared on each record.
type SoftwareConfig struct {
	Name               string `yaml:"name"`
	InstallationNumber string `yaml:"installation_number"`
	Version            string `yaml:"version"`
}

// Duration decodes YAML scalars like "20s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SubmitConfig tunes the submission pipeline.
type SubmitConfig struct {
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`
	MaxConcurrency int      `yaml:"max_concurrency,omitempty"`
	QueueTimeout   Duration `yaml:"queue_timeout,omitempty"`
	MaxRetries     int      `yaml:"max_retries,omitempty"`
}

// StateConfig selects the chain state backend.
type StateConfig struct {
	// DSN is a SQLite file path or a postgres:// URL; empty keeps the
	// chain in memory.
	DSN string `yaml:"dsn,omitempty"`
}

// TelemetryConfig enables OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	SampleRate   float64 `yaml:"sample_rate,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
}

// LoadProfile reads and validates a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &profile, nil
}

func (p *Profile) validate() error {
	if p.Environment != "production" && p.Environment != "sandbox" {
		return fmt.Errorf("environment must be production or sandbox, got %q", p.Environment)
	}
	if p.Issuer.TaxID == "" {
		return fmt.Errorf("issuer.tax_id is required")
	}
	hasPEM := p.Certificate.CertFile != "" && p.Certificate.KeyFile != ""
	hasP12 := p.Certificate.PKCS12File != ""
	if !hasPEM && !hasP12 {
		return fmt.Errorf("certificate requires a PEM pair or a PKCS#12 bundle")
	}
	if p.Software.Name == "" || p.Software.InstallationNumber == "" || p.Software.Version == "" {
		return fmt.Errorf("software name, installation_number and version are required")
	}
	return nil
}
