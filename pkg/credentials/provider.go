// Package credentials supplies the client certificate the transport
// presents during the mutual-TLS handshake. Providers exist for PEM pairs,
// PKCS#12 bundles as issued by the certification authorities, and in-memory
// material.
package credentials

import (
	"crypto/tls"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// Provider hands out the client certificate for the TLS handshake.
type Provider interface {
	Certificate() (tls.Certificate, error)
}

// Static holds a certificate loaded once up front.
type Static struct {
	cert tls.Certificate
}

// Certificate implements Provider.
func (s *Static) Certificate() (tls.Certificate, error) { return s.cert, nil }

// NewStatic wraps an already-built certificate.
func NewStatic(cert tls.Certificate) *Static { return &Static{cert: cert} }

// NewFromPEM loads a certificate and key from PEM files.
func NewFromPEM(certFile, keyFile string) (*Static, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load PEM key pair: %w", err)
	}
	return &Static{cert: cert}, nil
}

// NewInMemory builds a certificate from PEM bytes held in memory.
func NewInMemory(certPEM, keyPEM []byte) (*Static, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse PEM key pair: %w", err)
	}
	return &Static{cert: cert}, nil
}

// NewFromPKCS12 loads a certificate from a .p12/.pfx bundle.
func NewFromPKCS12(path, password string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read PKCS#12 bundle: %w", err)
	}
	key, leaf, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode PKCS#12 bundle: %w", err)
	}
	return &Static{cert: tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}}, nil
}
