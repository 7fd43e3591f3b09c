package cryptoutils

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// TLSCert is a PEM-encoded certificate chain, leaf first.
type TLSCert []byte

// NewTLSCert validates PEM data holding at least one certificate. Non-certificate
// blocks (for example DH parameters appended by some ACME clients) are dropped
// from the returned value.
func NewTLSCert(data []byte) (TLSCert, error) {
	cleaned := CertificateBlocks(data)
	if len(cleaned) == 0 {
		return TLSCert{}, errors.New("invalid certificate: no CERTIFICATE PEM block found")
	}

	if _, err := parseChain(cleaned); err != nil {
		return TLSCert{}, err
	}

	return TLSCert(cleaned), nil
}

// Validate checks if the certificate chain is properly formed.
func (cert TLSCert) Validate() error {
	_, err := NewTLSCert(cert)
	return err
}

// Chain returns every parsed certificate in the order they appear.
func (cert TLSCert) Chain() ([]*x509.Certificate, error) {
	return parseChain(cert)
}

// GetX509Cert returns the parsed leaf certificate.
func (cert TLSCert) GetX509Cert() (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// LeafPEM returns only the first certificate block. Some management
// controllers reject a full chain in the certificate slot.
func (cert TLSCert) LeafPEM() []byte {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil
	}
	return pem.EncodeToMemory(block)
}

// IsExpired checks if the leaf certificate has expired.
func (cert TLSCert) IsExpired() (bool, error) {
	x509Cert, err := cert.GetX509Cert()
	if err != nil {
		return false, err
	}
	return x509Cert.NotAfter.Before(time.Now()), nil
}

// Fingerprint derives the comparison identifiers of the leaf certificate.
func (cert TLSCert) Fingerprint() (Fingerprint, error) {
	leaf, err := cert.GetX509Cert()
	if err != nil {
		return Fingerprint{}, err
	}
	return FingerprintOf(leaf), nil
}

// TLSKey is a PEM-encoded private key.
type TLSKey []byte

var privateKeyBlockTypes = map[string]bool{
	"PRIVATE KEY":     true,
	"RSA PRIVATE KEY": true,
	"EC PRIVATE KEY":  true,
}

// NewTLSKey validates that data is a single unencrypted private key in PEM form.
func NewTLSKey(data []byte) (TLSKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || !privateKeyBlockTypes[block.Type] {
		return TLSKey{}, errors.New("invalid private key: not in PEM format or not a private key")
	}

	if _, err := parsePrivateKey(block); err != nil {
		return TLSKey{}, fmt.Errorf("invalid private key structure: %w", err)
	}

	return TLSKey(data), nil
}

// Validate checks if the private key is properly formed.
func (key TLSKey) Validate() error {
	_, err := NewTLSKey(key)
	return err
}

// GetPrivateKey returns the parsed private key.
func (key TLSKey) GetPrivateKey() (any, error) {
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return parsePrivateKey(block)
}

func parsePrivateKey(block *pem.Block) (any, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	}
}

func parseChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate structure: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("invalid certificate: no CERTIFICATE PEM block found")
	}
	return chain, nil
}

// CertificateBlocks re-encodes only the CERTIFICATE blocks found in data,
// newline separated. Anything else (DH parameters, keys, comments) is dropped.
func CertificateBlocks(data []byte) []byte {
	var out bytes.Buffer
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		// Headers are meaningless on certificate blocks and some devices choke on them.
		out.Write(pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: block.Bytes}))
	}
	return out.Bytes()
}
