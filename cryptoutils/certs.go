package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// KeyMatchesCertificate validates that the leaf certificate in certPEM was
// issued for the public half of keyPEM. Deployment does not depend on it (the
// device is the authority on what it accepts); it backs the offline check.
func KeyMatchesCertificate(keyPEM, certPEM []byte) error {
	key, err := TLSKey(keyPEM).GetPrivateKey()
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	leaf, err := TLSCert(CertificateBlocks(certPEM)).GetX509Cert()
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return errors.New("unsupported key type")
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return errors.New("unsupported key type")
	}
	if !pub.Equal(leaf.PublicKey) {
		return errors.New("private key doesn't match certificate")
	}
	return nil
}

// SelfSignedOpts describes a throwaway certificate.
type SelfSignedOpts struct {
	CommonName string
	Hosts      []string
	NotBefore  time.Time
	NotAfter   time.Time
}

// GenerateSelfSigned creates a P-256 self-signed certificate and returns the
// certificate and PKCS#8 key in PEM form. It serves tests and device
// simulators; nothing here is written to disk.
func GenerateSelfSigned(opts SelfSignedOpts) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}

	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.Add(90 * 24 * time.Hour)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    notBefore.Truncate(time.Second),
		NotAfter:     notAfter.Truncate(time.Second),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// X509KeyPair is GenerateSelfSigned packaged for a tls.Config, used by device
// simulators that must serve a known certificate.
func X509KeyPair(opts SelfSignedOpts) (tls.Certificate, Fingerprint, error) {
	certPEM, keyPEM, err := GenerateSelfSigned(opts)
	if err != nil {
		return tls.Certificate{}, Fingerprint{}, err
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, Fingerprint{}, err
	}

	fp, err := TLSCert(certPEM).Fingerprint()
	if err != nil {
		return tls.Certificate{}, Fingerprint{}, err
	}
	return pair, fp, nil
}
