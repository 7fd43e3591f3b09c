package cryptoutils

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotComparable is returned by Fingerprint.Matches when the two sides share
// no identifier that could prove or disprove equality.
var ErrNotComparable = errors.New("fingerprints share no comparable field")

// Fingerprint identifies a certificate for the purpose of checking what a device
// serves. Devices expose different subsets: a TLS handshake yields everything,
// while a status page may only report the validity window or a logical name.
// Empty fields are unknown, not empty values.
type Fingerprint struct {
	SHA256    string    `json:"sha256,omitempty"`
	Serial    string    `json:"serial,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Name      string    `json:"name,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// FingerprintOf derives a complete fingerprint from a parsed certificate.
func FingerprintOf(cert *x509.Certificate) Fingerprint {
	sum := sha256.Sum256(cert.Raw)
	return Fingerprint{
		SHA256:    hex.EncodeToString(sum[:]),
		Serial:    cert.SerialNumber.Text(16),
		Subject:   cert.Subject.CommonName,
		NotBefore: cert.NotBefore.UTC(),
		NotAfter:  cert.NotAfter.UTC(),
	}
}

// WithName returns a copy carrying the device-side logical certificate name.
func (f Fingerprint) WithName(name string) Fingerprint {
	f.Name = name
	return f
}

// IsZero reports whether no field is known.
func (f Fingerprint) IsZero() bool {
	return f.SHA256 == "" && f.Serial == "" && f.Name == "" && f.NotBefore.IsZero() && f.NotAfter.IsZero()
}

// Matches compares f (the intended certificate) with served (what the device
// reports). The strongest identifier known on both sides decides: SHA-256,
// then serial number, then the validity window at one second resolution. A
// logical name, when both sides carry one, must agree in addition.
func (f Fingerprint) Matches(served Fingerprint) error {
	if f.Name != "" && served.Name != "" && f.Name != served.Name {
		return fmt.Errorf("certificate name is %q, expected %q", served.Name, f.Name)
	}

	switch {
	case f.SHA256 != "" && served.SHA256 != "":
		if !strings.EqualFold(f.SHA256, served.SHA256) {
			return fmt.Errorf("sha256 is %s, expected %s", served.SHA256, f.SHA256)
		}
		return nil
	case f.Serial != "" && served.Serial != "":
		if !strings.EqualFold(normalizeSerial(f.Serial), normalizeSerial(served.Serial)) {
			return fmt.Errorf("serial is %s, expected %s", served.Serial, f.Serial)
		}
		return nil
	case !f.NotAfter.IsZero() && !served.NotAfter.IsZero():
		if !sameSecond(f.NotAfter, served.NotAfter) {
			return fmt.Errorf("not-after is %s, expected %s", served.NotAfter.UTC().Format(time.RFC3339), f.NotAfter.UTC().Format(time.RFC3339))
		}
		if !f.NotBefore.IsZero() && !served.NotBefore.IsZero() && !sameSecond(f.NotBefore, served.NotBefore) {
			return fmt.Errorf("not-before is %s, expected %s", served.NotBefore.UTC().Format(time.RFC3339), f.NotBefore.UTC().Format(time.RFC3339))
		}
		return nil
	}
	return ErrNotComparable
}

// String renders the strongest known identifier, for logs.
func (f Fingerprint) String() string {
	switch {
	case f.SHA256 != "":
		return "sha256:" + f.SHA256
	case f.Serial != "":
		return "serial:" + f.Serial
	case !f.NotAfter.IsZero():
		return "not-after:" + f.NotAfter.UTC().Format(time.RFC3339)
	case f.Name != "":
		return "name:" + f.Name
	}
	return "unknown"
}

func sameSecond(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

func normalizeSerial(s string) string {
	s = strings.ReplaceAll(s, ":", "")
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strings.TrimLeft(s, "0")
}
