package interfaces

import (
	"fmt"
	"strings"

	"github.com/LukeEvansTech/certdeploy/cryptoutils"
)

type TLSCert = cryptoutils.TLSCert
type TLSKey = cryptoutils.TLSKey
type Fingerprint = cryptoutils.Fingerprint

// DefaultCertificateName is the logical name used on devices that keep named
// certificate objects when the caller does not choose one.
const DefaultCertificateName = "custom-cert"

// TransportKind tells the resolver which address syntax an adapter expects.
type TransportKind int

const (
	// HTTPTransport adapters take a URL with a scheme (https://10.0.0.5).
	HTTPTransport TransportKind = iota
	// SSHTransport adapters take a bare host, optionally with a port.
	SSHTransport
)

// String returns the transport name.
func (k TransportKind) String() string {
	switch k {
	case HTTPTransport:
		return "http"
	case SSHTransport:
		return "ssh"
	default:
		return "unknown"
	}
}

// Credentials hold the login name and the already resolved secret.
type Credentials struct {
	Username string
	Secret   string
}

// String never prints the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("%s:***", c.Username)
}

// Options are the vendor-specific knobs of a deployment.
type Options struct {
	// CertificateName is the logical name on devices that store named objects.
	CertificateName string
	// SkipRestart leaves the management interface running; the device picks up
	// the certificate on its own schedule or at the next manual restart.
	SkipRestart bool
	// SkipSave does not persist the running configuration (switches).
	SkipSave bool
	// LegacyCiphers enables TLS 1.0 / CBC suites and SHA-1 SSH algorithms.
	LegacyCiphers bool
	// InsecureSkipVerify disables TLS and SSH host verification towards the device.
	InsecureSkipVerify bool
	// Model selects a hardware generation for adapters serving several.
	Model string
	// SSHHostKey pins the device host key by its SHA256:... fingerprint.
	SSHHostKey string
}

// DeploymentRequest is the immutable input of one deployment. The byte slices
// are copied in and out so that no caller can mutate a request in flight.
type DeploymentRequest struct {
	certificate TLSCert
	privateKey  TLSKey
	address     string
	credentials Credentials
	options     Options
}

// NewDeploymentRequest validates the certificate material and builds a request.
func NewDeploymentRequest(certPEM, keyPEM []byte, address string, creds Credentials, opts Options) (DeploymentRequest, error) {
	cert, err := cryptoutils.NewTLSCert(certPEM)
	if err != nil {
		return DeploymentRequest{}, err
	}
	key, err := cryptoutils.NewTLSKey(keyPEM)
	if err != nil {
		return DeploymentRequest{}, err
	}
	if opts.CertificateName == "" {
		opts.CertificateName = DefaultCertificateName
	}
	opts.Model = strings.ToUpper(strings.TrimSpace(opts.Model))

	return DeploymentRequest{
		certificate: TLSCert(clone(cert)),
		privateKey:  TLSKey(clone(key)),
		address:     strings.TrimRight(address, "/"),
		credentials: creds,
		options:     opts,
	}, nil
}

// CertificatePEM returns the cleaned certificate chain, leaf first.
func (r DeploymentRequest) CertificatePEM() TLSCert {
	return TLSCert(clone(r.certificate))
}

// PrivateKeyPEM returns the private key.
func (r DeploymentRequest) PrivateKeyPEM() TLSKey {
	return TLSKey(clone(r.privateKey))
}

// Address returns the device address without a trailing slash.
func (r DeploymentRequest) Address() string {
	return r.address
}

// Credentials returns the resolved credentials.
func (r DeploymentRequest) Credentials() Credentials {
	return r.credentials
}

// Options returns the deployment options.
func (r DeploymentRequest) Options() Options {
	return r.options
}

// Fingerprint is the fingerprint of the leaf certificate being deployed.
func (r DeploymentRequest) Fingerprint() (Fingerprint, error) {
	return r.certificate.Fingerprint()
}

// IsZero reports whether the request was never constructed.
func (r DeploymentRequest) IsZero() bool {
	return len(r.certificate) == 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
