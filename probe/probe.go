package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/LukeEvansTech/certdeploy/cryptoutils"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
)

// Probe reports the certificate a device currently serves.
type Probe interface {
	Probe(ctx context.Context) (interfaces.Fingerprint, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (interfaces.Fingerprint, error)

// Probe implements Probe.
func (f ProbeFunc) Probe(ctx context.Context) (interfaces.Fingerprint, error) {
	return f(ctx)
}

// TLSProbe reads the served leaf certificate with a TLS handshake.
type TLSProbe struct {
	// Address is host:port of the TLS endpoint.
	Address       string
	LegacyCiphers bool
}

// NewTLSProbe builds a probe for a device address, which may be a URL or a
// bare host.
func NewTLSProbe(address string, legacyCiphers bool) (*TLSProbe, error) {
	addr, err := transport.TLSAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrConfiguration, err)
	}
	return &TLSProbe{Address: addr, LegacyCiphers: legacyCiphers}, nil
}

// Probe implements Probe.
func (p *TLSProbe) Probe(ctx context.Context) (interfaces.Fingerprint, error) {
	leaf, err := transport.PeerCertificate(ctx, p.Address, p.LegacyCiphers)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	return cryptoutils.FingerprintOf(leaf), nil
}

// AdapterProbe opens a fresh session, asks the device and closes the session.
// Use it after a restart has invalidated the deployment session.
type AdapterProbe struct {
	Adapter interfaces.Adapter
	Request interfaces.DeploymentRequest
}

// Probe implements Probe.
func (p *AdapterProbe) Probe(ctx context.Context) (interfaces.Fingerprint, error) {
	sess, err := p.Adapter.Authenticate(ctx, p.Request)
	if err != nil {
		if errors.Is(err, interfaces.ErrAuthentication) {
			// Right after a restart some controllers reject logins until
			// their services are up.
			return interfaces.Fingerprint{}, fmt.Errorf("%w: %w", interfaces.ErrSoftUnavailability, err)
		}
		return interfaces.Fingerprint{}, err
	}
	defer sess.Close()
	return p.Adapter.DescribeActiveCertificate(ctx, sess)
}

// SessionProbe asks the device through a live session.
type SessionProbe struct {
	Adapter interfaces.Adapter
	Session interfaces.Session
}

// Probe implements Probe.
func (p *SessionProbe) Probe(ctx context.Context) (interfaces.Fingerprint, error) {
	return p.Adapter.DescribeActiveCertificate(ctx, p.Session)
}
