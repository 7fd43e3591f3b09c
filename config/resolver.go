package config

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/LukeEvansTech/certdeploy/cryptoutils"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/miekg/dns"
)

// Certificate names end up inside device CLI commands, so they are restricted
// to a conservative character set.
var certificateNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Resolver turns a configuration Source into a DeploymentRequest. All input is
// validated before any adapter is constructed; nothing here touches the network
// except an optional Vault lookup for an indirected password.
type Resolver struct {
	src     Source
	secrets SecretReader
	log     *slog.Logger
}

// NewResolver creates a resolver. secrets may be nil, in which case Vault
// references are rejected as a configuration error.
func NewResolver(src Source, secrets SecretReader, log *slog.Logger) *Resolver {
	return &Resolver{src: src, secrets: secrets, log: log}
}

// AdapterName returns the selected adapter, lower-cased.
func AdapterName(src Source) (string, error) {
	name, ok := lookup(src, KeyAdapter)
	if !ok {
		return "", missing(KeyAdapter)
	}
	return strings.ToLower(strings.TrimSpace(name)), nil
}

// Resolve builds the request. kind selects the address syntax the adapter expects.
func (r *Resolver) Resolve(ctx context.Context, kind interfaces.TransportKind) (interfaces.DeploymentRequest, error) {
	certPEM, err := r.pem(KeyCertificatePEM)
	if err != nil {
		return interfaces.DeploymentRequest{}, err
	}
	if _, err := cryptoutils.NewTLSCert(certPEM); err != nil {
		return interfaces.DeploymentRequest{}, invalid(KeyCertificatePEM, "is not a PEM certificate", err)
	}

	keyPEM, err := r.pem(KeyPrivateKeyPEM)
	if err != nil {
		return interfaces.DeploymentRequest{}, err
	}
	if _, err := cryptoutils.NewTLSKey(keyPEM); err != nil {
		return interfaces.DeploymentRequest{}, invalid(KeyPrivateKeyPEM, "is not a PEM private key", err)
	}

	rawAddress, ok := lookup(r.src, KeyDeviceURL)
	if !ok {
		return interfaces.DeploymentRequest{}, missing(KeyDeviceURL)
	}
	address, err := ValidateAddress(kind, rawAddress)
	if err != nil {
		return interfaces.DeploymentRequest{}, invalid(KeyDeviceURL, fmt.Sprintf("is not a valid %s address", kind), err)
	}

	username, ok := lookup(r.src, KeyUsername)
	if !ok {
		return interfaces.DeploymentRequest{}, missing(KeyUsername)
	}

	secret, err := r.secret(ctx)
	if err != nil {
		return interfaces.DeploymentRequest{}, err
	}

	opts, err := r.options(kind)
	if err != nil {
		return interfaces.DeploymentRequest{}, err
	}

	req, err := interfaces.NewDeploymentRequest(certPEM, keyPEM, address, interfaces.Credentials{
		Username: username,
		Secret:   secret,
	}, opts)
	if err != nil {
		return interfaces.DeploymentRequest{}, invalid(KeyCertificatePEM, "could not build request", err)
	}

	r.log.Debug("Resolved deployment request",
		slog.String("address", address),
		slog.String("username", username),
		slog.String("certName", req.Options().CertificateName),
		slog.String("model", req.Options().Model),
		slog.Bool("skipRestart", opts.SkipRestart))
	return req, nil
}

func (r *Resolver) pem(key string) ([]byte, error) {
	value, ok := lookup(r.src, key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, missing(key)
	}
	// Some secret managers flatten multi-line values into literal "\n".
	if !strings.Contains(value, "\n") && strings.Contains(value, `\n`) {
		value = strings.ReplaceAll(value, `\n`, "\n")
	}
	return []byte(value), nil
}

// secret prefers a direct value, then an environment indirection, then Vault.
func (r *Resolver) secret(ctx context.Context) (string, error) {
	if v, ok := lookup(r.src, KeyPassword); ok {
		return v, nil
	}

	if name, ok := lookup(r.src, KeyPasswordEnv); ok {
		v, ok := r.src.Lookup(name)
		if !ok || v == "" {
			return "", invalid(KeyPasswordEnv, fmt.Sprintf("names variable %s which is not set", name), nil)
		}
		return v, nil
	}

	if ref, ok := lookup(r.src, KeyPasswordVault); ok {
		if r.secrets == nil {
			return "", invalid(KeyPasswordVault, "is set but no Vault client is configured", nil)
		}
		v, err := r.secrets.ReadSecret(ctx, ref)
		if err != nil {
			return "", invalid(KeyPasswordVault, "could not be read", err)
		}
		return v, nil
	}

	return "", missing(KeyPassword)
}

func (r *Resolver) options(kind interfaces.TransportKind) (interfaces.Options, error) {
	opts := interfaces.Options{CertificateName: interfaces.DefaultCertificateName}

	if name, ok := lookup(r.src, KeyCertificateName); ok {
		if !certificateNamePattern.MatchString(name) {
			return opts, invalid(KeyCertificateName, "must be 1-64 characters of [A-Za-z0-9._-]", nil)
		}
		opts.CertificateName = name
	}
	if v, ok := lookup(r.src, KeyModel); ok {
		opts.Model = v
	}
	if v, ok := lookup(r.src, KeyNoReboot); ok {
		opts.SkipRestart = ParseBool(v)
	}
	if v, ok := lookup(r.src, KeyNoSave); ok {
		opts.SkipSave = ParseBool(v)
	}
	if v, ok := lookup(r.src, KeyLegacyCiphers); ok {
		opts.LegacyCiphers = ParseBool(v)
	}
	if v, ok := lookup(r.src, KeyTLSInsecure); ok {
		opts.InsecureSkipVerify = ParseBool(v)
	}
	if v, ok := lookup(r.src, KeySSHHostKey); ok {
		if !strings.HasPrefix(v, "SHA256:") {
			return opts, invalid(KeySSHHostKey, "must be an OpenSSH SHA256: fingerprint", nil)
		}
		opts.SSHHostKey = v
	}
	if kind == interfaces.SSHTransport && opts.SSHHostKey == "" && !opts.InsecureSkipVerify {
		return opts, invalid(KeySSHHostKey, "is required for SSH devices unless "+KeyTLSInsecure+" is set", nil)
	}
	return opts, nil
}

// ValidateAddress checks the device address syntax for the given transport and
// returns its normalized form. HTTP adapters need a URL with an http or https
// scheme; SSH adapters need a bare host with an optional port.
func ValidateAddress(kind interfaces.TransportKind, address string) (string, error) {
	address = strings.TrimSpace(address)
	switch kind {
	case interfaces.HTTPTransport:
		u, err := url.Parse(address)
		if err != nil {
			return "", err
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("missing host")
		}
		if err := validateHost(u.Hostname()); err != nil {
			return "", err
		}
		return strings.TrimRight(u.String(), "/"), nil

	case interfaces.SSHTransport:
		if strings.Contains(address, "://") || strings.ContainsAny(address, "/?#@") {
			return "", fmt.Errorf("expected a bare host, got %q", address)
		}
		host := address
		if net.ParseIP(address) == nil && strings.Contains(address, ":") {
			h, port, err := net.SplitHostPort(address)
			if err != nil {
				return "", err
			}
			p, err := strconv.Atoi(port)
			if err != nil || p < 1 || p > 65535 {
				return "", fmt.Errorf("invalid port %q", port)
			}
			host = h
		}
		if err := validateHost(host); err != nil {
			return "", err
		}
		return address, nil
	}
	return "", fmt.Errorf("unsupported transport %s", kind)
}

func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, ok := dns.IsDomainName(host); !ok {
		return fmt.Errorf("%q is not a valid hostname", host)
	}
	return nil
}
