package apcnmc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/LukeEvansTech/certdeploy/cryptoutils"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
)

const (
	prompt     = "apc>"
	sslDir     = "/ssl/"
	successMsg = "E000: Success"
	httpsPort  = "443"
)

// Adapter implements interfaces.Adapter for APC network management cards.
type Adapter struct {
	dialer    transport.SSHDialer
	httpsPort string
	log       *slog.Logger
}

// New is the interfaces.AdapterFactory for APC network management cards.
func New(_ interfaces.DeploymentRequest, log *slog.Logger) (interfaces.Adapter, error) {
	return NewAdapter(transport.NewSSHDialer(log), log), nil
}

// NewAdapter creates an adapter using dialer for SSH connections.
func NewAdapter(dialer transport.SSHDialer, log *slog.Logger) *Adapter {
	return &Adapter{dialer: dialer, httpsPort: httpsPort, log: log.With("adapter", "apcnmc")}
}

// Name implements interfaces.Adapter.
func (a *Adapter) Name() string {
	return "apcnmc"
}

type session struct {
	client        transport.SSHClient
	host          string
	legacyCiphers bool
	restarted     bool
	// pendingRestart is set once this session skipped the reboot that would
	// make the card serve the imported certificate.
	pendingRestart bool
	closed         bool
}

// Valid implements interfaces.Session.
func (s *session) Valid() bool {
	return !s.closed && !s.restarted
}

// Close implements interfaces.Session.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.client.Close()
	if s.restarted {
		// The card has already dropped the connection.
		return nil
	}
	return err
}

func asSession(sess interfaces.Session) (*session, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return nil, errors.New("session was not created by this adapter")
	}
	if !s.Valid() {
		return nil, errors.New("session is no longer valid")
	}
	return s, nil
}

func paths(name string) (certPath, keyPath string) {
	return sslDir + name + ".crt", sslDir + name + ".key"
}

// Authenticate implements interfaces.Adapter by opening an SSH connection.
func (a *Adapter) Authenticate(ctx context.Context, req interfaces.DeploymentRequest) (interfaces.Session, error) {
	opts := req.Options()
	creds := req.Credentials()

	client, err := a.dialer.Dial(ctx, req.Address(), transport.SSHOptions{
		Username:              creds.Username,
		Password:              creds.Secret,
		HostKey:               opts.SSHHostKey,
		InsecureIgnoreHostKey: opts.InsecureSkipVerify,
		LegacyAlgorithms:      opts.LegacyCiphers,
		Prompt:                prompt,
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrConfiguration) || errors.Is(err, interfaces.ErrTransientTransport) || errors.Is(err, interfaces.ErrAuthentication) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAuthentication, err)
	}

	host := req.Address()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	a.log.Info("Connected to management card", slog.String("address", req.Address()), slog.String("username", creds.Username))
	return &session{client: client, host: host, legacyCiphers: opts.LegacyCiphers}, nil
}

// StageCertificate implements interfaces.Adapter by copying both files to the
// card. Existing files with the same name are overwritten.
func (a *Adapter) StageCertificate(ctx context.Context, sess interfaces.Session, req interfaces.DeploymentRequest) (interfaces.StagedHandle, error) {
	s, err := asSession(sess)
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	name := req.Options().CertificateName
	cert := req.CertificatePEM()
	fp, err := cert.Fingerprint()
	if err != nil {
		return interfaces.StagedHandle{}, fmt.Errorf("%w: %w", interfaces.ErrUpload, err)
	}

	certPath, keyPath := paths(name)
	for _, f := range []struct {
		path string
		data []byte
	}{
		{keyPath, req.PrivateKeyPEM()},
		{certPath, cert},
	} {
		if err := s.client.Upload(ctx, f.path, f.data); err != nil {
			return interfaces.StagedHandle{}, wrapUnlessTransient(interfaces.ErrUpload, fmt.Errorf("copying %s: %w", f.path, err))
		}
		a.log.Info("Copied file to card", slog.String("path", f.path))
	}
	return interfaces.StagedHandle{Name: name, Fingerprint: fp}, nil
}

// Activate implements interfaces.Adapter by importing key and certificate.
func (a *Adapter) Activate(ctx context.Context, sess interfaces.Session, handle interfaces.StagedHandle) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	certPath, keyPath := paths(handle.Name)
	for _, cmd := range []string{"ssl key -i " + keyPath, "ssl cert -i " + certPath} {
		out, err := s.client.Run(ctx, cmd)
		if err != nil {
			return wrapUnlessTransient(interfaces.ErrActivation, fmt.Errorf("%s: %w", cmd, err))
		}
		if !strings.Contains(out, successMsg) {
			return fmt.Errorf("%w: %s: %s", interfaces.ErrActivation, cmd, strings.TrimSpace(out))
		}
		a.log.Info("Card accepted command", slog.String("cmd", cmd))
	}
	return nil
}

// ApplyAndMaybeRestart implements interfaces.Adapter by rebooting the card.
func (a *Adapter) ApplyAndMaybeRestart(ctx context.Context, sess interfaces.Session, opts interfaces.Options) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	if opts.SkipRestart {
		s.pendingRestart = true
		a.log.Warn("Skipping card reboot, manual reboot required to serve the new certificate")
		return nil
	}

	a.log.Info("Rebooting management card")
	out, err := s.client.Run(ctx, "reboot -Y")
	if err != nil {
		if transport.IsConnectionDrop(err) || errors.Is(err, interfaces.ErrTransientTransport) {
			s.restarted = true
			a.log.Info("Card dropped the connection while rebooting")
			return nil
		}
		return fmt.Errorf("%w: %w", interfaces.ErrRestart, err)
	}
	if strings.Contains(out, "E0") && !strings.Contains(out, "E000") {
		return fmt.Errorf("%w: %s", interfaces.ErrRestart, strings.TrimSpace(out))
	}
	s.restarted = true
	return nil
}

// DescribeActiveCertificate implements interfaces.Adapter with a TLS handshake
// to the card's web server. It works after the session was dropped by a reboot.
// The card has no status command for the imported certificate, so a session
// that skipped the reboot returns ErrRestartPending.
func (a *Adapter) DescribeActiveCertificate(ctx context.Context, sess interfaces.Session) (interfaces.Fingerprint, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return interfaces.Fingerprint{}, errors.New("session was not created by this adapter")
	}
	if s.pendingRestart {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: card reboot was skipped", interfaces.ErrRestartPending)
	}
	leaf, err := transport.PeerCertificate(ctx, net.JoinHostPort(strings.Trim(s.host, "[]"), a.httpsPort), s.legacyCiphers)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	return cryptoutils.FingerprintOf(leaf), nil
}

func wrapUnlessTransient(category, err error) error {
	if errors.Is(err, interfaces.ErrTransientTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", category, err)
}
