package supermicro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/LukeEvansTech/certdeploy/cryptoutils"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
)

const (
	maxBody       = 1 << 20
	logoutTimeout = 5 * time.Second
	// Layout of validity timestamps on both APIs once the zone suffix is cut.
	validityLayout = "Jan _2 15:04:05 2006"
)

var yearSuffix = regexp.MustCompile(`^.*?\d{4}`)

// session is shared by both protocols. A restart invalidates it; logout is
// then skipped because the controller has already dropped it.
type session struct {
	client        *transport.HTTPClient
	baseURL       string
	legacyCiphers bool
	log           *slog.Logger

	// Redfish
	token      string
	sessionURL string

	// legacy CGI
	loggedIn  bool
	csrfToken string
	csrfFound bool

	// restartSkipped makes describe read the slot status: the controller keeps
	// serving the previous certificate until its next restart.
	restartSkipped bool
	restarted      bool
	closed         bool
	logout         func(ctx context.Context, s *session) error
}

// Valid implements interfaces.Session.
func (s *session) Valid() bool {
	if s.closed || s.restarted {
		return false
	}
	return s.token != "" || s.loggedIn
}

// Close implements interfaces.Session. It logs out best-effort and releases
// the connection pool; calling it more than once is harmless.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.client.Close()

	if s.restarted || s.logout == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if err := s.logout(ctx, s); err != nil {
		s.log.Debug("Logout failed", "err", err)
	}
	return nil
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

// parseValidity reads timestamps such as "Jun  3 12:00:00 2025 GMT".
// Everything after the first four-digit year is dropped.
func parseValidity(value string) (time.Time, error) {
	trimmed := yearSuffix.FindString(strings.TrimSpace(value))
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
	}
	return time.ParseInLocation(validityLayout, trimmed, time.UTC)
}

// authFailure maps a rejected login to the error category. Gateway errors
// while the controller boots are transient; everything else is a rejection.
func authFailure(status int) error {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: login returned %d", interfaces.ErrTransientTransport, status)
	}
	return fmt.Errorf("%w: login returned %d", interfaces.ErrAuthentication, status)
}

func sameSecond(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

// confirmValidity checks that the slot reports the staged certificate's window.
func confirmValidity(staged interfaces.Fingerprint, from, until time.Time) error {
	if !sameSecond(staged.NotBefore, from) || !sameSecond(staged.NotAfter, until) {
		return fmt.Errorf("%w: controller reports validity %s - %s, staged %s - %s",
			interfaces.ErrActivation,
			from.Format(time.RFC3339), until.Format(time.RFC3339),
			staged.NotBefore.Format(time.RFC3339), staged.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// describe reads the served certificate with a TLS handshake, or through the
// status API while a skipped restart is pending.
func describe(ctx context.Context, sess interfaces.Session, status func(context.Context, *session) (interfaces.Fingerprint, error)) (interfaces.Fingerprint, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return interfaces.Fingerprint{}, errors.New("session was not created by this adapter")
	}
	if !s.restartSkipped || !s.Valid() {
		return describeServed(ctx, s.baseURL, s.legacyCiphers)
	}

	fp, err := status(ctx, s)
	if err != nil {
		if interfaces.IsTransient(err) {
			return interfaces.Fingerprint{}, err
		}
		return interfaces.Fingerprint{}, fmt.Errorf("%w: %v", interfaces.ErrProbe, err)
	}
	s.log.Warn("BMC restart skipped, certificate read from the status API; manual restart required to serve it",
		slog.Time("validFrom", fp.NotBefore), slog.Time("validUntil", fp.NotAfter))
	return fp, nil
}

// describeServed reads the certificate from a fresh TLS handshake.
func describeServed(ctx context.Context, baseURL string, legacyCiphers bool) (interfaces.Fingerprint, error) {
	addr, err := transport.TLSAddress(baseURL)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	leaf, err := transport.PeerCertificate(ctx, addr, legacyCiphers)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	return cryptoutils.FingerprintOf(leaf), nil
}

// restartDropped reports whether a restart request ended the way a restarting
// controller ends it: by dropping the connection.
func restartDropped(err error) bool {
	return transport.IsConnectionDrop(err) || errors.Is(err, interfaces.ErrTransientTransport)
}
