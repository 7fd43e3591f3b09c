package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	// DefaultHTTPTimeout bounds a single request including redirects.
	DefaultHTTPTimeout = 30 * time.Second
	maxRedirects       = 10
)

// HTTPOptions configure a device HTTP client.
type HTTPOptions struct {
	// InsecureSkipVerify accepts any server certificate. Management
	// controllers usually serve a self-signed certificate until the first
	// deployment.
	InsecureSkipVerify bool
	// LegacyCiphers allows TLS 1.0 and CBC suites for old firmware.
	LegacyCiphers bool
	// Timeout bounds one request; zero means DefaultHTTPTimeout.
	Timeout time.Duration
}

// HTTPClient is a single-use client owning its cookie jar and connections.
// Create one per deployment attempt and Close it on every exit path.
type HTTPClient struct {
	client *http.Client
	jar    *cookiejar.Jar
	log    *slog.Logger
}

// NewHTTPClient builds a client with a fresh cookie jar.
func NewHTTPClient(opts HTTPOptions, log *slog.Logger) (*HTTPClient, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:     TLSConfig(opts.InsecureSkipVerify, opts.LegacyCiphers),
		TLSHandshakeTimeout: timeout,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
	}

	return &HTTPClient{
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   timeout,
			// Redirects are followed by Do so that the method and body survive.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jar: jar,
		log: log,
	}, nil
}

// TLSConfig returns the client TLS configuration used towards devices.
func TLSConfig(insecureSkipVerify, legacyCiphers bool) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // opt-in per device
		MinVersion:         tls.VersionTLS12,
	}
	if legacyCiphers {
		cfg.MinVersion = tls.VersionTLS10
		for _, suite := range tls.CipherSuites() {
			cfg.CipherSuites = append(cfg.CipherSuites, suite.ID)
		}
		for _, suite := range tls.InsecureCipherSuites() {
			cfg.CipherSuites = append(cfg.CipherSuites, suite.ID)
		}
	}
	return cfg
}

// Do sends req and follows redirects itself, repeating the original method
// and body on every hop. Requests with a body must be built with a replayable
// body (http.NewRequest does this for bytes and strings readers).
// Network errors are classified.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	for hop := 0; ; hop++ {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, Classify(err)
		}

		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, nil
		}
		if hop >= maxRedirects {
			resp.Body.Close()
			return nil, fmt.Errorf("stopped after %d redirects", maxRedirects)
		}

		next, err := req.URL.Parse(location)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()

		c.log.Debug("Following redirect", slog.Int("status", resp.StatusCode), slog.String("location", next.Redacted()))
		req, err = redirectRequest(req, next)
		if err != nil {
			return nil, err
		}
	}
}

func redirectRequest(prev *http.Request, next *url.URL) (*http.Request, error) {
	req := prev.Clone(prev.Context())
	req.URL = next
	req.Host = ""
	// The jar adds the cookies valid for the new location.
	req.Header.Del("Cookie")
	if prev.GetBody != nil {
		body, err := prev.GetBody()
		if err != nil {
			return nil, err
		}
		req.Body = body
	} else if prev.Body != nil && prev.Body != http.NoBody {
		return nil, errors.New("cannot replay request body on redirect")
	}
	return req, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// SetCookie stores a cookie for the host of u.
func (c *HTTPClient) SetCookie(u *url.URL, name, value string) {
	c.jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

// Cookie returns the named cookie the jar would send to u.
func (c *HTTPClient) Cookie(u *url.URL, name string) (*http.Cookie, bool) {
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck, true
		}
	}
	return nil, false
}

// Close releases pooled connections. The client must not be used afterwards.
func (c *HTTPClient) Close() {
	c.client.CloseIdleConnections()
}

// ReadBody reads at most limit bytes of the response body and closes it.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, Classify(err)
	}
	return body, nil
}

// PeerCertificate performs a fresh TLS handshake with address (host:port) and
// returns the leaf certificate the peer serves. The certificate is inspected,
// not trusted.
func PeerCertificate(ctx context.Context, address string, legacyCiphers bool) (*x509.Certificate, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: DefaultHTTPTimeout},
		Config:    TLSConfig(true, legacyCiphers),
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, Classify(err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("peer presented no certificate")
	}
	return state.PeerCertificates[0], nil
}

// TLSAddress returns the host:port serving HTTPS for a device address. An
// explicit port is kept only on https URLs; everything else maps to 443.
// Bare hosts (SSH addresses) are accepted as well.
func TLSAddress(address string) (string, error) {
	if !strings.Contains(address, "://") {
		host := address
		if h, _, err := net.SplitHostPort(address); err == nil {
			host = h
		}
		if host == "" {
			return "", fmt.Errorf("no host in %q", address)
		}
		return net.JoinHostPort(host, "443"), nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", address)
	}
	port := "443"
	if u.Scheme == "https" && u.Port() != "" {
		port = u.Port()
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
