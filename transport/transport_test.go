package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"eof", io.EOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"other", errors.New("bad request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, errors.Is(Classify(tt.err), interfaces.ErrTransientTransport))
		})
	}
	assert.NoError(t, Classify(nil))
}

func TestIsConnectionDrop(t *testing.T) {
	assert.True(t, IsConnectionDrop(io.ErrUnexpectedEOF))
	assert.True(t, IsConnectionDrop(fmt.Errorf("post: %w", syscall.ECONNRESET)))
	assert.False(t, IsConnectionDrop(errors.New("401")))
	assert.False(t, IsConnectionDrop(nil))
}

func TestHTTPClient_RedirectKeepsMethodAndBody(t *testing.T) {
	var finalMethod, finalBody, finalCookie string
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		finalMethod = r.Method
		finalBody = string(body)
		if c, err := r.Cookie("session"); err == nil {
			finalCookie = c.Value
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewHTTPClient(HTTPOptions{}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/login", strings.NewReader("f_user_id=admin"))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/home", resp.Request.URL.Path)
	assert.Equal(t, http.MethodPost, finalMethod)
	assert.Equal(t, "f_user_id=admin", finalBody)
	assert.Equal(t, "abc", finalCookie)
}

func TestHTTPClient_RedirectLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPOptions{}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.ErrorContains(t, err, "redirects")
}

func TestHTTPClient_SetCookie(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("language"); err == nil {
			got = c.Value
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPOptions{}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	u, _ := url.Parse(srv.URL)
	client.SetCookie(u, "language", "English")
	c, ok := client.Cookie(u, "language")
	require.True(t, ok)
	assert.Equal(t, "English", c.Value)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "English", got)
}

func TestHTTPClient_RefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client, err := NewHTTPClient(HTTPOptions{}, testLogger())
	require.NoError(t, err)
	defer client.Close()

	req, _ := http.NewRequest(http.MethodGet, addr, nil)
	_, err = client.Do(req)
	assert.ErrorIs(t, err, interfaces.ErrTransientTransport)
}

func TestPeerCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	addr, err := TLSAddress(srv.URL)
	require.NoError(t, err)

	leaf, err := PeerCertificate(context.Background(), addr, false)
	require.NoError(t, err)
	assert.Equal(t, srv.Certificate().SerialNumber, leaf.SerialNumber)
}

func TestTLSAddress(t *testing.T) {
	tests := map[string]string{
		"https://10.0.0.5":         "10.0.0.5:443",
		"https://bmc.example:8443": "bmc.example:8443",
		"http://bmc.example:8080":  "bmc.example:443",
		"ups01.example.com":        "ups01.example.com:443",
		"ups01.example.com:2222":   "ups01.example.com:443",
		"fe80::1":                  "[fe80::1]:443",
	}
	for in, want := range tests {
		got, err := TLSAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestClientConfig(t *testing.T) {
	_, err := ClientConfig(SSHOptions{Username: "apc", Password: "secret"})
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)

	cfg, err := ClientConfig(SSHOptions{Username: "apc", Password: "secret", InsecureIgnoreHostKey: true, LegacyAlgorithms: true})
	require.NoError(t, err)
	assert.Contains(t, cfg.KeyExchanges, "diffie-hellman-group1-sha1")
	assert.Contains(t, cfg.HostKeyAlgorithms, ssh.KeyAlgoRSA)
}

func TestPinnedHostKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	cfg, err := ClientConfig(SSHOptions{HostKey: ssh.FingerprintSHA256(pub)})
	require.NoError(t, err)
	assert.NoError(t, cfg.HostKeyCallback("ups01:22", nil, pub))

	cfg, err = ClientConfig(SSHOptions{HostKey: "SHA256:somethingelse"})
	require.NoError(t, err)
	assert.ErrorIs(t, cfg.HostKeyCallback("ups01:22", nil, pub), interfaces.ErrAuthentication)
}
