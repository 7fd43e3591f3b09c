package supermicro

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LukeEvansTech/certdeploy/cryptoutils"
	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type material struct {
	certPEM []byte
	keyPEM  []byte
	pair    tls.Certificate
	fp      interfaces.Fingerprint
}

func newMaterial(t *testing.T) material {
	t.Helper()
	certPEM, keyPEM, err := cryptoutils.GenerateSelfSigned(cryptoutils.SelfSignedOpts{
		CommonName: "bmc01.example.com",
		Hosts:      []string{"127.0.0.1"},
	})
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	fp, err := cryptoutils.TLSCert(certPEM).Fingerprint()
	require.NoError(t, err)
	return material{certPEM: certPEM, keyPEM: keyPEM, pair: pair, fp: fp}
}

// startTLS serves handler with the given certificate, as a BMC that already
// picked up the deployed certificate would.
func startTLS(t *testing.T, pair tls.Certificate, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{pair}}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func newRequest(t *testing.T, m material, address, model string, extraCert []byte) interfaces.DeploymentRequest {
	t.Helper()
	certPEM := append(append([]byte{}, m.certPEM...), extraCert...)
	req, err := interfaces.NewDeploymentRequest(certPEM, m.keyPEM, address,
		interfaces.Credentials{Username: "ADMIN", Secret: "s3cret"},
		interfaces.Options{Model: model, InsecureSkipVerify: true})
	require.NoError(t, err)
	return req
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("hijacking unsupported")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	conn.Close()
}

func validityString(t time.Time) string {
	return t.UTC().Format(validityLayout) + " GMT"
}

func TestResolveModel(t *testing.T) {
	tests := []struct {
		model   string
		want    Generation
		wantErr bool
	}{
		{"X9", X9, false},
		{"x10", X10, false},
		{"X11", X11, false},
		{"X12", X12, false},
		{"X13", X13, false},
		{"H13", X12, false},
		{"", "", true},
		{"X8", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := ResolveModel(tt.model)
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	m := newMaterial(t)

	a, err := New(newRequest(t, m, "https://10.0.0.5", "H13", nil), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &RedfishAdapter{}, a)
	assert.Equal(t, "supermicro-x12", a.Name())

	a, err = New(newRequest(t, m, "https://10.0.0.5", "X10", nil), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &LegacyAdapter{}, a)
}

func TestParseValidity(t *testing.T) {
	want := time.Date(2025, time.June, 3, 12, 0, 0, 0, time.UTC)
	for _, in := range []string{"Jun  3 12:00:00 2025 GMT", "Jun 03 12:00:00 2025", "Jun 3 12:00:00 2025 UTC"} {
		got, err := parseValidity(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}
	_, err := parseValidity("soon")
	assert.Error(t, err)
}

type redfishBMC struct {
	mu         sync.Mutex
	m          material
	rejectAuth int
	uploadText string
	validity   interfaces.Fingerprint
	uploads    []map[string]string
	loggedOut  bool
	resets     int
}

func (b *redfishBMC) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(redfishSessionsPath, func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if b.rejectAuth != 0 {
			w.WriteHeader(b.rejectAuth)
			return
		}
		if creds["UserName"] != "ADMIN" || creds["Password"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set(authTokenHeader, "token-1")
		w.Header().Set("Location", redfishSessionsPath+"/1")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc(redfishSessionsPath+"/1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		b.mu.Lock()
		b.loggedOut = true
		b.mu.Unlock()
	})
	mux.HandleFunc(redfishUploadPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.Header.Get(authTokenHeader))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		parts := map[string]string{}
		for field, headers := range r.MultipartForm.File {
			f, err := headers[0].Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			parts[field] = string(data)
		}
		b.mu.Lock()
		b.uploads = append(b.uploads, parts)
		b.validity = b.m.fp
		b.mu.Unlock()
		fmt.Fprint(w, b.uploadText)
	})
	mux.HandleFunc(redfishSSLCertPath, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"VaildFrom": validityString(b.validity.NotBefore),
			"GoodTHRU":  validityString(b.validity.NotAfter),
		})
	})
	mux.HandleFunc(redfishResetPath, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.resets++
		b.mu.Unlock()
		dropConnection(w)
	})
	return mux
}

func TestRedfishAdapter_Deploy(t *testing.T) {
	m := newMaterial(t)
	bmc := &redfishBMC{m: m, uploadText: redfishUploadOK}
	srv := startTLS(t, m.pair, bmc.handler(t))

	// A second certificate after the leaf must not reach the controller.
	intermediate, _, err := cryptoutils.GenerateSelfSigned(cryptoutils.SelfSignedOpts{CommonName: "intermediate"})
	require.NoError(t, err)
	req := newRequest(t, m, srv.URL, "X12", intermediate)

	a := NewRedfishAdapter(X12, testLogger())
	ctx := context.Background()

	sess, err := a.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.True(t, sess.Valid())

	handle, err := a.StageCertificate(ctx, sess, req)
	require.NoError(t, err)
	assert.Equal(t, m.fp.SHA256, handle.Fingerprint.SHA256)

	require.Len(t, bmc.uploads, 1)
	assert.Equal(t, 1, strings.Count(bmc.uploads[0]["cert_file"], "BEGIN CERTIFICATE"))
	assert.Contains(t, bmc.uploads[0]["key_file"], "PRIVATE KEY")

	require.NoError(t, a.Activate(ctx, sess, handle))
	require.NoError(t, a.ApplyAndMaybeRestart(ctx, sess, req.Options()))
	assert.Equal(t, 1, bmc.resets)
	assert.False(t, sess.Valid())

	served, err := a.DescribeActiveCertificate(ctx, sess)
	require.NoError(t, err)
	assert.NoError(t, handle.Fingerprint.Matches(served))

	require.NoError(t, sess.Close())
	assert.False(t, bmc.loggedOut, "no logout after restart")
}

func TestRedfishAdapter_RestageIsIdempotent(t *testing.T) {
	m := newMaterial(t)
	bmc := &redfishBMC{m: m, uploadText: redfishUploadOK}
	srv := startTLS(t, m.pair, bmc.handler(t))
	req := newRequest(t, m, srv.URL, "X13", nil)
	a := NewRedfishAdapter(X13, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		sess, err := a.Authenticate(ctx, req)
		require.NoError(t, err)
		handle, err := a.StageCertificate(ctx, sess, req)
		require.NoError(t, err)
		require.NoError(t, a.Activate(ctx, sess, handle))
		require.NoError(t, sess.Close())
	}
	assert.Len(t, bmc.uploads, 2)
	assert.True(t, bmc.loggedOut)
}

func TestRedfishAdapter_Failures(t *testing.T) {
	m := newMaterial(t)
	ctx := context.Background()

	t.Run("rejected login", func(t *testing.T) {
		bmc := &redfishBMC{m: m, rejectAuth: http.StatusUnauthorized}
		srv := startTLS(t, m.pair, bmc.handler(t))
		_, err := NewRedfishAdapter(X12, testLogger()).Authenticate(ctx, newRequest(t, m, srv.URL, "X12", nil))
		assert.ErrorIs(t, err, interfaces.ErrAuthentication)
		assert.NotErrorIs(t, err, interfaces.ErrTransientTransport)
	})

	t.Run("booting controller", func(t *testing.T) {
		bmc := &redfishBMC{m: m, rejectAuth: http.StatusServiceUnavailable}
		srv := startTLS(t, m.pair, bmc.handler(t))
		_, err := NewRedfishAdapter(X12, testLogger()).Authenticate(ctx, newRequest(t, m, srv.URL, "X12", nil))
		assert.ErrorIs(t, err, interfaces.ErrTransientTransport)
	})

	t.Run("upload rejected", func(t *testing.T) {
		bmc := &redfishBMC{m: m, uploadText: `{"error":"invalid key"}`}
		srv := startTLS(t, m.pair, bmc.handler(t))
		req := newRequest(t, m, srv.URL, "X12", nil)
		a := NewRedfishAdapter(X12, testLogger())
		sess, err := a.Authenticate(ctx, req)
		require.NoError(t, err)
		defer sess.Close()
		_, err = a.StageCertificate(ctx, sess, req)
		assert.ErrorIs(t, err, interfaces.ErrUpload)
	})

	t.Run("slot reports other certificate", func(t *testing.T) {
		bmc := &redfishBMC{m: m, uploadText: redfishUploadOK}
		srv := startTLS(t, m.pair, bmc.handler(t))
		req := newRequest(t, m, srv.URL, "X12", nil)
		a := NewRedfishAdapter(X12, testLogger())
		sess, err := a.Authenticate(ctx, req)
		require.NoError(t, err)
		defer sess.Close()

		handle, err := a.StageCertificate(ctx, sess, req)
		require.NoError(t, err)
		handle.Fingerprint.NotAfter = handle.Fingerprint.NotAfter.Add(time.Hour)
		assert.ErrorIs(t, a.Activate(ctx, sess, handle), interfaces.ErrActivation)
	})

	t.Run("skip restart", func(t *testing.T) {
		bmc := &redfishBMC{m: m}
		srv := startTLS(t, m.pair, bmc.handler(t))
		req := newRequest(t, m, srv.URL, "X12", nil)
		a := NewRedfishAdapter(X12, testLogger())
		sess, err := a.Authenticate(ctx, req)
		require.NoError(t, err)
		defer sess.Close()

		opts := req.Options()
		opts.SkipRestart = true
		require.NoError(t, a.ApplyAndMaybeRestart(ctx, sess, opts))
		assert.Zero(t, bmc.resets)
		assert.True(t, sess.Valid())
	})
}

type legacyBMC struct {
	mu       sync.Mutex
	m        material
	gen      Generation
	uploaded bool
	upload   map[string]string
	csrf     string
	statuses []map[string][]string
	reset    map[string][]string
}

func (b *legacyBMC) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(legacyLoginPath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		name, _ := base64.StdEncoding.DecodeString(r.PostForm.Get("name"))
		pwd, _ := base64.StdEncoding.DecodeString(r.PostForm.Get("pwd"))
		if string(name) != "ADMIN" || string(pwd) != "s3cret" || r.PostForm.Get("check") != "00" {
			fmt.Fprint(w, "<html>login failed</html>")
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "sid-1", Path: "/"})
		fmt.Fprint(w, `<script>location.href="`+legacyLoginOK+`"</script>`)
	})
	mux.HandleFunc("/cgi/url_redirect.cgi", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, legacyConfigPage, r.URL.Query().Get("url_name"))
		fmt.Fprintf(w, `<script>SmcCsrfInsert ("CSRF_TOKEN", "%s");</script>`, b.csrf)
	})
	mux.HandleFunc(legacyUploadPath, func(w http.ResponseWriter, r *http.Request) {
		lang, err := r.Cookie("language")
		require.NoError(t, err)
		assert.Equal(t, "English", lang.Value)
		assert.Equal(t, b.csrf, r.Header.Get("CSRF_TOKEN"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		parts := map[string]string{"CSRF_TOKEN": r.FormValue("CSRF_TOKEN")}
		for field, headers := range r.MultipartForm.File {
			parts[field] = headers[0].Filename
		}
		b.mu.Lock()
		b.upload = parts
		b.uploaded = true
		b.mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>CONFPAGE_RESET</html>")
	})
	mux.HandleFunc(legacyStatusPath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		b.mu.Lock()
		defer b.mu.Unlock()
		b.statuses = append(b.statuses, r.PostForm)
		if !b.uploaded {
			fmt.Fprint(w, `<?xml version="1.0"?><IPMI><SSL_INFO><STATUS CERT_EXIST="0"/></SSL_INFO></IPMI>`)
			return
		}
		fmt.Fprintf(w, `<?xml version="1.0"?><IPMI><SSL_INFO><STATUS CERT_EXIST="1" VALID_FROM="%s" VALID_UNTIL="%s"/></SSL_INFO></IPMI>`,
			b.m.fp.NotBefore.UTC().Format(validityLayout), b.m.fp.NotAfter.UTC().Format(validityLayout))
	})
	mux.HandleFunc(legacyResetPath, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		b.mu.Lock()
		b.reset = r.PostForm
		b.mu.Unlock()
		dropConnection(w)
	})
	return mux
}

func TestLegacyAdapter_Deploy(t *testing.T) {
	tests := []struct {
		gen       Generation
		certField string
		certFile  string
		keyField  string
	}{
		{X11, "cert_file", "fullchain.pem", "key_file"},
		{X10, "cert_file", "cert.pem", "key_file"},
		{X9, "sslcrt_file", "cert.pem", "privkey_file"},
	}

	for _, tt := range tests {
		t.Run(string(tt.gen), func(t *testing.T) {
			m := newMaterial(t)
			bmc := &legacyBMC{m: m, gen: tt.gen, csrf: "tok-42"}
			srv := startTLS(t, m.pair, bmc.handler(t))
			req := newRequest(t, m, srv.URL, string(tt.gen), nil)

			a := NewLegacyAdapter(tt.gen, testLogger())
			a.now = func() time.Time { return time.Date(2025, time.March, 4, 5, 6, 7, 0, time.UTC) }
			ctx := context.Background()

			sess, err := a.Authenticate(ctx, req)
			require.NoError(t, err)

			handle, err := a.StageCertificate(ctx, sess, req)
			require.NoError(t, err)
			assert.Equal(t, tt.certFile, bmc.upload[tt.certField])
			assert.Equal(t, "privkey.pem", bmc.upload[tt.keyField])
			assert.Equal(t, "tok-42", bmc.upload["CSRF_TOKEN"])

			require.NoError(t, a.Activate(ctx, sess, handle))
			require.NoError(t, a.ApplyAndMaybeRestart(ctx, sess, req.Options()))

			if tt.gen == X11 {
				assert.Equal(t, "main_bmcreset", bmc.reset["op"][0])
				assert.Equal(t, "SSL_STATUS.XML", bmc.statuses[0]["op"][0])
				assert.Equal(t, "(0,0)", bmc.statuses[0]["r"][0])
			} else {
				assert.Equal(t, "Tue 04 Mar 2025 05:06:07 GMT", bmc.reset["time_stamp"][0])
				assert.Equal(t, "(0,0)", bmc.statuses[0]["SSL_STATUS.XML"][0])
			}

			served, err := a.DescribeActiveCertificate(ctx, sess)
			require.NoError(t, err)
			assert.NoError(t, handle.Fingerprint.Matches(served))
			require.NoError(t, sess.Close())
		})
	}
}

func TestLegacyAdapter_RejectedLogin(t *testing.T) {
	m := newMaterial(t)
	bmc := &legacyBMC{m: m, gen: X11}
	srv := startTLS(t, m.pair, bmc.handler(t))

	req, err := interfaces.NewDeploymentRequest(m.certPEM, m.keyPEM, srv.URL,
		interfaces.Credentials{Username: "ADMIN", Secret: "wrong"},
		interfaces.Options{Model: "X11", InsecureSkipVerify: true})
	require.NoError(t, err)

	_, err = NewLegacyAdapter(X11, testLogger()).Authenticate(context.Background(), req)
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)
}

func TestLegacyAdapter_ActivateWithoutCertificate(t *testing.T) {
	m := newMaterial(t)
	bmc := &legacyBMC{m: m, gen: X10}
	srv := startTLS(t, m.pair, bmc.handler(t))
	req := newRequest(t, m, srv.URL, "X10", nil)

	a := NewLegacyAdapter(X10, testLogger())
	sess, err := a.Authenticate(context.Background(), req)
	require.NoError(t, err)
	defer sess.Close()

	err = a.Activate(context.Background(), sess, interfaces.StagedHandle{Fingerprint: m.fp})
	assert.ErrorIs(t, err, interfaces.ErrActivation)
}

func skipRestartRequest(t *testing.T, m material, address, model string) interfaces.DeploymentRequest {
	t.Helper()
	req, err := interfaces.NewDeploymentRequest(m.certPEM, m.keyPEM, address,
		interfaces.Credentials{Username: "ADMIN", Secret: "s3cret"},
		interfaces.Options{Model: model, InsecureSkipVerify: true, SkipRestart: true})
	require.NoError(t, err)
	return req
}

// Until the skipped restart happens the controller still serves the previous
// certificate; the activated one is read back from the status API.
func TestSkipRestartReadsStatusAPI(t *testing.T) {
	ctx := context.Background()

	t.Run("redfish", func(t *testing.T) {
		m, previous := newMaterial(t), newMaterial(t)
		bmc := &redfishBMC{m: m, uploadText: redfishUploadOK}
		srv := startTLS(t, previous.pair, bmc.handler(t))
		req := skipRestartRequest(t, m, srv.URL, "X12")
		a := NewRedfishAdapter(X12, testLogger())

		sess, err := a.Authenticate(ctx, req)
		require.NoError(t, err)
		defer sess.Close()
		handle, err := a.StageCertificate(ctx, sess, req)
		require.NoError(t, err)
		require.NoError(t, a.Activate(ctx, sess, handle))
		require.NoError(t, a.ApplyAndMaybeRestart(ctx, sess, req.Options()))
		assert.Zero(t, bmc.resets)

		onTheWire, err := describeServed(ctx, srv.URL, false)
		require.NoError(t, err)
		assert.ErrorContains(t, handle.Fingerprint.Matches(onTheWire), "sha256")

		served, err := a.DescribeActiveCertificate(ctx, sess)
		require.NoError(t, err)
		assert.Empty(t, served.SHA256)
		assert.NoError(t, handle.Fingerprint.Matches(served))
	})

	t.Run("legacy", func(t *testing.T) {
		m, previous := newMaterial(t), newMaterial(t)
		bmc := &legacyBMC{m: m, gen: X11, csrf: "tok-1"}
		srv := startTLS(t, previous.pair, bmc.handler(t))
		req := skipRestartRequest(t, m, srv.URL, "X11")
		a := NewLegacyAdapter(X11, testLogger())

		sess, err := a.Authenticate(ctx, req)
		require.NoError(t, err)
		defer sess.Close()
		handle, err := a.StageCertificate(ctx, sess, req)
		require.NoError(t, err)
		require.NoError(t, a.Activate(ctx, sess, handle))
		require.NoError(t, a.ApplyAndMaybeRestart(ctx, sess, req.Options()))
		assert.Nil(t, bmc.reset)

		served, err := a.DescribeActiveCertificate(ctx, sess)
		require.NoError(t, err)
		assert.NoError(t, handle.Fingerprint.Matches(served))
	})

	t.Run("without a skipped restart the handshake decides", func(t *testing.T) {
		m, previous := newMaterial(t), newMaterial(t)
		bmc := &redfishBMC{m: m, uploadText: redfishUploadOK}
		srv := startTLS(t, previous.pair, bmc.handler(t))
		req := newRequest(t, m, srv.URL, "X12", nil)
		a := NewRedfishAdapter(X12, testLogger())

		sess, err := a.Authenticate(ctx, req)
		require.NoError(t, err)
		defer sess.Close()
		served, err := a.DescribeActiveCertificate(ctx, sess)
		require.NoError(t, err)
		assert.ErrorContains(t, m.fp.Matches(served), "sha256")
	})
}
