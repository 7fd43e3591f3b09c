package supermicro

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
)

const (
	legacyLoginPath    = "/cgi/login.cgi"
	legacyLogoutPath   = "/cgi/logout.cgi"
	legacyStatusPath   = "/cgi/ipmi.cgi"
	legacyUploadPath   = "/cgi/upload_ssl.cgi"
	legacyResetPath    = "/cgi/BMCReset.cgi"
	legacyRedirectPath = "/cgi/url_redirect.cgi?url_name="

	legacyLoginOK      = "/cgi/url_redirect.cgi?url_name=mainmenu"
	legacyUploadOK     = "CONFPAGE_RESET"
	legacyConfigPage   = "config_ssl"
	legacyTimeStampFmt = "Mon 02 Jan 2006 15:04:05 GMT"
)

var csrfPattern = regexp.MustCompile(`SmcCsrfInsert\s*\("CSRF_TOKEN",\s*"([^"]*)"\);`)

// LegacyAdapter deploys to X9/X10/X11 BMCs through the CGI web interface.
type LegacyAdapter struct {
	gen Generation
	log *slog.Logger
	// now is replaceable in tests.
	now func() time.Time
}

// NewLegacyAdapter creates a CGI adapter for gen.
func NewLegacyAdapter(gen Generation, log *slog.Logger) *LegacyAdapter {
	return &LegacyAdapter{
		gen: gen,
		log: log.With("adapter", "supermicro", "generation", string(gen)),
		now: time.Now,
	}
}

// Name implements interfaces.Adapter.
func (a *LegacyAdapter) Name() string {
	return "supermicro-" + strings.ToLower(string(a.gen))
}

type legacyStatusDoc struct {
	Status []struct {
		CertExist  string `xml:"CERT_EXIST,attr"`
		ValidFrom  string `xml:"VALID_FROM,attr"`
		ValidUntil string `xml:"VALID_UNTIL,attr"`
	} `xml:"SSL_INFO>STATUS"`
}

// Authenticate implements interfaces.Adapter with the base64 form login.
func (a *LegacyAdapter) Authenticate(ctx context.Context, req interfaces.DeploymentRequest) (interfaces.Session, error) {
	opts := req.Options()
	client, err := transport.NewHTTPClient(transport.HTTPOptions{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		LegacyCiphers:      opts.LegacyCiphers,
	}, a.log)
	if err != nil {
		return nil, err
	}

	creds := req.Credentials()
	form := url.Values{
		"name":  {base64.StdEncoding.EncodeToString([]byte(creds.Username))},
		"pwd":   {base64.StdEncoding.EncodeToString([]byte(creds.Secret))},
		"check": {"00"},
	}
	resp, err := postForm(ctx, client, req.Address()+legacyLoginPath, form, nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	body, err := transport.ReadBody(resp, maxBody)
	if err != nil {
		client.Close()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		client.Close()
		return nil, authFailure(resp.StatusCode)
	}
	if !strings.Contains(string(body), legacyLoginOK) {
		client.Close()
		return nil, fmt.Errorf("%w: login page did not redirect to the main menu", interfaces.ErrAuthentication)
	}

	base, err := url.Parse(req.Address())
	if err != nil {
		client.Close()
		return nil, err
	}
	// The web UI refuses requests without these.
	client.SetCookie(base, "langSetFlag", "0")
	client.SetCookie(base, "language", "English")

	a.log.Info("Logged into BMC", slog.String("address", req.Address()), slog.String("username", creds.Username))
	return &session{
		client:         client,
		baseURL:        req.Address(),
		legacyCiphers:  opts.LegacyCiphers,
		log:            a.log,
		loggedIn:       true,
		restartSkipped: opts.SkipRestart,
		logout:         a.logout,
	}, nil
}

func (a *LegacyAdapter) logout(ctx context.Context, s *session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+legacyLogoutPath, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// csrfHeaders returns Origin, Referer and, when the page carries one, the
// CSRF token. The token is fetched once per session.
func (a *LegacyAdapter) csrfHeaders(ctx context.Context, s *session, xhr bool) (http.Header, error) {
	page := s.baseURL + legacyRedirectPath + legacyConfigPage
	if !s.csrfFound {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := transport.ReadBody(resp, maxBody)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("SSL configuration page returned %d", resp.StatusCode)
		}
		if m := csrfPattern.FindSubmatch(body); m != nil {
			s.csrfToken = string(m[1])
		}
		s.csrfFound = true
	}

	h := http.Header{}
	h.Set("Origin", s.baseURL)
	h.Set("Referer", page)
	if s.csrfToken != "" {
		h.Set("CSRF_TOKEN", s.csrfToken)
	}
	if xhr {
		h.Set("X-Requested-With", "XMLHttpRequest")
	}
	return h, nil
}

// opData encodes an ipmi.cgi style operation. X11 names the op directly; older
// boards send a timestamp and the op as a key.
func (a *LegacyAdapter) opData(op, arg string) url.Values {
	if a.gen == X11 {
		v := url.Values{"op": {op}}
		if arg != "" {
			v.Set("r", arg)
		}
		v.Set("_", "")
		return v
	}
	v := url.Values{"time_stamp": {a.now().UTC().Format(legacyTimeStampFmt)}}
	if arg != "" {
		v.Set(op, arg)
	}
	return v
}

// uploadParts returns the multipart file fields each generation expects.
func (a *LegacyAdapter) uploadParts(cert, key []byte) []filePart {
	switch a.gen {
	case X11:
		return []filePart{
			{field: "cert_file", filename: "fullchain.pem", data: cert},
			{field: "key_file", filename: "privkey.pem", data: key},
		}
	case X10:
		return []filePart{
			{field: "cert_file", filename: "cert.pem", data: cert},
			{field: "key_file", filename: "privkey.pem", data: key},
		}
	default:
		return []filePart{
			{field: "sslcrt_file", filename: "cert.pem", data: cert},
			{field: "privkey_file", filename: "privkey.pem", data: key},
		}
	}
}

// StageCertificate implements interfaces.Adapter. The full chain is uploaded.
func (a *LegacyAdapter) StageCertificate(ctx context.Context, sess interfaces.Session, req interfaces.DeploymentRequest) (interfaces.StagedHandle, error) {
	s, err := asSession(sess)
	if err != nil {
		return interfaces.StagedHandle{}, err
	}

	if current, err := a.currentValidity(ctx, s); err == nil {
		a.log.Info("Current certificate", slog.Time("validFrom", current.NotBefore), slog.Time("validUntil", current.NotAfter))
	}

	cert := req.CertificatePEM()
	fp, err := cert.Fingerprint()
	if err != nil {
		return interfaces.StagedHandle{}, fmt.Errorf("%w: %w", interfaces.ErrUpload, err)
	}

	headers, err := a.csrfHeaders(ctx, s, false)
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	var fields map[string]string
	if s.csrfToken != "" {
		fields = map[string]string{"CSRF_TOKEN": s.csrfToken}
	}
	body, contentType, err := multipartBody(fields, a.uploadParts(cert, req.PrivateKeyPEM()))
	if err != nil {
		return interfaces.StagedHandle{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+legacyUploadPath, bytes.NewReader(body))
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	copyHeaders(httpReq.Header, headers)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	respBody, err := transport.ReadBody(resp, maxBody)
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return interfaces.StagedHandle{}, fmt.Errorf("%w: upload returned %d", interfaces.ErrUpload, resp.StatusCode)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/html" {
		return interfaces.StagedHandle{}, fmt.Errorf("%w: unexpected response type %q", interfaces.ErrUpload, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(respBody), legacyUploadOK) {
		return interfaces.StagedHandle{}, fmt.Errorf("%w: controller rejected the certificate: %s", interfaces.ErrUpload, truncate(respBody))
	}

	a.log.Info("Certificate uploaded", slog.String("fingerprint", fp.String()))
	return interfaces.StagedHandle{Fingerprint: fp}, nil
}

// Activate implements interfaces.Adapter by confirming the slot reports the
// staged certificate.
func (a *LegacyAdapter) Activate(ctx context.Context, sess interfaces.Session, handle interfaces.StagedHandle) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	current, err := a.currentValidity(ctx, s)
	if err != nil {
		return err
	}
	return confirmValidity(handle.Fingerprint, current.NotBefore, current.NotAfter)
}

func (a *LegacyAdapter) currentValidity(ctx context.Context, s *session) (interfaces.Fingerprint, error) {
	headers, err := a.csrfHeaders(ctx, s, true)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	resp, err := postForm(ctx, s.client, s.baseURL+legacyStatusPath, a.opData("SSL_STATUS.XML", "(0,0)"), headers)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	body, err := transport.ReadBody(resp, maxBody)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: certificate status returned %d", interfaces.ErrActivation, resp.StatusCode)
	}

	var doc legacyStatusDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: could not parse certificate status: %w", interfaces.ErrActivation, err)
	}
	if len(doc.Status) == 0 || doc.Status[0].CertExist != "1" {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: controller reports no certificate", interfaces.ErrActivation)
	}
	from, err := parseValidity(doc.Status[0].ValidFrom)
	if err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: %w", interfaces.ErrActivation, err)
	}
	until, err := parseValidity(doc.Status[0].ValidUntil)
	if err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: %w", interfaces.ErrActivation, err)
	}
	return interfaces.Fingerprint{NotBefore: from, NotAfter: until}, nil
}

// ApplyAndMaybeRestart implements interfaces.Adapter through BMCReset.cgi.
func (a *LegacyAdapter) ApplyAndMaybeRestart(ctx context.Context, sess interfaces.Session, opts interfaces.Options) error {
	if opts.SkipRestart {
		a.log.Info("Skipping BMC restart, new certificate is served after the next restart")
		return nil
	}
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	headers, err := a.csrfHeaders(ctx, s, true)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrRestart, err)
	}

	a.log.Info("Restarting BMC")
	resp, err := postForm(ctx, s.client, s.baseURL+legacyResetPath, a.opData("main_bmcreset", ""), headers)
	s.restarted = true
	if err != nil {
		if restartDropped(err) {
			a.log.Info("BMC dropped the connection while restarting")
			return nil
		}
		return fmt.Errorf("%w: %w", interfaces.ErrRestart, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.restarted = false
		return fmt.Errorf("%w: reset returned %d", interfaces.ErrRestart, resp.StatusCode)
	}
	return nil
}

// DescribeActiveCertificate implements interfaces.Adapter with a TLS handshake,
// or from SSL_STATUS.XML while a skipped restart is pending.
func (a *LegacyAdapter) DescribeActiveCertificate(ctx context.Context, sess interfaces.Session) (interfaces.Fingerprint, error) {
	return describe(ctx, sess, a.currentValidity)
}

func postForm(ctx context.Context, client *transport.HTTPClient, target string, form url.Values, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, headers)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return client.Do(req)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
