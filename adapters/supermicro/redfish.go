package supermicro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
)

const (
	redfishSessionsPath = "/redfish/v1/SessionService/Sessions"
	redfishSSLCertPath  = "/redfish/v1/UpdateService/Oem/Supermicro/SSLCert"
	redfishUploadPath   = redfishSSLCertPath + "/Actions/SmcSSLCert.Upload"
	redfishResetPath    = "/redfish/v1/Managers/1/Actions/Manager.Reset"

	redfishUploadOK = "SSL certificate and private key were successfully uploaded"
	authTokenHeader = "X-Auth-Token"
)

// RedfishAdapter deploys to X12/X13 BMCs through the Redfish API.
type RedfishAdapter struct {
	gen Generation
	log *slog.Logger
}

// NewRedfishAdapter creates a Redfish adapter for gen.
func NewRedfishAdapter(gen Generation, log *slog.Logger) *RedfishAdapter {
	return &RedfishAdapter{gen: gen, log: log.With("adapter", "supermicro", "generation", string(gen))}
}

// Name implements interfaces.Adapter.
func (a *RedfishAdapter) Name() string {
	return "supermicro-" + strings.ToLower(string(a.gen))
}

type sslCertStatus struct {
	// Spelled this way by the firmware.
	ValidFrom string `json:"VaildFrom"`
	GoodThru  string `json:"GoodTHRU"`
}

// Authenticate implements interfaces.Adapter by creating a Redfish session.
func (a *RedfishAdapter) Authenticate(ctx context.Context, req interfaces.DeploymentRequest) (interfaces.Session, error) {
	opts := req.Options()
	client, err := transport.NewHTTPClient(transport.HTTPOptions{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		LegacyCiphers:      opts.LegacyCiphers,
	}, a.log)
	if err != nil {
		return nil, err
	}

	creds := req.Credentials()
	payload, err := json.Marshal(map[string]string{"UserName": creds.Username, "Password": creds.Secret})
	if err != nil {
		client.Close()
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Address()+redfishSessionsPath, bytes.NewReader(payload))
	if err != nil {
		client.Close()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		client.Close()
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		client.Close()
		return nil, authFailure(resp.StatusCode)
	}
	token := resp.Header.Get(authTokenHeader)
	if token == "" {
		client.Close()
		return nil, fmt.Errorf("%w: no %s in login response", interfaces.ErrAuthentication, authTokenHeader)
	}

	s := &session{
		client:         client,
		baseURL:        req.Address(),
		legacyCiphers:  opts.LegacyCiphers,
		log:            a.log,
		token:          token,
		restartSkipped: opts.SkipRestart,
		logout:         a.logout,
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		if u, err := resp.Request.URL.Parse(loc); err == nil {
			s.sessionURL = u.String()
		}
	}
	a.log.Info("Logged into BMC", slog.String("address", req.Address()), slog.String("username", creds.Username))
	return s, nil
}

func (a *RedfishAdapter) logout(ctx context.Context, s *session) error {
	if s.sessionURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.sessionURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set(authTokenHeader, s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// StageCertificate implements interfaces.Adapter. Only the leaf certificate is
// sent; the controller overwrites its single slot.
func (a *RedfishAdapter) StageCertificate(ctx context.Context, sess interfaces.Session, req interfaces.DeploymentRequest) (interfaces.StagedHandle, error) {
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

	body, contentType, err := multipartBody(nil, []filePart{
		{field: "cert_file", filename: "cert.pem", data: cert.LeafPEM()},
		{field: "key_file", filename: "privkey.pem", data: req.PrivateKeyPEM()},
	})
	if err != nil {
		return interfaces.StagedHandle{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+redfishUploadPath, bytes.NewReader(body))
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(authTokenHeader, s.token)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	respBody, err := transport.ReadBody(resp, maxBody)
	if err != nil {
		return interfaces.StagedHandle{}, err
	}
	if !strings.Contains(string(respBody), redfishUploadOK) {
		return interfaces.StagedHandle{}, fmt.Errorf("%w: controller answered %d: %s", interfaces.ErrUpload, resp.StatusCode, truncate(respBody))
	}

	a.log.Info("Certificate uploaded", slog.String("fingerprint", fp.String()))
	return interfaces.StagedHandle{Fingerprint: fp}, nil
}

// Activate implements interfaces.Adapter. The upload already binds the slot,
// so activation confirms the controller reports the staged validity window.
func (a *RedfishAdapter) Activate(ctx context.Context, sess interfaces.Session, handle interfaces.StagedHandle) error {
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

func (a *RedfishAdapter) currentValidity(ctx context.Context, s *session) (interfaces.Fingerprint, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+redfishSSLCertPath, nil)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(authTokenHeader, s.token)

	resp, err := s.client.Do(httpReq)
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

	var status sslCertStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: could not parse certificate status: %w", interfaces.ErrActivation, err)
	}
	from, err := parseValidity(status.ValidFrom)
	if err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: %w", interfaces.ErrActivation, err)
	}
	until, err := parseValidity(status.GoodThru)
	if err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: %w", interfaces.ErrActivation, err)
	}
	return interfaces.Fingerprint{NotBefore: from, NotAfter: until}, nil
}

// ApplyAndMaybeRestart implements interfaces.Adapter by resetting the BMC.
func (a *RedfishAdapter) ApplyAndMaybeRestart(ctx context.Context, sess interfaces.Session, opts interfaces.Options) error {
	if opts.SkipRestart {
		a.log.Info("Skipping BMC restart, new certificate is served after the next restart")
		return nil
	}
	s, err := asSession(sess)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+redfishResetPath, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set(authTokenHeader, s.token)

	a.log.Info("Restarting BMC")
	resp, err := s.client.Do(httpReq)
	s.restarted = true
	if err != nil {
		if restartDropped(err) {
			a.log.Info("BMC dropped the connection while restarting")
			return nil
		}
		return fmt.Errorf("%w: %w", interfaces.ErrRestart, err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.restarted = false
		return fmt.Errorf("%w: reset returned %d", interfaces.ErrRestart, resp.StatusCode)
	}
	return nil
}

// DescribeActiveCertificate implements interfaces.Adapter with a TLS handshake,
// which works after a restart. With the restart skipped it reads the SSLCert
// validity window instead.
func (a *RedfishAdapter) DescribeActiveCertificate(ctx context.Context, sess interfaces.Session) (interfaces.Fingerprint, error) {
	return describe(ctx, sess, a.currentValidity)
}

type filePart struct {
	field    string
	filename string
	data     []byte
}

// multipartBody encodes form fields followed by file parts.
func multipartBody(fields map[string]string, files []filePart) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func truncate(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
