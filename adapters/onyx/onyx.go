package onyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
)

const (
	loginPath   = "/admin/launch?script=rh&template=login&action=login"
	commandPath = "/admin/launch?script=rh&template=json-request&action=json-login"

	statusOK       = "OK"
	webSection     = "Web User Interface"
	httpsCertField = "HTTPS certificate name"
	validityLayout = "2006/01/02 15:04:05"
	maxBody        = 4 << 20
)

// Adapter implements interfaces.Adapter for Onyx switches.
type Adapter struct {
	log *slog.Logger
}

// New is the interfaces.AdapterFactory for Onyx switches.
func New(_ interfaces.DeploymentRequest, log *slog.Logger) (interfaces.Adapter, error) {
	return NewAdapter(log), nil
}

// NewAdapter creates an Onyx adapter.
func NewAdapter(log *slog.Logger) *Adapter {
	return &Adapter{log: log.With("adapter", "onyx")}
}

// Name implements interfaces.Adapter.
func (a *Adapter) Name() string {
	return "onyx"
}

type session struct {
	client  *transport.HTTPClient
	baseURL string
	closed  bool
}

// Valid implements interfaces.Session.
func (s *session) Valid() bool {
	return !s.closed
}

// Close implements interfaces.Session. The switch expires web sessions on its
// own, so only the local connections are released.
func (s *session) Close() error {
	if !s.closed {
		s.closed = true
		s.client.Close()
	}
	return nil
}

// CommandResponse is the envelope of every JSON API reply.
type CommandResponse struct {
	Status        string          `json:"status"`
	StatusMessage string          `json:"status_message"`
	Data          json.RawMessage `json:"data"`
}

// OK reports whether the switch accepted the command.
func (r CommandResponse) OK() bool {
	return r.Status == statusOK
}

func asSession(sess interfaces.Session) (*session, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return nil, errors.New("session was not created by this adapter")
	}
	if !s.Valid() {
		return nil, errors.New("session is closed")
	}
	return s, nil
}

// Authenticate implements interfaces.Adapter with the web form login. The
// switch answers with redirects that must be followed with the POST intact.
func (a *Adapter) Authenticate(ctx context.Context, req interfaces.DeploymentRequest) (interfaces.Session, error) {
	opts := req.Options()
	client, err := transport.NewHTTPClient(transport.HTTPOptions{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		LegacyCiphers:      opts.LegacyCiphers,
	}, a.log)
	if err != nil {
		return nil, err
	}

	creds := req.Credentials()
	form := url.Values{"f_user_id": {creds.Username}, "f_password": {creds.Secret}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Address()+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		client.Close()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(httpReq)
	if err != nil {
		client.Close()
		return nil, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		client.Close()
		return nil, fmt.Errorf("%w: login returned %d", interfaces.ErrTransientTransport, resp.StatusCode)
	}

	_, hasCookie := client.Cookie(resp.Request.URL, "session")
	if !strings.Contains(resp.Request.URL.String(), "home") && !hasCookie {
		client.Close()
		return nil, fmt.Errorf("%w: switch did not open a session (status %d)", interfaces.ErrAuthentication, resp.StatusCode)
	}

	a.log.Info("Logged into switch", slog.String("address", req.Address()), slog.String("username", creds.Username))
	s := &session{client: client, baseURL: req.Address()}

	if current, err := a.describe(ctx, s); err == nil {
		a.log.Info("Current HTTPS certificate", slog.String("name", current.Name), slog.Time("expires", current.NotAfter))
	}
	return s, nil
}

// Execute runs one CLI command through the JSON API.
func (a *Adapter) Execute(ctx context.Context, sess interfaces.Session, cmd string) (CommandResponse, error) {
	s, err := asSession(sess)
	if err != nil {
		return CommandResponse{}, err
	}
	return a.execute(ctx, s, cmd)
}

func (a *Adapter) execute(ctx context.Context, s *session, cmd string) (CommandResponse, error) {
	payload, err := json.Marshal(map[string]string{"cmd": cmd})
	if err != nil {
		return CommandResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+commandPath, bytes.NewReader(payload))
	if err != nil {
		return CommandResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	a.log.Debug("Executing command", slog.String("cmd", redactCommand(cmd)))
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return CommandResponse{}, err
	}
	body, err := transport.ReadBody(resp, maxBody)
	if err != nil {
		return CommandResponse{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return CommandResponse{}, fmt.Errorf("%w: command endpoint returned %d", interfaces.ErrAuthentication, resp.StatusCode)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return CommandResponse{}, fmt.Errorf("empty response from switch (status %d)", resp.StatusCode)
	}

	var out CommandResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return CommandResponse{}, fmt.Errorf("could not parse switch response: %w", err)
	}
	if !out.OK() {
		a.log.Debug("Command failed", slog.String("cmd", redactCommand(cmd)), slog.String("message", out.StatusMessage))
	}
	return out, nil
}

// StageCertificate implements interfaces.Adapter. An object with the same name
// is removed first so that re-running replaces rather than duplicates it.
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

	if _, found, err := a.validity(ctx, s, name); err == nil && found {
		a.log.Info("Removing existing certificate", slog.String("name", name))
		resp, err := a.execute(ctx, s, "no crypto certificate name "+name)
		if err != nil {
			return interfaces.StagedHandle{}, err
		}
		if !resp.OK() {
			// Deleting the certificate in use is refused; the import below overwrites it.
			a.log.Warn("Could not remove existing certificate", slog.String("name", name), slog.String("message", resp.StatusMessage))
		}
	}

	commands := []struct {
		what string
		cmd  string
	}{
		{"public certificate", fmt.Sprintf(`crypto certificate name %s public-cert pem "%s"`, name, strings.TrimSpace(string(cert)))},
		{"private key", fmt.Sprintf(`crypto certificate name %s private-key pem "%s"`, name, strings.TrimSpace(string(req.PrivateKeyPEM())))},
	}
	for _, c := range commands {
		a.log.Info("Importing "+c.what, slog.String("name", name))
		resp, err := a.execute(ctx, s, c.cmd)
		if err != nil {
			return interfaces.StagedHandle{}, err
		}
		if !resp.OK() {
			return interfaces.StagedHandle{}, fmt.Errorf("%w: importing %s: %s", interfaces.ErrUpload, c.what, resp.StatusMessage)
		}
	}

	return interfaces.StagedHandle{Name: name, Fingerprint: fp.WithName(name)}, nil
}

// Activate implements interfaces.Adapter.
func (a *Adapter) Activate(ctx context.Context, sess interfaces.Session, handle interfaces.StagedHandle) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	a.log.Info("Setting HTTPS certificate", slog.String("name", handle.Name))
	resp, err := a.execute(ctx, s, "web https certificate name "+handle.Name)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s", interfaces.ErrActivation, resp.StatusMessage)
	}
	return nil
}

// ApplyAndMaybeRestart implements interfaces.Adapter. The switch applies the
// certificate immediately; only the configuration is persisted.
func (a *Adapter) ApplyAndMaybeRestart(ctx context.Context, sess interfaces.Session, opts interfaces.Options) error {
	if opts.SkipSave {
		a.log.Info("Not saving configuration")
		return nil
	}
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	a.log.Info("Saving configuration")
	resp, err := a.execute(ctx, s, "write memory")
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrRestart, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: write memory: %s", interfaces.ErrRestart, resp.StatusMessage)
	}
	return nil
}

// DescribeActiveCertificate implements interfaces.Adapter. The switch reports
// the name of the HTTPS certificate and that object's validity window.
func (a *Adapter) DescribeActiveCertificate(ctx context.Context, sess interfaces.Session) (interfaces.Fingerprint, error) {
	s, err := asSession(sess)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	return a.describe(ctx, s)
}

func (a *Adapter) describe(ctx context.Context, s *session) (interfaces.Fingerprint, error) {
	resp, err := a.execute(ctx, s, "show web")
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	if !resp.OK() {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: show web: %s", interfaces.ErrProbe, resp.StatusMessage)
	}

	name, err := httpsCertificateName(resp.Data)
	if err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("%w: %w", interfaces.ErrProbe, err)
	}

	fp, found, err := a.validity(ctx, s, name)
	if err != nil {
		return interfaces.Fingerprint{}, err
	}
	if !found {
		return interfaces.Fingerprint{Name: name}, nil
	}
	return fp.WithName(name), nil
}

// validity looks up the validity window of the named certificate object.
func (a *Adapter) validity(ctx context.Context, s *session, name string) (interfaces.Fingerprint, bool, error) {
	resp, err := a.execute(ctx, s, "show crypto certificate")
	if err != nil {
		return interfaces.Fingerprint{}, false, err
	}
	if !resp.OK() {
		return interfaces.Fingerprint{}, false, fmt.Errorf("%w: show crypto certificate: %s", interfaces.ErrProbe, resp.StatusMessage)
	}
	return certificateValidity(resp.Data, name)
}

func httpsCertificateName(data json.RawMessage) (string, error) {
	var sections []map[string]any
	if err := json.Unmarshal(data, &sections); err != nil {
		return "", fmt.Errorf("could not parse show web output: %w", err)
	}
	for _, section := range sections {
		if section["header"] != webSection {
			continue
		}
		if name, ok := section[httpsCertField].(string); ok && name != "" {
			return name, nil
		}
	}
	return "", errors.New("show web reports no HTTPS certificate")
}

// certificateValidity finds the object whose key names the certificate. An
// exact key wins over a key that merely contains the name.
func certificateValidity(data json.RawMessage, name string) (interfaces.Fingerprint, bool, error) {
	var objects []map[string]json.RawMessage
	if err := json.Unmarshal(data, &objects); err != nil {
		return interfaces.Fingerprint{}, false, fmt.Errorf("could not parse certificate list: %w", err)
	}

	var best json.RawMessage
	bestScore := 0
	for _, obj := range objects {
		for key, value := range obj {
			score := 0
			switch {
			case key == name:
				score = 3
			case strings.Contains(key, "'"+name+"'") || strings.Contains(key, `"`+name+`"`) || strings.HasSuffix(key, " "+name):
				score = 2
			case strings.Contains(key, name):
				score = 1
			}
			if score > bestScore {
				best, bestScore = value, score
			}
		}
	}
	if best == nil {
		return interfaces.Fingerprint{}, false, nil
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(best, &items); err != nil {
		return interfaces.Fingerprint{}, false, fmt.Errorf("could not parse certificate %s: %w", name, err)
	}
	for _, item := range items {
		raw, ok := item["Validity"]
		if !ok {
			continue
		}
		var validity []struct {
			Starts  string `json:"Starts"`
			Expires string `json:"Expires"`
		}
		if err := json.Unmarshal(raw, &validity); err != nil || len(validity) == 0 {
			return interfaces.Fingerprint{}, true, fmt.Errorf("could not parse validity of %s", name)
		}
		var fp interfaces.Fingerprint
		if t, err := time.ParseInLocation(validityLayout, validity[0].Starts, time.UTC); err == nil {
			fp.NotBefore = t
		}
		if t, err := time.ParseInLocation(validityLayout, validity[0].Expires, time.UTC); err == nil {
			fp.NotAfter = t
		}
		return fp, true, nil
	}
	return interfaces.Fingerprint{}, true, nil
}

// redactCommand keeps PEM payloads out of logs.
func redactCommand(cmd string) string {
	if i := strings.Index(cmd, " pem "); i >= 0 {
		return cmd[:i] + " pem <redacted>"
	}
	return cmd
}
