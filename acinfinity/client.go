package acinfinity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/LukeEvansTech/certdeploy/interfaces"
	"github.com/LukeEvansTech/certdeploy/transport"
)

const (
	// DefaultBaseURL is the vendor cloud API. It is plain HTTP.
	DefaultBaseURL = "http://www.acinfinityserver.com/api"

	loginPath   = "/user/appUserLogin"
	devicesPath = "/user/devInfoListAll"

	maxResponseSize = 4 << 20
	successCode     = 200
)

// ErrAPI is returned when the API answers with a non-success code.
var ErrAPI = errors.New("ac infinity api error")

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// Client talks to the AC Infinity cloud API. It is safe for concurrent use;
// the token is shared.
type Client struct {
	baseURL  string
	email    string
	password string
	http     *transport.HTTPClient
	log      *slog.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a client. No request is sent until Authenticate or Controllers.
func NewClient(cfg ClientConfig, log *slog.Logger) (*Client, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", interfaces.ErrConfiguration)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient, err := transport.NewHTTPClient(transport.HTTPOptions{Timeout: cfg.Timeout}, log)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    cfg.Email,
		password: cfg.Password,
		http:     httpClient,
		log:      log,
	}, nil
}

// Authenticate logs in and stores the token.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("appEmail", c.email)
	// The field name is misspelled in the API itself.
	form.Set("appPasswordl", c.password)

	status, env, err := c.post(ctx, loginPath, form, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: login returned HTTP %d", interfaces.ErrAuthentication, status)
	}
	if env.Code != successCode {
		return fmt.Errorf("%w: %w: %s", interfaces.ErrAuthentication, ErrAPI, env.Msg)
	}

	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.AppID == "" {
		return fmt.Errorf("%w: no appId in login response", interfaces.ErrAuthentication)
	}

	c.mu.Lock()
	c.token = data.AppID
	c.mu.Unlock()

	c.log.Info("Authenticated with AC Infinity API")
	return nil
}

// Controllers returns every controller of the account. An expired token is
// renewed once.
func (c *Client) Controllers(ctx context.Context) ([]Controller, error) {
	token := c.currentToken()
	if token == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		token = c.currentToken()
	}

	status, env, err := c.devices(ctx, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.log.Warn("Token expired, re-authenticating")
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		status, env, err = c.devices(ctx, c.currentToken())
		if err != nil {
			return nil, err
		}
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: device list returned HTTP %d", ErrAPI, status)
	}
	if env.Code != successCode {
		return nil, fmt.Errorf("%w: %s", ErrAPI, env.Msg)
	}

	var controllers []Controller
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &controllers); err != nil {
			return nil, fmt.Errorf("%w: failed to decode device list: %w", ErrAPI, err)
		}
	}
	c.log.Debug("Retrieved devices", slog.Int("count", len(controllers)))
	return controllers, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.Close()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) devices(ctx context.Context, token string) (int, envelope, error) {
	form := url.Values{}
	form.Set("userId", token)
	return c.post(ctx, devicesPath, form, token)
}

// post sends a form and decodes the envelope of a 200 response. Other
// statuses are returned with an empty envelope.
func (c *Client) post(ctx context.Context, path string, form url.Values, token string) (int, envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, envelope{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, envelope{}, fmt.Errorf("request to %s failed: %w", path, err)
	}
	body, err := transport.ReadBody(resp, maxResponseSize)
	if err != nil {
		return 0, envelope{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, envelope{}, nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return resp.StatusCode, envelope{}, fmt.Errorf("%w: invalid JSON from %s: %w", ErrAPI, path, err)
	}
	return resp.StatusCode, env, nil
}
