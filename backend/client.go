// Package backend is the HTTP client for the session service consumed by
// the session controller.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jmcleod/sessionkeeper/session"
)

const (
	// DefaultBasePath is where the session endpoints are mounted.
	DefaultBasePath = "/auth"

	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
	userAgent        = "sessionkeeper/1.0"
)

// ErrMalformedResponse is returned when a 2xx response body cannot be used.
var ErrMalformedResponse = errors.New("malformed response from session service")

// StatusError is a non-2xx response. Message is the server's "message"
// field when it sent one.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session service returned %d", e.Code)
	}
	return fmt.Sprintf("session service returned %d: %s", e.Code, e.Message)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// Client calls the session service. It satisfies session.Backend.
type Client struct {
	baseURL  string
	basePath string
	http     *http.Client
	logger   *slog.Logger
}

var _ session.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default client, which has a 10 second
// timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBasePath mounts the endpoints somewhere other than /auth.
func WithBasePath(p string) Option {
	return func(c *Client) {
		c.basePath = "/" + strings.Trim(p, "/")
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New returns a Client for the service at baseURL, e.g.
// "https://app.example.com".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		basePath: DefaultBasePath,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "backend")
	return c
}

type establishResponse struct {
	Message string        `json:"message"`
	User    *session.User `json:"user"`
}

type validateResponse struct {
	Valid   *bool  `json:"valid"`
	Message string `json:"message"`
}

type userResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *session.User `json:"user"`
}

// Establish exchanges a credential for a backend session.
func (c *Client) Establish(ctx context.Context, token string) (*session.User, error) {
	var resp establishResponse
	if err := c.do(ctx, http.MethodPost, "/login", token, &resp); err != nil {
		return nil, fmt.Errorf("establishing session: %w", err)
	}
	if resp.User == nil {
		return nil, fmt.Errorf("establishing session: %w: missing user", ErrMalformedResponse)
	}
	return resp.User, nil
}

// Validate asks whether token is still accepted. A non-2xx response is
// returned as a *StatusError.
func (c *Client) Validate(ctx context.Context, token string) (bool, string, error) {
	var resp validateResponse
	if err := c.do(ctx, http.MethodPost, "/validate", token, &resp); err != nil {
		return false, "", fmt.Errorf("validating session: %w", err)
	}
	if resp.Valid == nil {
		return false, "", fmt.Errorf("validating session: %w: missing valid", ErrMalformedResponse)
	}
	return *resp.Valid, resp.Message, nil
}

// End terminates the backend session.
func (c *Client) End(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodPost, "/logout", token, nil); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}

// Heartbeat reports that the session is still in use.
func (c *Client) Heartbeat(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodPost, "/heartbeat", token, nil); err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	return nil
}

// CurrentUser returns the user bound to token's server session, or nil when
// the service does not consider it authenticated.
func (c *Client) CurrentUser(ctx context.Context, token string) (*session.User, error) {
	var resp userResponse
	if err := c.do(ctx, http.MethodGet, "/user", token, &resp); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}
	if !resp.Authenticated {
		return nil, nil
	}
	return resp.User, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, out any) error {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+c.basePath+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &msg)
		c.logger.Debug("session service rejected request", "path", path, "status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Message: msg.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
