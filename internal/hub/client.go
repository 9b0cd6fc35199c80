package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/majorcontext/envhub/internal/registry"
	"github.com/majorcontext/envhub/internal/session"
)

// APIError is a non-2xx response from the hub.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.Status, e.Message)
}

// Client talks to a running hub over TCP or a Unix socket.
type Client struct {
	base       string
	httpClient *http.Client
}

// NewClient creates a client for addr: "unix:///path/hub.sock", an
// absolute socket path, or a TCP host:port.
func NewClient(addr string) *Client {
	sock := strings.TrimPrefix(addr, "unix://")
	if sock != addr || strings.HasPrefix(addr, "/") {
		return &Client{
			base: "http://hub",
			httpClient: &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
						var d net.Dialer
						return d.DialContext(ctx, "unix", sock)
					},
				},
			},
		}
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: strings.TrimRight(base, "/"), httpClient: &http.Client{}}
}

// Health returns the hub's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Environments lists built and building environments.
func (c *Client) Environments(ctx context.Context) ([]registry.Environment, error) {
	var envs []registry.Environment
	if err := c.do(ctx, http.MethodGet, "/v1/environments", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// Build starts a background build.
func (c *Client) Build(ctx context.Context, req BuildRequest) (*BuildResponse, error) {
	var resp BuildResponse
	if err := c.do(ctx, http.MethodPost, "/v1/images", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveImage deletes an environment image.
func (c *Client) RemoveImage(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/images", RemoveImageRequest{Name: name}, nil)
}

// StartSession starts a session for a user.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (*session.Session, error) {
	var sess session.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// StopSession stops a user's session.
func (c *Client) StopSession(ctx context.Context, user string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(user), nil, nil)
}

// SetToken stores a user's access token for a repository.
func (c *Client) SetToken(ctx context.Context, req SetTokenRequest) error {
	return c.do(ctx, http.MethodPut, "/v1/tokens", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
