// Package client talks to a hazlock server over its HTTP API.
//
// A Client executes lock requests like a local coordinator does and reports
// workstation presence, so it satisfies both server.RequestHandler and
// registry.Presence.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kalbasit/hazlock/pkg/coordinator"
	"github.com/kalbasit/hazlock/pkg/locktable"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

var (
	// ErrBadRequest is returned when the server rejects a request as malformed.
	ErrBadRequest = errors.New("bad request")

	// ErrUnexpectedStatus is returned for any other non-success status.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// Client is a hazlock API client.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing the server URL %q: %w", baseURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: server URL %q must be http or https", ErrBadRequest, baseURL)
	}

	c := &Client{
		baseURL: u,
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Handle sends req to the server. A 502 or 503 still returns the decoded
// response together with an error wrapping coordinator.ErrCommunication or
// locktable.ErrStorage.
func (c *Client) Handle(ctx context.Context, req coordinator.Request) (coordinator.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return coordinator.Response{}, fmt.Errorf("error encoding the lock request: %w", err)
	}

	status, data, err := c.do(ctx, http.MethodPost, "/api/v1/locks", body)
	if err != nil {
		return coordinator.Response{}, err
	}

	var resp coordinator.Response

	switch status {
	case http.StatusOK, http.StatusBadGateway, http.StatusServiceUnavailable:
		if err := json.Unmarshal(data, &resp); err != nil {
			return coordinator.Response{}, fmt.Errorf("error decoding the lock response: %w", err)
		}
	default:
		return coordinator.Response{}, statusError(status, data)
	}

	switch status {
	case http.StatusBadGateway:
		return resp, fmt.Errorf("%w: %s", coordinator.ErrCommunication, resp.Message)
	case http.StatusServiceUnavailable:
		return resp, fmt.Errorf("%w: %s", locktable.ErrStorage, resp.Message)
	}

	return resp, nil
}

// Lock is a LOCK request.
func (c *Client) Lock(ctx context.Context, identity string, practice bool, ids ...string) (coordinator.Response, error) {
	return c.Handle(ctx, coordinator.Request{
		Type:     coordinator.RequestLock,
		Identity: identity,
		Practice: practice,
		EventIDs: ids,
	})
}

// Unlock is an UNLOCK request that notifies the other workstations.
func (c *Client) Unlock(ctx context.Context, identity string, practice bool, ids ...string) (coordinator.Response, error) {
	return c.Handle(ctx, coordinator.Request{
		Type:     coordinator.RequestUnlock,
		Identity: identity,
		Practice: practice,
		EventIDs: ids,
	})
}

// OrphanCheck is an ORPHAN_CHECK request.
func (c *Client) OrphanCheck(ctx context.Context, practice bool) (coordinator.Response, error) {
	return c.Handle(ctx, coordinator.Request{Type: coordinator.RequestOrphanCheck, Practice: practice})
}

// Heartbeat implements registry.Presence.
func (c *Client) Heartbeat(ctx context.Context, identity string) error {
	return c.connection(ctx, http.MethodPut, identity)
}

// Deregister implements registry.Presence.
func (c *Client) Deregister(ctx context.Context, identity string) error {
	return c.connection(ctx, http.MethodDelete, identity)
}

// Connections implements registry.Registry.
func (c *Client) Connections(ctx context.Context) (map[string]struct{}, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/api/v1/connections", nil)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, statusError(status, data)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("error decoding the connections: %w", err)
	}

	connections := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		connections[id] = struct{}{}
	}

	return connections, nil
}

// KeepAlive heartbeats identity every interval until ctx is done, then
// deregisters it. Failed heartbeats are logged and retried on the next tick.
func (c *Client) KeepAlive(ctx context.Context, identity string, interval time.Duration) error {
	if err := c.Heartbeat(ctx, identity); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			//nolint:contextcheck
			return c.Deregister(context.WithoutCancel(ctx), identity)
		case <-ticker.C:
			if err := c.Heartbeat(ctx, identity); err != nil && ctx.Err() == nil {
				zerolog.Ctx(ctx).
					Warn().
					Err(err).
					Str("identity", identity).
					Msg("heartbeat failed")
			}
		}
	}
}

func (c *Client) connection(ctx context.Context, method, identity string) error {
	status, data, err := c.do(ctx, method, "/api/v1/connections/"+url.PathEscape(identity), nil)
	if err != nil {
		return err
	}

	if status != http.StatusNoContent {
		return statusError(status, data)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	u := c.baseURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return 0, nil, fmt.Errorf("error creating the request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", coordinator.ErrCommunication, err)
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("error reading the response body: %w", err)
	}

	return resp.StatusCode, data, nil
}

func statusError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}

	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	if status == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	}

	return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, status, msg)
}
