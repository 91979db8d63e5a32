// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/buildaccel/lib/future"
	"github.com/bureau-foundation/buildaccel/lib/netutil"
	"github.com/bureau-foundation/buildaccel/lib/secret"
)

// DefaultTimeout bounds one fleet request.
const DefaultTimeout = 30 * time.Second

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// ServerURL is the fleet manager base URL.
	ServerURL string
	// Tokens supplies bearer tokens. Required.
	Tokens TokenSource
	// HTTPClient overrides the lazily created client.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is nil.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to the fleet manager. Safe for concurrent use.
type Client struct {
	baseURL string
	tokens  TokenSource
	logger  *slog.Logger
	timeout time.Duration

	mu         sync.Mutex
	httpClient *http.Client
	token      *secret.Buffer

	needsRefresh atomic.Bool
}

// StatusError is a non-2xx fleet response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fleet: HTTP %d: %s", e.StatusCode, e.Body)
}

// Unavailable reports whether the fleet manager is out of capacity
// or rate limiting.
func (e *StatusError) Unavailable() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusTooManyRequests
}

// Unauthorized reports whether the token was rejected.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// NewClient validates config. No connection is made and no token is
// fetched until the first request.
func NewClient(config ClientConfig) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("fleet: ServerURL is required")
	}
	if _, err := url.Parse(config.ServerURL); err != nil {
		return nil, fmt.Errorf("fleet: invalid ServerURL %q: %w", config.ServerURL, err)
	}
	if config.Tokens == nil {
		return nil, errors.New("fleet: Tokens is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(config.ServerURL, "/"),
		tokens:     config.Tokens,
		logger:     logger,
		timeout:    timeout,
		httpClient: config.HTTPClient,
	}, nil
}

// ServerURL returns the base URL without a trailing slash.
func (c *Client) ServerURL() string {
	return c.baseURL
}

// NeedsRefresh reports whether the next request will log in again.
func (c *Client) NeedsRefresh() bool {
	return c.needsRefresh.Load()
}

// Close releases the cached token and idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil {
		c.token.Close()
		c.token = nil
	}
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
}

// RequestClusterID asks which cluster should serve request. The future
// holds an empty ID on any failure.
func (c *Client) RequestClusterID(ctx context.Context, request Request) *future.Future[ClusterInfo] {
	return future.Go(func() ClusterInfo {
		var response struct {
			ClusterID string `json:"clusterId"`
		}
		if err := c.post(ctx, "/api/v2/compute/_cluster", request, &response); err != nil {
			c.logFailure("cluster request failed", err)
			return ClusterInfo{}
		}
		if response.ClusterID == "" {
			c.logger.Warn("cluster response has no clusterId")
		}
		return ClusterInfo{ID: response.ClusterID}
	})
}

// RequestMachine asks clusterID (or the default cluster when empty) for
// one machine. The future holds InvalidMachineInfo on any failure.
func (c *Client) RequestMachine(ctx context.Context, request Request, clusterID string) *future.Future[MachineInfo] {
	if clusterID == "" {
		clusterID = "default"
	}
	return future.Go(func() MachineInfo {
		var response machineResponse
		if err := c.post(ctx, "/api/v2/compute/"+url.PathEscape(clusterID), request, &response); err != nil {
			c.logFailure("machine request failed", err, "cluster", clusterID)
			return InvalidMachineInfo()
		}
		info, err := response.toMachineInfo(c.baseURL)
		if err != nil {
			c.logger.Warn("invalid machine response", "cluster", clusterID, "error", err)
			return InvalidMachineInfo()
		}
		c.logger.Debug("machine leased",
			"cluster", clusterID,
			"ip", info.IP,
			"mode", info.ConnectionMode,
			"cores", info.LogicalCores,
			"lease", info.LeaseLink,
		)
		return info
	})
}

func (c *Client) logFailure(message string, err error, args ...any) {
	args = append(args, "error", err)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Unavailable() {
		c.logger.Info(message+"; fleet has no capacity", args...)
		return
	}
	c.logger.Warn(message, args...)
}

// client returns the HTTP client and a bearer token, creating the
// client on first use and logging in again when flagged.
func (c *Client) client(ctx context.Context) (*http.Client, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.token == nil || c.needsRefresh.Swap(false) {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.needsRefresh.Store(true)
			return nil, "", fmt.Errorf("fleet: obtaining token: %w", err)
		}
		if c.token != nil {
			c.token.Close()
		}
		c.token = token
	}
	return c.httpClient, c.token.String(), nil
}

func (c *Client) post(ctx context.Context, path string, requestBody, responseBody any) error {
	httpClient, token, err := c.client(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("fleet: encoding request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("fleet: creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("fleet: POST %s: %w", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: response.StatusCode, Body: netutil.ErrorBody(response.Body)}
		if statusErr.Unauthorized() {
			c.needsRefresh.Store(true)
		}
		return statusErr
	}
	if err := netutil.DecodeResponse(response.Body, responseBody); err != nil {
		return fmt.Errorf("fleet: decoding %s response: %w", path, err)
	}
	return nil
}
