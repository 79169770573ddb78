package vultr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/qudata/provisioner/internal/domain"
)

// RequestObserver receives the outcome of every provider round trip.
type RequestObserver func(op string, status int, elapsed time.Duration)

// Client talks to the Vultr v2 instance API.
type Client struct {
	baseURL string
	apiKey  string

	http    *http.Client
	logger  *slog.Logger
	observe RequestObserver
}

// NewClient creates a Vultr API client. Retries are disabled: a provider
// failure surfaces to the caller as-is.
func NewClient(apiKey, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.HTTPClient.Timeout = timeout

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    retryClient.StandardClient(),
		logger:  logger,
	}
}

// SetObserver installs a hook called after each request.
func (c *Client) SetObserver(o RequestObserver) {
	c.observe = o
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// ListOS returns the operating system catalog verbatim.
func (c *Client) ListOS(ctx context.Context) (json.RawMessage, error) {
	_, body, err := c.doRequest(ctx, "list_os", http.MethodGet, "/os", nil, "Failed to list operating systems")
	if err != nil {
		return nil, err
	}
	return body, nil
}

// CreateInstance provisions a new instance.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*InstanceResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	_, body, err := c.doRequest(ctx, "create", http.MethodPost, "/instances", payload, "Failed to create server")
	if err != nil {
		return nil, err
	}
	return decodeInstance(body)
}

// StartInstance boots a halted instance.
func (c *Client) StartInstance(ctx context.Context, id string) error {
	_, _, err := c.doRequest(ctx, "start", http.MethodPost, instancePath(id)+"/start", nil, "Failed to start server")
	return err
}

// HaltInstance powers an instance off.
func (c *Client) HaltInstance(ctx context.Context, id string) error {
	_, _, err := c.doRequest(ctx, "halt", http.MethodPost, instancePath(id)+"/halt", nil, "Failed to stop server")
	return err
}

// GetInstance fetches the provider's current view of an instance.
func (c *Client) GetInstance(ctx context.Context, id string) (*InstanceResponse, error) {
	_, body, err := c.doRequest(ctx, "get", http.MethodGet, instancePath(id), nil, "Failed to refresh server")
	if err != nil {
		return nil, err
	}
	return decodeInstance(body)
}

// DeleteInstance destroys an instance. An instance the provider no longer
// knows about counts as deleted.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	_, _, err := c.doRequest(ctx, "delete", http.MethodDelete, instancePath(id), nil, "Failed to delete server")
	var pe domain.ErrProvider
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		c.logger.Info("instance already absent at provider", "droplet_id", id)
		return nil
	}
	return err
}

// --- internal ---

func instancePath(id string) string {
	return "/instances/" + url.PathEscape(id)
}

func decodeInstance(body []byte) (*InstanceResponse, error) {
	var env instanceEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal instance response: %w", err)
	}
	if env.Instance == nil {
		return nil, fmt.Errorf("instance response has no instance object")
	}
	return &InstanceResponse{Raw: body, Instance: *env.Instance}, nil
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body []byte, fallback string) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(op, 0, start)
		return 0, nil, fmt.Errorf("http %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.record(op, resp.StatusCode, start)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fallback
		var e errorEnvelope
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		c.logger.Error("provider API error",
			"op", op,
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return resp.StatusCode, respBody, domain.ErrProvider{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	return resp.StatusCode, respBody, nil
}

func (c *Client) record(op string, status int, start time.Time) {
	if c.observe != nil {
		c.observe(op, status, time.Since(start))
	}
}
