package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/me/zoocwl/internal/logging"
)

// StorageCredentials is the storage block of a workspace description.
type StorageCredentials struct {
	Endpoint   string `json:"endpoint"`
	Access     string `json:"access"`
	Secret     string `json:"secret"`
	Region     string `json:"region"`
	BucketName string `json:"bucketname"`
}

// Details is the subset of GET /workspaces/{id} the handler uses.
type Details struct {
	Name    string `json:"name,omitempty"`
	Storage struct {
		Credentials StorageCredentials `json:"credentials"`
	} `json:"storage"`
}

// RegisterRequest is the body of POST /workspaces/{id}/register.
type RegisterRequest struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Client calls the workspace API on behalf of one bearer token.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *slog.Logger
}

// NewClient creates a client whose requests carry "Authorization: Bearer <token>".
func NewClient(config Config, token string, logger *slog.Logger) *Client {
	transport := http.DefaultTransport
	if token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   http.DefaultTransport,
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		config: config,
		logger: logging.OrDiscard(logger).With("component", "workspace-client"),
	}
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// GetDetails fetches the workspace description, including its storage credentials.
func (c *Client) GetDetails(ctx context.Context, workspaceID string) (*Details, error) {
	var d Details
	if err := c.do(ctx, http.MethodGet, workspaceID, "", nil, &d); err != nil {
		return nil, &Error{Op: "get", Workspace: workspaceID, Err: err}
	}
	return &d, nil
}

// RegisterJSON posts a serialized STAC collection to the workspace catalog.
func (c *Client) RegisterJSON(ctx context.Context, workspaceID string, collection []byte) error {
	if err := c.do(ctx, http.MethodPost, workspaceID, "register-json", collection, nil); err != nil {
		return &Error{Op: "register-json", Workspace: workspaceID, Err: err}
	}
	return nil
}

// Register asks the workspace to harvest processing results from a URL.
func (c *Client) Register(ctx context.Context, workspaceID string, req RegisterRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return &Error{Op: "register", Workspace: workspaceID, Err: fmt.Errorf("marshaling request: %w", err)}
	}
	if err := c.do(ctx, http.MethodPost, workspaceID, "register", body, nil); err != nil {
		return &Error{Op: "register", Workspace: workspaceID, Err: err}
	}
	return nil
}

// do executes a request against /workspaces/{id}[/suffix]. Only GET requests
// are retried; registrations are not idempotent on every backend.
func (c *Client) do(ctx context.Context, method, workspaceID, suffix string, body []byte, out any) error {
	endpoint, err := c.url(workspaceID, suffix)
	if err != nil {
		return err
	}
	logger := c.logger.With("method", method, "url", endpoint)

	attempts := 1
	if method == http.MethodGet {
		attempts += c.config.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			logger.Debug("retrying after delay", "attempt", attempt, "delay", delay)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		respBody, err := c.doRequest(ctx, method, endpoint, body)
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return err
			}
			logger.Debug("request failed, will retry", "error", err, "attempt", attempt)
			continue
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("unmarshaling response: %w", err)
			}
		}
		logger.Debug("request successful")
		return nil
	}

	return fmt.Errorf("all retries exhausted: %w", lastErr)
}

// doRequest performs a single HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

func (c *Client) url(workspaceID, suffix string) (string, error) {
	if c.config.APIURL == "" {
		return "", fmt.Errorf("workspace API URL is not configured")
	}
	u := strings.TrimRight(c.config.APIURL, "/") + "/workspaces/" + url.PathEscape(workspaceID)
	if suffix != "" {
		u += "/" + suffix
	}
	return u, nil
}

// Registration binds a client to one workspace for result registration.
type Registration struct {
	client      *Client
	workspaceID string
}

// For returns a Registration against workspaceID.
func (c *Client) For(workspaceID string) *Registration {
	return &Registration{client: c, workspaceID: workspaceID}
}

// RegisterJSON posts the serialized collection to the bound workspace.
func (r *Registration) RegisterJSON(ctx context.Context, collection []byte) error {
	return r.client.RegisterJSON(ctx, r.workspaceID, collection)
}

// RegisterCollection asks the bound workspace to harvest the STAC collection at url.
func (r *Registration) RegisterCollection(ctx context.Context, url string) error {
	return r.client.Register(ctx, r.workspaceID, RegisterRequest{Type: "stac-collection", URL: url})
}
