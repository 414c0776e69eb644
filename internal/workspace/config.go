// Package workspace is a client for the per-user workspace API: storage
// credential lookup and registration of processing results.
package workspace

import "time"

// Default client settings.
const (
	DefaultPrefix     = "ws"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second
)

// Config holds all configuration for the workspace API client.
type Config struct {
	// APIURL is the base URL of the workspace API, e.g. "https://workspace-api.example.com".
	APIURL string

	// Prefix is prepended to the username to form the workspace id.
	Prefix string

	// Timeout is the HTTP client timeout for each request.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts for failed lookups.
	MaxRetries int

	// RetryDelay is the initial delay between retries (exponential backoff applied).
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with default settings and no API URL.
func DefaultConfig() Config {
	return Config{
		Prefix:     DefaultPrefix,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// WithRetries returns a copy of the config with the specified retry settings.
func (c Config) WithRetries(maxRetries int, retryDelay time.Duration) Config {
	c.MaxRetries = maxRetries
	c.RetryDelay = retryDelay
	return c
}

// WorkspaceID returns "<prefix>-<username>".
func (c Config) WorkspaceID(username string) string {
	if c.Prefix == "" {
		return username
	}
	return c.Prefix + "-" + username
}
