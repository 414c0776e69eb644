package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/zoocwl/internal/logging"
)

// Adapter reads and writes named resources, routing s3:// locations to the
// object store and everything else to the local filesystem (or plain HTTP
// for read-only http(s) locations).
//
// The object-store client is built lazily from the credential set returned
// by the adapter's CredentialSource and reused for as long as that set stays
// the same. A different set (for example after the stage-out credentials are
// published) forces a rebuild before the next call.
type Adapter struct {
	source  CredentialSource
	factory ClientFactory
	http    *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	client      ObjectStore
	clientCreds CredentialSet
	builds      int
}

// NewAdapter creates an Adapter. A nil source means the process-wide
// Published credentials.
func NewAdapter(source CredentialSource, factory ClientFactory, logger *slog.Logger) *Adapter {
	if source == nil {
		source = Published
	}
	return &Adapter{
		source:  source,
		factory: factory,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logging.OrDiscard(logger).With("component", "storage"),
	}
}

// ReadText returns the content at uri as a string.
func (a *Adapter) ReadText(ctx context.Context, uri string) (string, error) {
	scheme, path := ParseURI(uri)

	switch scheme {
	case SchemeS3:
		bucket, key := SplitBucketKey(path)
		data, err := a.withStore(ctx, func(store ObjectStore) ([]byte, error) {
			return store.GetObject(ctx, bucket, key)
		})
		if err != nil {
			a.logger.Error("object read failed", "uri", uri, "error", err)
			return "", err
		}
		a.logger.Debug("object read", "uri", uri, "size", humanize.Bytes(uint64(len(data))))
		return string(data), nil
	case SchemeHTTP, SchemeHTTPS:
		return a.readHTTP(ctx, uri)
	case SchemeFile, "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("storage: read %s: %w", path, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("storage: unsupported scheme %q in %s", scheme, uri)
	}
}

// WriteText stores content at uri. An empty contentType defaults to
// ContentTypeGeoJSON for object-store writes.
func (a *Adapter) WriteText(ctx context.Context, uri, content, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeGeoJSON
	}
	scheme, path := ParseURI(uri)

	switch scheme {
	case SchemeS3:
		bucket, key := SplitBucketKey(path)
		_, err := a.withStore(ctx, func(store ObjectStore) ([]byte, error) {
			return nil, store.PutObject(ctx, bucket, key, []byte(content), contentType)
		})
		if err != nil {
			a.logger.Error("object write failed", "uri", uri, "error", err)
			return err
		}
		a.logger.Debug("object written", "uri", uri, "size", humanize.Bytes(uint64(len(content))), "content_type", contentType)
		return nil
	case SchemeFile, "":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("storage: write %s: %w", path, err)
		}
		return nil
	default:
		return fmt.Errorf("storage: cannot write to scheme %q in %s", scheme, uri)
	}
}

// ClientBuilds reports how many object-store clients this adapter has built.
func (a *Adapter) ClientBuilds() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.builds
}

// withStore runs fn against a client that matches the current credentials.
// The credential snapshot, the rebuild check, and the call share one
// critical section.
func (a *Adapter) withStore(ctx context.Context, fn func(ObjectStore) ([]byte, error)) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	creds, ok := a.source.Credentials()
	if !ok {
		return nil, ErrNoCredentials
	}

	if a.client == nil || !a.clientCreds.Equal(creds) {
		if a.factory == nil {
			return nil, fmt.Errorf("storage: no client factory configured")
		}
		store, err := a.factory(ctx, creds)
		if err != nil {
			return nil, fmt.Errorf("storage: build client: %w", err)
		}
		a.logger.Debug("object store client built", "endpoint", creds.Endpoint, "region", creds.Region)
		a.client = store
		a.clientCreds = creds
		a.builds++
	}

	return fn(a.client)
}

func (a *Adapter) readHTTP(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("storage: build request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: get %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, uri)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage: get %s: HTTP %d", uri, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("storage: read %s: %w", uri, err)
	}
	return string(data), nil
}
