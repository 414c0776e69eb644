// Package credentials resolves the object-storage credential set for a
// storage location (stage-in) or for the authenticated caller (stage-out).
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/me/zoocwl/internal/config"
	"github.com/me/zoocwl/internal/logging"
	"github.com/me/zoocwl/internal/storage"
	"github.com/me/zoocwl/internal/workspace"
)

var (
	// ErrNoMatchingService is returned when no URL pattern matches a location.
	ErrNoMatchingService = errors.New("no storage service matches location")

	// ErrResolution is returned when identity-based resolution fails.
	ErrResolution = errors.New("credential resolution failed")

	// ErrNoWorkspace is returned when the caller has no workspace.
	ErrNoWorkspace = errors.New("workspace does not exist")
)

// Service binds a URL pattern to the credential set used for matching locations.
type Service struct {
	Name        string
	Pattern     *regexp.Regexp
	Credentials storage.CredentialSet
}

// DetailsFetcher looks up a workspace description.
type DetailsFetcher interface {
	GetDetails(ctx context.Context, workspaceID string) (*workspace.Details, error)
}

// Resolver produces credential sets. Services are tried in order and the
// first match wins.
type Resolver struct {
	services []Service

	// Workspace mode: when fetcher is set, identity resolution always goes
	// through the workspace API and never falls back to stageOut.
	fetcher     DetailsFetcher
	workspaceID func(username string) string

	stageOut storage.CredentialSet
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWorkspace enables identity resolution through the workspace API.
func WithWorkspace(f DetailsFetcher, workspaceID func(username string) string) Option {
	return func(r *Resolver) {
		r.fetcher = f
		r.workspaceID = workspaceID
	}
}

// WithStageOutDefaults sets the static stage-out set used when workspace
// mode is disabled.
func WithStageOutDefaults(c storage.CredentialSet) Option {
	return func(r *Resolver) {
		r.stageOut = c
	}
}

// NewResolver creates a Resolver over the ordered service table.
func NewResolver(services []Service, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		services: services,
		logger:   logging.OrDiscard(logger).With("component", "credentials"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CompileServices builds the ordered service table from configuration.
func CompileServices(defs []config.S3Service) ([]Service, error) {
	services := make([]Service, 0, len(defs))
	for _, d := range defs {
		re, err := regexp.Compile(d.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("service %q: compile url pattern %q: %w", d.Name, d.URLPattern, err)
		}
		services = append(services, Service{Name: d.Name, Pattern: re, Credentials: d.Credentials()})
	}
	return services, nil
}

// WorkspaceEnabled reports whether identity resolution uses the workspace API.
func (r *Resolver) WorkspaceEnabled() bool {
	return r.fetcher != nil
}

// ResolveURL returns the credentials of the first service whose pattern
// matches url.
func (r *Resolver) ResolveURL(url string) (storage.CredentialSet, error) {
	for _, svc := range r.services {
		if svc.Pattern.MatchString(url) {
			r.logger.Debug("service matched", "url", url, "service", svc.Name, "endpoint", svc.Credentials.Endpoint)
			return svc.Credentials, nil
		}
	}
	return storage.CredentialSet{}, fmt.Errorf("%w: %s", ErrNoMatchingService, url)
}

// ResolveIdentity returns the stage-out credentials for the caller holding
// token. In workspace mode the token's username selects the workspace whose
// storage credentials are returned; any failure is an error.
func (r *Resolver) ResolveIdentity(ctx context.Context, token string) (storage.CredentialSet, error) {
	if r.fetcher == nil {
		if r.stageOut.IsZero() {
			return storage.CredentialSet{}, fmt.Errorf("%w: no stage-out credentials configured", ErrResolution)
		}
		return r.stageOut, nil
	}

	username, err := UsernameFromToken(ctx, token)
	if err != nil {
		return storage.CredentialSet{}, err
	}
	wsID := r.workspaceID(username)

	details, err := r.fetcher.GetDetails(ctx, wsID)
	if workspace.IsNotFound(err) {
		return storage.CredentialSet{}, fmt.Errorf("%w: %w: %s (user %s)", ErrResolution, ErrNoWorkspace, wsID, username)
	}
	if err != nil {
		return storage.CredentialSet{}, fmt.Errorf("%w: %v", ErrResolution, err)
	}

	c := details.Storage.Credentials
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"endpoint", c.Endpoint},
		{"access", c.Access},
		{"secret", c.Secret},
		{"region", c.Region},
		{"bucketname", c.BucketName},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return storage.CredentialSet{}, fmt.Errorf("%w: workspace %s: %w: %s",
			ErrResolution, wsID, workspace.ErrMissingField, strings.Join(missing, ", "))
	}

	r.logger.Info("workspace credentials resolved", "workspace", wsID, "endpoint", c.Endpoint, "bucket", c.BucketName)
	return storage.CredentialSet{
		Endpoint:  c.Endpoint,
		AccessKey: c.Access,
		SecretKey: c.Secret,
		Region:    c.Region,
		Bucket:    c.BucketName,
	}, nil
}

// PublishForURL resolves url and publishes the result to storage.Published.
func (r *Resolver) PublishForURL(url string) (storage.CredentialSet, error) {
	c, err := r.ResolveURL(url)
	if err != nil {
		return c, err
	}
	storage.Published.Publish(c)
	return c, nil
}
