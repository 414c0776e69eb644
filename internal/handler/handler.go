// Package handler implements the execution handler whose hooks the runner
// calls around a workflow execution.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"

	"github.com/me/zoocwl/internal/config"
	"github.com/me/zoocwl/internal/credentials"
	"github.com/me/zoocwl/internal/logging"
	"github.com/me/zoocwl/internal/stac"
	"github.com/me/zoocwl/internal/storage"
	"github.com/me/zoocwl/internal/workspace"
	"github.com/me/zoocwl/pkg/job"
)

// OutputCatalogKey is the workflow output naming the result catalog.
const OutputCatalogKey = "StacCatalogUri"

// ErrNoCatalogOutput is returned by PostHook when the workflow output does
// not name a result catalog.
var ErrNoCatalogOutput = errors.New("workflow output has no " + OutputCatalogKey)

// RunResult is what the runner hands to the post-execution hooks.
type RunResult struct {
	Log         string         // Path of the runner log
	Output      map[string]any // Workflow output object
	UsageReport map[string]any // Resource usage, if the runner reports it
	ToolLogs    []string       // Paths of the per-step logs
}

// ExecutionHandler is the set of extension points a runner calls. Runners
// depend on this interface only.
type ExecutionHandler interface {
	PreHook(ctx context.Context) error
	PostHook(ctx context.Context, run RunResult) error
	HandleOutputs(ctx context.Context, run RunResult) error

	AdditionalParameters() map[string]string
	PodEnvVars() map[string]string
	PodNodeSelector() map[string]string
	Secrets() map[string]any
}

// Handler is the ExecutionHandler for one job.
type Handler struct {
	conf     *job.ExecutionConfig
	cfg      config.Config
	resolver *credentials.Resolver
	storage  stac.ReadWriter
	ws       *workspace.Client
	inputs   map[string]any
	logger   *slog.Logger

	stageOut    storage.CredentialSet
	workspaceID string
	catalogURI  string
	result      *stac.Result
}

// Option configures a Handler.
type Option func(*Handler)

// WithWorkspace registers results with the caller's workspace through c.
func WithWorkspace(c *workspace.Client) Option {
	return func(h *Handler) {
		h.ws = c
	}
}

// WithInputs gives the handler the job inputs; the first s3:// location among
// them selects the stage-in credentials.
func WithInputs(inputs map[string]any) Option {
	return func(h *Handler) {
		h.inputs = inputs
	}
}

// New creates a Handler. rw is the storage adapter the result catalog is read
// from and published through; it must follow storage.Published.
func New(conf *job.ExecutionConfig, cfg config.Config, resolver *credentials.Resolver, rw stac.ReadWriter, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		conf:     conf,
		cfg:      cfg,
		resolver: resolver,
		storage:  rw,
		logger:   logging.OrDiscard(logger).With("component", "handler", "job", conf.NamespaceName()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PreHook fixes the collection id, resolves the stage-in and stage-out
// credentials, and fills the staging parameters. Any error aborts the job
// before the workflow starts.
func (h *Handler) PreHook(ctx context.Context) error {
	h.logger.Info("pre-execution hook")

	if err := h.conf.SetCollectionID(h.conf.Identity.USID); err != nil {
		return fmt.Errorf("pre-execution: %w", err)
	}

	stageIn := h.cfg.StageIn.Credentials()
	if loc := firstObjectLocation(h.inputs); loc != "" {
		c, err := h.resolver.PublishForURL(loc)
		if err != nil {
			return fmt.Errorf("pre-execution: stage-in: %w", err)
		}
		h.logger.Debug("stage-in credentials resolved", "location", loc, "credentials", c.Redacted())
		stageIn = c
	}

	stageOut, err := h.resolver.ResolveIdentity(ctx, h.conf.Auth)
	if err != nil {
		return fmt.Errorf("pre-execution: stage-out: %w", err)
	}
	h.stageOut = stageOut

	if h.ws != nil {
		username, err := credentials.UsernameFromToken(ctx, h.conf.Auth)
		if err != nil {
			return fmt.Errorf("pre-execution: %w", err)
		}
		h.workspaceID = h.ws.Config().WorkspaceID(username)
	}

	h.conf.Staging.StageIn = endpointOf(stageIn)
	h.conf.Staging.StageOut = endpointOf(stageOut)
	h.conf.Staging.Process = h.conf.Identity.Identifier + "-" + h.conf.Identity.USID

	storage.Published.Publish(stageOut)
	h.logger.Info("staging parameters set",
		"process", h.conf.Staging.Process,
		"collection_id", h.conf.Staging.CollectionID,
		"output", h.conf.Staging.OutputURI(),
	)
	return nil
}

// PostHook assembles the result collection from the workflow's output
// catalog. Assembly errors are returned, not swallowed.
func (h *Handler) PostHook(ctx context.Context, run RunResult) error {
	h.logger.Info("post-execution hook")

	// The workflow may have swapped in stage-in credentials; the output
	// catalog lives in stage-out storage.
	storage.Published.Publish(h.stageOut)

	uri := CatalogURI(run.Output)
	if uri == "" {
		return ErrNoCatalogOutput
	}
	h.logger.Info("result catalog", "uri", uri)

	opts := []stac.Option{stac.WithPublish(h.cfg.PublishResults)}
	if h.ws != nil && h.cfg.Workspace.Register && h.workspaceID != "" {
		opts = append(opts, stac.WithRegistrar(h.ws.For(h.workspaceID)))
	}
	prov := stac.ProvenanceFrom(h.stageOut, h.cfg.StoragePlatform, h.cfg.StorageTier)

	res, err := stac.NewAssembler(h.storage, h.logger, opts...).
		Assemble(ctx, uri, h.conf.Staging.CollectionID, prov)
	if err != nil {
		h.logger.Error("result assembly failed", "uri", uri, "error", err)
		return fmt.Errorf("post-execution: %w", err)
	}
	h.catalogURI = uri
	h.result = res
	return nil
}

// HandleOutputs links every tool log into the job's service logs.
func (h *Handler) HandleOutputs(_ context.Context, run RunResult) error {
	ns := h.conf.NamespaceName()
	entries := make([]job.ServiceLogEntry, 0, len(run.ToolLogs))
	for _, l := range run.ToolLogs {
		entries = append(entries, job.NewToolLogEntry(h.conf.Paths.TmpURL, ns, l))
	}
	h.conf.ServiceLogs = entries
	h.logger.Debug("service logs set", "count", len(entries))
	return nil
}

// AdditionalParameters returns the job's additional parameters with the
// staging parameters layered on top.
func (h *Handler) AdditionalParameters() map[string]string {
	m := make(map[string]string)
	maps.Copy(m, h.conf.AdditionalParameters)
	maps.Copy(m, h.conf.Staging.AsMap())
	return m
}

// PodEnvVars returns the environment variables set on every step pod.
func (h *Handler) PodEnvVars() map[string]string {
	return maps.Clone(orEmpty(h.conf.PodEnvVars))
}

// PodNodeSelector returns the node selector applied to every step pod.
func (h *Handler) PodNodeSelector() map[string]string {
	return maps.Clone(orEmpty(h.conf.PodNodeSelector))
}

// Secrets returns the image pull secrets, or an empty map when the secrets
// file is absent or unreadable.
func (h *Handler) Secrets() map[string]any {
	return LoadOptionalYAML(h.cfg.SecretsFile)
}

// Result returns the assembled result, or nil before a successful PostHook.
func (h *Handler) Result() *stac.Result {
	return h.result
}

// CatalogLocation returns the output catalog URI seen by PostHook.
func (h *Handler) CatalogLocation() string {
	return h.catalogURI
}

// CatalogURI extracts the result catalog location from a workflow output.
// The value may be a string, a CWL File/Directory object, or nested one
// level under another output (as in {"stac": {"StacCatalogUri": ...}}).
func CatalogURI(output map[string]any) string {
	if v, ok := output[OutputCatalogKey]; ok {
		return locationOf(v)
	}
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if nested, ok := output[k].(map[string]any); ok {
			if v, ok := nested[OutputCatalogKey]; ok {
				return locationOf(v)
			}
		}
	}
	return ""
}

func locationOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"location", "path", "value"} {
			if s, ok := t[k].(string); ok && s != "" {
				return strings.TrimPrefix(s, "file://")
			}
		}
	}
	return ""
}

// firstObjectLocation returns the first s3:// string among inputs, in key order.
func firstObjectLocation(inputs map[string]any) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if loc := findObjectLocation(inputs[k]); loc != "" {
			return loc
		}
	}
	return ""
}

func findObjectLocation(v any) string {
	switch t := v.(type) {
	case string:
		if storage.IsObjectStore(t) {
			return t
		}
	case []any:
		for _, e := range t {
			if loc := findObjectLocation(e); loc != "" {
				return loc
			}
		}
	case map[string]any:
		return firstObjectLocation(t)
	}
	return ""
}

func endpointOf(c storage.CredentialSet) job.Endpoint {
	return job.Endpoint{
		ServiceURL: c.Endpoint,
		AccessKey:  c.AccessKey,
		SecretKey:  c.SecretKey,
		Region:     c.Region,
		Bucket:     c.Bucket,
	}
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
