// Package service is the top-level entry point called by the hosting runtime
// once per job. It wires configuration, credentials, storage, the execution
// handler, and the runner together and converts the outcome into the
// runtime's status codes.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"

	"github.com/google/uuid"

	"github.com/me/zoocwl/internal/config"
	"github.com/me/zoocwl/internal/credentials"
	"github.com/me/zoocwl/internal/handler"
	"github.com/me/zoocwl/internal/logging"
	"github.com/me/zoocwl/internal/runner"
	"github.com/me/zoocwl/internal/stac"
	"github.com/me/zoocwl/internal/storage"
	"github.com/me/zoocwl/internal/store"
	"github.com/me/zoocwl/internal/workspace"
	"github.com/me/zoocwl/pkg/job"
)

// FailureMessage is set on the job when it fails.
const FailureMessage = "Execution failed"

// ResultSlot is the preferred output slot for the result.
const ResultSlot = "stac"

// Outputs are the output slots declared by the caller. On success the result
// is written to slot["value"].
type Outputs map[string]map[string]any

// Option configures Run.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	factory storage.ClientFactory
	store   store.Store
}

// WithLogger sets the logger. By default one is built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClientFactory overrides the object-store client factory selected by
// the configured storage driver.
func WithClientFactory(f storage.ClientFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithStore records the job history in st instead of the configured JobDB.
func WithStore(st store.Store) Option {
	return func(o *options) {
		o.store = st
	}
}

// Run executes one job and returns job.ServiceSucceeded or job.ServiceFailed.
// It never panics: every error and panic is logged and turned into the
// failure code with conf.Message set.
func Run(ctx context.Context, cfg config.Config, conf *job.ExecutionConfig, inputs map[string]any, outputs Outputs, opts ...Option) (code int) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	}
	if conf.Identity.USID == "" {
		conf.Identity.USID = uuid.NewString()
	}
	logger = logger.With("component", "service", "job", conf.NamespaceName())

	var tr *tracker
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			code = fail(ctx, conf, tr, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	if err := conf.Validate(); err != nil {
		return fail(ctx, conf, tr, err, logger)
	}

	st, closeStore := openStore(ctx, cfg, o.store, logger)
	defer closeStore()
	tr = newTracker(ctx, st, conf, logger)

	r := &run{cfg: cfg, conf: conf, inputs: inputs, opts: o, tracker: tr, logger: logger}
	res, err := r.execute(ctx)
	if err != nil {
		logger.Error("job failed", "error", err)
		return fail(ctx, conf, tr, err, logger)
	}

	value, err := slotValue(res.catalogURI, res.result)
	if err != nil {
		return fail(ctx, conf, tr, err, logger)
	}
	if slot := outputSlot(outputs); slot != "" {
		if outputs[slot] == nil {
			outputs[slot] = map[string]any{}
		}
		outputs[slot]["value"] = value
		logger.Info("result written", "slot", slot)
	} else {
		logger.Warn("no output slot declared; result dropped")
	}

	tr.advance(ctx, job.StateCompletedSuccess, "")
	tr.setResult(ctx, res.catalogURI, res.result)
	return job.ServiceSucceeded
}

type outcome struct {
	catalogURI string
	result     *stac.Result
}

// run holds the collaborators of one job.
type run struct {
	cfg     config.Config
	conf    *job.ExecutionConfig
	inputs  map[string]any
	opts    options
	tracker *tracker
	logger  *slog.Logger
}

func (r *run) execute(ctx context.Context) (*outcome, error) {
	workDir := filepath.Join(r.conf.Paths.TmpPath, r.conf.NamespaceName())
	if err := os.MkdirAll(workDir, 0o777); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}

	h, err := r.newHandler()
	if err != nil {
		return nil, err
	}

	rc := runner.Config{
		Command:  r.cfg.CWLRunner,
		Workflow: r.cfg.WorkflowFile,
		WorkDir:  workDir,
	}
	cr := runner.NewCommandRunner(rc, r.inputs, &trackedHandler{ExecutionHandler: h, tracker: r.tracker}, r.logger)

	r.logger.Info("executing", "runner", rc.String(), "work_dir", workDir)
	code, err := cr.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if code != job.ServiceSucceeded {
		return nil, fmt.Errorf("runner returned status %d", code)
	}
	if h.Result() == nil {
		return nil, errors.New("no result assembled")
	}
	return &outcome{catalogURI: h.CatalogLocation(), result: h.Result()}, nil
}

func (r *run) newHandler() (*handler.Handler, error) {
	services, err := credentials.CompileServices(r.cfg.Services)
	if err != nil {
		return nil, err
	}

	factory := r.opts.factory
	if factory == nil {
		factory, err = storage.NewClientFactory(r.cfg.StorageDriver)
		if err != nil {
			return nil, err
		}
	}

	ropts := []credentials.Option{credentials.WithStageOutDefaults(r.cfg.StageOut.Credentials())}
	hopts := []handler.Option{handler.WithInputs(r.inputs)}
	if r.cfg.Workspace.Enabled {
		client := workspace.NewClient(r.workspaceConfig(), r.conf.Auth, r.logger)
		ropts = append(ropts, credentials.WithWorkspace(client, client.Config().WorkspaceID))
		hopts = append(hopts, handler.WithWorkspace(client))
	}

	resolver := credentials.NewResolver(services, r.logger, ropts...)
	adapter := storage.NewAdapter(nil, factory, r.logger)
	return handler.New(r.conf, r.cfg, resolver, adapter, r.logger, hopts...), nil
}

func (r *run) workspaceConfig() workspace.Config {
	wc := workspace.DefaultConfig()
	wc.APIURL = r.cfg.Workspace.APIURL
	if r.cfg.Workspace.Prefix != "" {
		wc.Prefix = r.cfg.Workspace.Prefix
	}
	if r.cfg.Workspace.Timeout > 0 {
		wc.Timeout = r.cfg.Workspace.Timeout
	}
	return wc
}

func fail(ctx context.Context, conf *job.ExecutionConfig, tr *tracker, err error, logger *slog.Logger) int {
	conf.Message = FailureMessage
	tr.advance(ctx, job.StateCompletedFailed, err.Error())
	logger.Info("job finished", "status", "failed")
	return job.ServiceFailed
}

// slotValue renders the value written to the result slot.
func slotValue(catalogURI string, res *stac.Result) (string, error) {
	if res == nil {
		res = &stac.Result{Empty: true}
	}
	doc := struct {
		CatalogURI string      `json:"StacCatalogUri"`
		Collection stac.Result `json:"collection"`
	}{catalogURI, *res}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// outputSlot picks the "stac" slot, else the first slot by name.
func outputSlot(outputs Outputs) string {
	if _, ok := outputs[ResultSlot]; ok {
		return ResultSlot
	}
	names := make([]string, 0, len(outputs))
	for k := range outputs {
		names = append(names, k)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

// openStore returns the job store to record into, or nil. A store that
// cannot be opened disables history for this job.
func openStore(ctx context.Context, cfg config.Config, injected store.Store, logger *slog.Logger) (store.Store, func()) {
	if injected != nil {
		return injected, func() {}
	}
	if cfg.JobDB == "" {
		return nil, func() {}
	}
	st, err := store.NewSQLiteStore(cfg.JobDB, logger)
	if err != nil {
		logger.Warn("job history disabled", "path", cfg.JobDB, "error", err)
		return nil, func() {}
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		logger.Warn("job history disabled", "path", cfg.JobDB, "error", err)
		return nil, func() {}
	}
	return st, func() { st.Close() }
}
