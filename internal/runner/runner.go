// Package runner executes a CWL workflow with an external runner process and
// drives the execution handler's hooks around it.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/zoocwl/internal/handler"
	"github.com/me/zoocwl/internal/logging"
	"github.com/me/zoocwl/pkg/job"
)

// File names written to the working directory.
const (
	JobFile          = "job.yaml"
	LogFile          = "runner.log"
	UsageReportFile  = "usage-report.json"
	PodEnvFile       = "pod-env-vars.yaml"
	NodeSelectorFile = "pod-node-selectors.yaml"
	ToolLogsDir      = "logs"
)

// Runner executes one job.
type Runner interface {
	// Execute runs the job and returns job.ServiceSucceeded or job.ServiceFailed.
	Execute(ctx context.Context) (int, error)
	// Outputs returns the workflow output object after a successful Execute.
	Outputs() map[string]any
}

// Config configures a CommandRunner.
type Config struct {
	Command  string   // Runner executable, e.g. "cwl-runner" or "calrissian"
	Args     []string // Extra arguments placed before the workflow
	Workflow string   // CWL document to run
	WorkDir  string   // Working directory; job, log, and output files go here

	// PodFlags passes pod env vars, node selectors, usage report, and tool
	// log locations with Calrissian's command-line flags.
	PodFlags bool
}

// CommandRunner runs the workflow as a local process.
type CommandRunner struct {
	cfg     Config
	inputs  map[string]any
	handler handler.ExecutionHandler
	logger  *slog.Logger

	outputs map[string]any
}

// NewCommandRunner creates a CommandRunner.
func NewCommandRunner(cfg Config, inputs map[string]any, h handler.ExecutionHandler, logger *slog.Logger) *CommandRunner {
	if cfg.Command == "" {
		cfg.Command = "cwl-runner"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	return &CommandRunner{
		cfg:     cfg,
		inputs:  inputs,
		handler: h,
		logger:  logging.OrDiscard(logger).With("component", "runner"),
	}
}

// Outputs implements Runner.
func (r *CommandRunner) Outputs() map[string]any {
	return r.outputs
}

// Execute runs PreHook, the workflow, PostHook, and HandleOutputs in order.
// Hook errors and a non-zero runner exit fail the job. A failed run still
// reaches HandleOutputs with its logs.
func (r *CommandRunner) Execute(ctx context.Context) (int, error) {
	if err := r.handler.PreHook(ctx); err != nil {
		return job.ServiceFailed, err
	}

	args, err := r.prepare()
	if err != nil {
		return job.ServiceFailed, err
	}

	logPath := filepath.Join(r.cfg.WorkDir, LogFile)
	logFile, err := os.Create(logPath)
	if err != nil {
		return job.ServiceFailed, fmt.Errorf("create runner log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), envList(r.handler.PodEnvVars())...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = logFile

	r.logger.Info("starting workflow", "command", r.cfg.Command, "args", args, "dir", r.cfg.WorkDir)
	runErr := cmd.Run()

	var exitCode int
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		// Non-exit errors (e.g. binary not found) are returned directly.
		return job.ServiceFailed, fmt.Errorf("run %s: %w", r.cfg.Command, runErr)
	}
	if exitCode != 0 {
		r.logger.Error("workflow failed", "exit_code", exitCode, "log", logPath)
		r.reportFailed(ctx, logPath)
		return job.ServiceFailed, fmt.Errorf("%s exited with code %d", r.cfg.Command, exitCode)
	}

	var outputs map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &outputs); err != nil {
		r.reportFailed(ctx, logPath)
		return job.ServiceFailed, fmt.Errorf("parse workflow output: %w", err)
	}
	r.outputs = outputs

	run := handler.RunResult{
		Log:         logPath,
		Output:      outputs,
		UsageReport: r.usageReport(),
		ToolLogs:    r.toolLogs(),
	}
	r.logger.Info("workflow finished", "outputs", len(outputs), "tool_logs", len(run.ToolLogs))

	if err := r.handler.PostHook(ctx, run); err != nil {
		return job.ServiceFailed, err
	}
	if err := r.handler.HandleOutputs(ctx, run); err != nil {
		return job.ServiceFailed, err
	}
	return job.ServiceSucceeded, nil
}

// reportFailed passes the logs of a failed run to HandleOutputs without
// calling PostHook.
func (r *CommandRunner) reportFailed(ctx context.Context, logPath string) {
	run := handler.RunResult{
		Log:         logPath,
		UsageReport: r.usageReport(),
		ToolLogs:    r.toolLogs(),
	}
	if err := r.handler.HandleOutputs(ctx, run); err != nil {
		r.logger.Warn("service logs not recorded", "error", err)
	}
}

// prepare writes the job file (and pod files with PodFlags) and returns the
// runner arguments.
func (r *CommandRunner) prepare() ([]string, error) {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	params := make(map[string]any, len(r.inputs))
	maps.Copy(params, r.inputs)
	for k, v := range r.handler.AdditionalParameters() {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	jobPath := filepath.Join(r.cfg.WorkDir, JobFile)
	if err := writeYAML(jobPath, params); err != nil {
		return nil, err
	}

	args := append([]string(nil), r.cfg.Args...)
	if r.cfg.PodFlags {
		envPath := filepath.Join(r.cfg.WorkDir, PodEnvFile)
		if err := writeYAML(envPath, r.handler.PodEnvVars()); err != nil {
			return nil, err
		}
		selPath := filepath.Join(r.cfg.WorkDir, NodeSelectorFile)
		if err := writeYAML(selPath, r.handler.PodNodeSelector()); err != nil {
			return nil, err
		}
		args = append(args,
			"--pod-env-vars", envPath,
			"--pod-nodeselectors", selPath,
			"--usage-report", filepath.Join(r.cfg.WorkDir, UsageReportFile),
			"--tool-logs-basepath", filepath.Join(r.cfg.WorkDir, ToolLogsDir),
		)
	}
	if n := len(r.handler.Secrets()); n > 0 {
		r.logger.Debug("image pull secrets available", "entries", n)
	}
	return append(args, r.cfg.Workflow, jobPath), nil
}

// usageReport reads the usage report if the runner wrote one.
func (r *CommandRunner) usageReport() map[string]any {
	data, err := os.ReadFile(filepath.Join(r.cfg.WorkDir, UsageReportFile))
	if err != nil {
		return nil
	}
	var report map[string]any
	if err := json.Unmarshal(data, &report); err != nil {
		r.logger.Warn("unreadable usage report", "error", err)
		return nil
	}
	return report
}

// toolLogs lists the per-step logs: *.log in the tool log directory and in
// the working directory, excluding the runner's own log.
func (r *CommandRunner) toolLogs() []string {
	var logs []string
	for _, dir := range []string{filepath.Join(r.cfg.WorkDir, ToolLogsDir), r.cfg.WorkDir} {
		matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if filepath.Base(m) != LogFile {
				logs = append(logs, m)
			}
		}
	}
	return logs
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	// Job files carry staging secrets.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func envList(vars map[string]string) []string {
	list := make([]string, 0, len(vars))
	for k, v := range vars {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// String describes the runner for logs.
func (c Config) String() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " ") + " " + c.Workflow)
}
