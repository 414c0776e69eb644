// Package job holds the per-execution data shared between the execution
// handler, the runner, and the top-level service function.
package job

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCollectionIDSet is returned when the collection id is assigned twice
// with different values.
var ErrCollectionIDSet = errors.New("collection id already set")

// Identity names one submission of a workflow.
type Identity struct {
	// Identifier is the workflow (service) identifier, e.g. "water-bodies".
	Identifier string `json:"Identifier" yaml:"Identifier"`
	// USID is the unique submission id.
	USID string `json:"usid" yaml:"usid"`
}

// Paths locates the job's working area and its public URL.
type Paths struct {
	TmpPath string `json:"tmpPath" yaml:"tmpPath"`
	TmpURL  string `json:"tmpUrl" yaml:"tmpUrl"`
}

// ExecutionConfig is the mutable per-job configuration owned by the execution
// handler and shared by pointer with the runner.
type ExecutionConfig struct {
	// Auth is the caller's bearer token.
	Auth     string   `json:"auth,omitempty" yaml:"auth,omitempty"`
	Identity Identity `json:"lenv" yaml:"lenv"`
	Paths    Paths    `json:"main" yaml:"main"`

	Staging StagingParameters `json:"staging" yaml:"staging"`

	PodEnvVars           map[string]string `json:"pod_env_vars,omitempty" yaml:"pod_env_vars,omitempty"`
	PodNodeSelector      map[string]string `json:"pod_node_selector,omitempty" yaml:"pod_node_selector,omitempty"`
	AdditionalParameters map[string]string `json:"additional_parameters,omitempty" yaml:"additional_parameters,omitempty"`

	ServiceLogs []ServiceLogEntry `json:"-" yaml:"-"`

	// Message is the last human-readable status message.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// NamespaceName returns the per-job name scoping the working directory and
// the tool-log URLs: "<identifier>-<usid>", lowercased.
func (c *ExecutionConfig) NamespaceName() string {
	return strings.ToLower(c.Identity.Identifier + "-" + c.Identity.USID)
}

// SetCollectionID assigns the result collection id. Assigning the same value
// again is a no-op; a different value is an error.
func (c *ExecutionConfig) SetCollectionID(id string) error {
	if id == "" {
		return fmt.Errorf("collection id must not be empty")
	}
	if c.Staging.CollectionID != "" && c.Staging.CollectionID != id {
		return fmt.Errorf("%w: have %q, got %q", ErrCollectionIDSet, c.Staging.CollectionID, id)
	}
	c.Staging.CollectionID = id
	return nil
}

// Validate checks the fields the handler cannot work without.
func (c *ExecutionConfig) Validate() error {
	var missing []string
	if c.Identity.Identifier == "" {
		missing = append(missing, "lenv.Identifier")
	}
	if c.Identity.USID == "" {
		missing = append(missing, "lenv.usid")
	}
	if c.Paths.TmpPath == "" {
		missing = append(missing, "main.tmpPath")
	}
	if len(missing) > 0 {
		return fmt.Errorf("execution config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}
