// Package store keeps a history of job executions and their state
// transitions.
package store

import (
	"context"
	"time"

	"github.com/me/zoocwl/pkg/job"
)

// Record is one job execution.
type Record struct {
	ID          string     `json:"id"`
	Identifier  string     `json:"identifier"` // Workflow identifier
	Namespace   string     `json:"namespace"`
	State       job.State  `json:"state"`
	Message     string     `json:"message,omitempty"`
	CatalogURI  string     `json:"catalog_uri,omitempty"` // Workflow output catalog
	Collection  string     `json:"collection,omitempty"`  // Serialized result collection
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Transition is one recorded state change.
type Transition struct {
	JobID   string    `json:"job_id"`
	From    job.State `json:"from"`
	To      job.State `json:"to"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Store defines the persistence layer for job records.
type Store interface {
	CreateJob(ctx context.Context, rec *Record) error
	GetJob(ctx context.Context, id string) (*Record, error)
	ListJobs(ctx context.Context, limit int) ([]*Record, error)

	// Transition moves a job to state to, validating the move against
	// job.ValidTransitions.
	Transition(ctx context.Context, id string, to job.State, message string) error
	ListTransitions(ctx context.Context, id string) ([]Transition, error)

	// SetResult stores the assembled result of a job.
	SetResult(ctx context.Context, id, catalogURI, collection string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
