// Package workflow is a Postgres-backed durable execution engine. A
// run is the single execution of a workflow function; every activity
// the function executes is recorded as an event, so a resumed run
// replays completed activities from the event log instead of executing
// them again. Workers lease runs from queues and survive each other's
// crashes through lease expiry.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/computor/course-tools/pkg/results"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// EventStatus is the outcome recorded for an activity attempt.
type EventStatus string

const (
	EventCompleted EventStatus = "COMPLETED"
	EventFailed    EventStatus = "FAILED"
)

// EventKind distinguishes activity records from delivered signals.
type EventKind string

const (
	EventKindActivity EventKind = "activity"
	EventKindSignal   EventKind = "signal"
)

// Run is one durable execution of a workflow function.
type Run struct {
	bun.BaseModel `bun:"table:workflow_runs,alias:wr"`

	ID uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	// WorkflowID is the caller-chosen identity. At most one run per
	// workflow id may be RUNNING at a time.
	WorkflowID string          `bun:"workflow_id,notnull" json:"workflow_id"`
	Queue      string          `bun:"queue,notnull" json:"queue"`
	Kind       string          `bun:"kind,notnull" json:"kind"`
	Input      json.RawMessage `bun:"input,type:jsonb,nullzero" json:"input,omitempty"`
	Status     Status          `bun:"status,notnull" json:"status"`
	Result     json.RawMessage `bun:"result,type:jsonb,nullzero" json:"result,omitempty"`
	Error      string          `bun:"error,nullzero" json:"error,omitempty"`
	// CancelRequested is observed between activities and between retry
	// attempts, never mid-activity.
	CancelRequested bool      `bun:"cancel_requested,notnull,default:false" json:"cancel_requested"`
	LeaseOwner      string    `bun:"lease_owner,nullzero" json:"lease_owner,omitempty"`
	LeaseExpiresAt  time.Time `bun:"lease_expires_at,nullzero" json:"lease_expires_at,omitempty"`
	// Attempt counts how often the run was leased, i.e. resumes after
	// worker loss show up here.
	Attempt    int       `bun:"attempt,notnull,default:0" json:"attempt"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	StartedAt  time.Time `bun:"started_at,nullzero" json:"started_at,omitempty"`
	FinishedAt time.Time `bun:"finished_at,nullzero" json:"finished_at,omitempty"`
}

// Event is the durable record of one activity result or one delivered
// signal within a run.
type Event struct {
	bun.BaseModel `bun:"table:workflow_events,alias:we"`

	ID          uuid.UUID       `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	RunID       uuid.UUID       `bun:"run_id,notnull,type:uuid" json:"run_id"`
	StepID      string          `bun:"step_id,notnull" json:"step_id"`
	Kind        EventKind       `bun:"kind,notnull" json:"kind"`
	Status      EventStatus     `bun:"status,notnull" json:"status"`
	Attempt     int             `bun:"attempt,notnull,default:0" json:"attempt"`
	Result      json.RawMessage `bun:"result,type:jsonb,nullzero" json:"result,omitempty"`
	Error       string          `bun:"error,nullzero" json:"error,omitempty"`
	HeartbeatAt time.Time       `bun:"heartbeat_at,nullzero" json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time       `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// RetryPolicy bounds how often a failing activity is re-executed.
type RetryPolicy struct {
	InitialInterval time.Duration
	Coefficient     float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy is applied when an activity does not set its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		Coefficient:     2.0,
		MaxInterval:     5 * time.Minute,
		MaxAttempts:     5,
	}
}

func (p RetryPolicy) orDefault() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval == 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.Coefficient == 0 {
		p.Coefficient = def.Coefficient
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// ActivityOptions configures a single ExecuteActivity call.
type ActivityOptions struct {
	// StartToClose caps the duration of one attempt. Zero means no
	// per-attempt timeout.
	StartToClose time.Duration
	Retry        RetryPolicy
	// HeartbeatInterval makes the engine record liveness on the event
	// row while the activity executes. Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// StartOptions describes a run to submit.
type StartOptions struct {
	// WorkflowID is required and deduplicates concurrent submissions.
	WorkflowID string
	Queue      string
	Kind       string
	Input      interface{}
}

// StatusReport is the externally visible state of a workflow.
type StatusReport struct {
	WorkflowID  string          `json:"workflow_id"`
	RunID       uuid.UUID       `json:"run_id"`
	Kind        string          `json:"kind"`
	Queue       string          `json:"queue"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// WorkflowFunc is the deterministic body of a workflow kind. It must
// not perform I/O, read clocks or iterate maps in result-affecting
// order; every side effect goes through ctx.ExecuteActivity. The
// returned value is recorded as the run result.
type WorkflowFunc func(ctx *Context) (interface{}, error)

// ActivityFunc executes one side-effecting step. It receives the JSON
// input the workflow passed and returns a result that is serialized
// into the event log.
type ActivityFunc func(ctx context.Context, input []byte) (interface{}, error)

// Step renders a hierarchical step id. Step ids key the event log, so
// they must be stable across replays of the same workflow.
func Step(parts ...string) string {
	return strings.Join(parts, "/")
}

// ErrCanceled is returned from activity execution once a cancel request
// is observed. Workflow functions should propagate it.
var ErrCanceled = results.ForReason(results.ReasonCancelRequested).ForError(errors.New("cancel requested"))

// IsCanceled reports whether err indicates a propagated cancel request.
func IsCanceled(err error) bool {
	return results.ReasonFor(err) == results.ReasonCancelRequested
}
