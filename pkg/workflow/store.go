package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/computor/course-tools/pkg/results"
)

// Store persists runs and their event logs. The engine talks to
// Postgres in production and to MemoryStore in tests.
type Store interface {
	// CreateRun persists a new RUNNING run. A second RUNNING run with
	// the same workflow id yields a conflict.
	CreateRun(ctx context.Context, run *Run) (*Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	// FindRun returns the most recent run for the workflow id.
	FindRun(ctx context.Context, workflowID string) (*Run, error)
	// LeaseRun claims the oldest leasable run on one of the queues, or
	// returns nil when there is none. Expired leases are claimable.
	LeaseRun(ctx context.Context, queues []string, owner string, leaseFor time.Duration) (*Run, error)
	// RenewLease extends the lease and fails when the owner lost it.
	RenewLease(ctx context.Context, runID uuid.UUID, owner string, leaseFor time.Duration) error
	// CompleteRun moves a RUNNING run into a terminal status, recording
	// the run result and, for failures, the error message.
	CompleteRun(ctx context.Context, runID uuid.UUID, status Status, result json.RawMessage, message string) error
	// RequestCancel flags the RUNNING run of the workflow id.
	RequestCancel(ctx context.Context, workflowID string) error
	CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error)
	// Event returns the activity event for the step, or nil when the
	// step has not recorded anything yet.
	Event(ctx context.Context, runID uuid.UUID, stepID string) (*Event, error)
	// RecordEvent upserts the event keyed by (run id, step id).
	RecordEvent(ctx context.Context, event *Event) error
	Heartbeat(ctx context.Context, runID uuid.UUID, stepID string) error
	AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error
	// LatestSignal returns the newest delivered signal with the given
	// name, or nil when none arrived.
	LatestSignal(ctx context.Context, runID uuid.UUID, name string) (*Event, error)
	// LastEvent returns the most recently updated event of the run, or
	// nil for a run that has not executed any step.
	LastEvent(ctx context.Context, runID uuid.UUID) (*Event, error)
}

// PostgresStore keeps runs and events in Postgres. Leasing relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type PostgresStore struct {
	db *bun.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the engine's tables and indexes.
func Migrate(ctx context.Context, db *bun.DB) error {
	for _, model := range []interface{}{(*Run)(nil), (*Event)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("could not create table for %T: %w", model, err)
		}
	}
	for _, statement := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS workflow_runs_unique_running ON workflow_runs (workflow_id) WHERE status = 'RUNNING'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS workflow_events_run_step ON workflow_events (run_id, step_id)`,
		`CREATE INDEX IF NOT EXISTS workflow_runs_queue_idx ON workflow_runs (queue, status, lease_expires_at)`,
		`CREATE INDEX IF NOT EXISTS workflow_events_run_idx ON workflow_events (run_id, updated_at)`,
	} {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return results.ForReason(results.ReasonNotFound).ForError(err)
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		if pgErr.Field('C') == "23505" {
			return results.ForReason(results.ReasonConflict).ForError(err)
		}
		if pgErr.IntegrityViolation() {
			return results.ForReason(results.ReasonIntegrity).ForError(err)
		}
	}
	return err
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) (*Run, error) {
	run.Status = StatusRunning
	if _, err := s.db.NewInsert().Model(run).Returning("*").Exec(ctx); err != nil {
		return nil, wrapStoreError(err)
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run := &Run{}
	if err := s.db.NewSelect().Model(run).Where("wr.id = ?", id).Scan(ctx); err != nil {
		return nil, wrapStoreError(err)
	}
	return run, nil
}

func (s *PostgresStore) FindRun(ctx context.Context, workflowID string) (*Run, error) {
	run := &Run{}
	err := s.db.NewSelect().Model(run).
		Where("wr.workflow_id = ?", workflowID).
		OrderExpr("wr.created_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return run, nil
}

func (s *PostgresStore) LeaseRun(ctx context.Context, queues []string, owner string, leaseFor time.Duration) (*Run, error) {
	var id uuid.UUID
	err := s.db.NewRaw(`
		UPDATE workflow_runs SET
			lease_owner = ?,
			lease_expires_at = now() + ?::interval,
			attempt = attempt + 1,
			started_at = COALESCE(started_at, now())
		WHERE id = (
			SELECT id FROM workflow_runs
			WHERE status = ? AND queue IN (?) AND (lease_expires_at IS NULL OR lease_expires_at < now())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id`,
		owner, leaseFor.String(), StatusRunning, bun.In(queues),
	).Scan(ctx, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return s.GetRun(ctx, id)
}

func (s *PostgresStore) RenewLease(ctx context.Context, runID uuid.UUID, owner string, leaseFor time.Duration) error {
	result, err := s.db.NewUpdate().Model((*Run)(nil)).
		Set("lease_expires_at = now() + ?::interval", leaseFor.String()).
		Where("id = ?", runID).
		Where("lease_owner = ?", owner).
		Where("status = ?", StatusRunning).
		Exec(ctx)
	if err != nil {
		return wrapStoreError(err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("lease for run %s is no longer held by %s", runID, owner))
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID uuid.UUID, status Status, result json.RawMessage, message string) error {
	query := s.db.NewUpdate().Model((*Run)(nil)).
		Set("status = ?", status).
		Set("error = ?", sql.NullString{String: message, Valid: message != ""}).
		Set("finished_at = now()").
		Set("lease_owner = NULL").
		Set("lease_expires_at = NULL").
		Where("id = ?", runID).
		Where("status = ?", StatusRunning)
	if len(result) > 0 {
		query = query.Set("result = ?", result)
	}
	outcome, err := query.Exec(ctx)
	if err != nil {
		return wrapStoreError(err)
	}
	if affected, err := outcome.RowsAffected(); err == nil && affected == 0 {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("run %s is not RUNNING anymore", runID))
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, workflowID string) error {
	result, err := s.db.NewUpdate().Model((*Run)(nil)).
		Set("cancel_requested = true").
		Where("workflow_id = ?", workflowID).
		Where("status = ?", StatusRunning).
		Exec(ctx)
	if err != nil {
		return wrapStoreError(err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no running workflow %s", workflowID))
	}
	return nil
}

func (s *PostgresStore) CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.NewSelect().Model((*Run)(nil)).
		Column("cancel_requested").
		Where("id = ?", runID).
		Scan(ctx, &requested)
	if err != nil {
		return false, wrapStoreError(err)
	}
	return requested, nil
}

func (s *PostgresStore) Event(ctx context.Context, runID uuid.UUID, stepID string) (*Event, error) {
	event := &Event{}
	err := s.db.NewSelect().Model(event).
		Where("we.run_id = ?", runID).
		Where("we.step_id = ?", stepID).
		Where("we.kind = ?", EventKindActivity).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return event, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, event *Event) error {
	event.UpdatedAt = time.Now()
	_, err := s.db.NewInsert().Model(event).
		On("CONFLICT (run_id, step_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("attempt = EXCLUDED.attempt").
		Set("result = EXCLUDED.result").
		Set("error = EXCLUDED.error").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return wrapStoreError(err)
}

func (s *PostgresStore) Heartbeat(ctx context.Context, runID uuid.UUID, stepID string) error {
	_, err := s.db.NewUpdate().Model((*Event)(nil)).
		Set("heartbeat_at = now()").
		Set("updated_at = now()").
		Where("run_id = ?", runID).
		Where("step_id = ?", stepID).
		Exec(ctx)
	return wrapStoreError(err)
}

func (s *PostgresStore) AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	run, err := s.FindRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run.Status != StatusRunning {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("workflow %s is %s, signals need a running workflow", workflowID, run.Status))
	}
	event := &Event{
		RunID:  run.ID,
		StepID: signalStepID(name),
		Kind:   EventKindSignal,
		Status: EventCompleted,
		Result: payload,
	}
	_, err = s.db.NewInsert().Model(event).Exec(ctx)
	return wrapStoreError(err)
}

func (s *PostgresStore) LatestSignal(ctx context.Context, runID uuid.UUID, name string) (*Event, error) {
	event := &Event{}
	err := s.db.NewSelect().Model(event).
		Where("we.run_id = ?", runID).
		Where("we.kind = ?", EventKindSignal).
		Where("we.step_id LIKE ?", "signal/"+name+"/%").
		OrderExpr("we.created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return event, nil
}

func (s *PostgresStore) LastEvent(ctx context.Context, runID uuid.UUID) (*Event, error) {
	event := &Event{}
	err := s.db.NewSelect().Model(event).
		Where("we.run_id = ?", runID).
		OrderExpr("we.updated_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return event, nil
}

func signalStepID(name string) string {
	return fmt.Sprintf("signal/%s/%s", name, uuid.NewString())
}
