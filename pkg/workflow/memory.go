package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/computor/course-tools/pkg/results"
)

// MemoryStore implements Store for tests and single-process tooling.
// Behavior mirrors PostgresStore including lease and uniqueness
// semantics.
type MemoryStore struct {
	lock   sync.Mutex
	runs   map[uuid.UUID]*Run
	order  []uuid.UUID
	events map[uuid.UUID]map[string]*Event
	seq    int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   map[uuid.UUID]*Run{},
		events: map[uuid.UUID]map[string]*Event{},
	}
}

func copyRun(run *Run) *Run {
	clone := *run
	return &clone
}

func copyEvent(event *Event) *Event {
	clone := *event
	return &clone
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) (*Run, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, existing := range s.runs {
		if existing.WorkflowID == run.WorkflowID && existing.Status == StatusRunning {
			return nil, results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("workflow %s is already running", run.WorkflowID))
		}
	}
	stored := copyRun(run)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.Status = StatusRunning
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.runs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	s.events[stored.ID] = map[string]*Event{}
	return copyRun(stored), nil
}

func (s *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no run %s", id))
	}
	return copyRun(run), nil
}

func (s *MemoryStore) FindRun(_ context.Context, workflowID string) (*Run, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if run := s.runs[s.order[i]]; run.WorkflowID == workflowID {
			return copyRun(run), nil
		}
	}
	return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no run for workflow %s", workflowID))
}

func (s *MemoryStore) LeaseRun(_ context.Context, queues []string, owner string, leaseFor time.Duration) (*Run, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	wanted := map[string]bool{}
	for _, queue := range queues {
		wanted[queue] = true
	}
	now := time.Now()
	for _, id := range s.order {
		run := s.runs[id]
		if run.Status != StatusRunning || !wanted[run.Queue] {
			continue
		}
		if !run.LeaseExpiresAt.IsZero() && run.LeaseExpiresAt.After(now) {
			continue
		}
		run.LeaseOwner = owner
		run.LeaseExpiresAt = now.Add(leaseFor)
		run.Attempt++
		if run.StartedAt.IsZero() {
			run.StartedAt = now
		}
		return copyRun(run), nil
	}
	return nil, nil
}

func (s *MemoryStore) RenewLease(_ context.Context, runID uuid.UUID, owner string, leaseFor time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != StatusRunning || run.LeaseOwner != owner {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("lease for run %s is no longer held by %s", runID, owner))
	}
	run.LeaseExpiresAt = time.Now().Add(leaseFor)
	return nil
}

func (s *MemoryStore) CompleteRun(_ context.Context, runID uuid.UUID, status Status, result json.RawMessage, message string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Status != StatusRunning {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("run %s is not RUNNING anymore", runID))
	}
	run.Status = status
	if len(result) > 0 {
		run.Result = result
	}
	run.Error = message
	run.FinishedAt = time.Now()
	run.LeaseOwner = ""
	run.LeaseExpiresAt = time.Time{}
	return nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, workflowID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, run := range s.runs {
		if run.WorkflowID == workflowID && run.Status == StatusRunning {
			run.CancelRequested = true
			return nil
		}
	}
	return results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no running workflow %s", workflowID))
}

func (s *MemoryStore) CancelRequested(_ context.Context, runID uuid.UUID) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no run %s", runID))
	}
	return run.CancelRequested, nil
}

func (s *MemoryStore) Event(_ context.Context, runID uuid.UUID, stepID string) (*Event, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	event, ok := s.events[runID][stepID]
	if !ok || event.Kind != EventKindActivity {
		return nil, nil
	}
	return copyEvent(event), nil
}

func (s *MemoryStore) RecordEvent(_ context.Context, event *Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.runs[event.RunID]; !ok {
		return results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no run %s", event.RunID))
	}
	stored := copyEvent(event)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	s.seq++
	if existing, ok := s.events[event.RunID][event.StepID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	// The sequence number breaks ties between updates within the same
	// clock tick so LastEvent stays deterministic.
	stored.UpdatedAt = time.Now().Add(time.Duration(s.seq) * time.Nanosecond)
	s.events[event.RunID][event.StepID] = stored
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, runID uuid.UUID, stepID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if event, ok := s.events[runID][stepID]; ok {
		event.HeartbeatAt = time.Now()
		event.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	run, err := s.FindRun(ctx, workflowID)
	if err != nil {
		return err
	}
	if run.Status != StatusRunning {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("workflow %s is %s, signals need a running workflow", workflowID, run.Status))
	}
	return s.RecordEvent(ctx, &Event{
		RunID:  run.ID,
		StepID: signalStepID(name),
		Kind:   EventKindSignal,
		Status: EventCompleted,
		Result: payload,
	})
}

func (s *MemoryStore) LatestSignal(_ context.Context, runID uuid.UUID, name string) (*Event, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	prefix := "signal/" + name + "/"
	var latest *Event
	for stepID, event := range s.events[runID] {
		if event.Kind != EventKindSignal || len(stepID) < len(prefix) || stepID[:len(prefix)] != prefix {
			continue
		}
		if latest == nil || event.UpdatedAt.After(latest.UpdatedAt) {
			latest = event
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyEvent(latest), nil
}

func (s *MemoryStore) LastEvent(_ context.Context, runID uuid.UUID) (*Event, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var latest *Event
	for _, event := range s.events[runID] {
		if latest == nil || event.UpdatedAt.After(latest.UpdatedAt) {
			latest = event
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyEvent(latest), nil
}
