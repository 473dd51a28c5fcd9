package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/computor/course-tools/pkg/results"
)

// Client submits and controls workflows. It shares the Store with the
// workers; the control surface and the CLIs go through it.
type Client struct {
	store Store
}

// NewClient wraps a store.
func NewClient(store Store) *Client {
	return &Client{store: store}
}

// Submit starts a new run. Workflow ids derive from the target
// resource, so a second submission while the first run is RUNNING
// surfaces as Conflict, which is the per-resource serialization the
// deployers rely on.
func (c *Client) Submit(ctx context.Context, opts StartOptions) (*Run, error) {
	if opts.WorkflowID == "" {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("a workflow id is required"))
	}
	if opts.Queue == "" || opts.Kind == "" {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("queue and kind are required"))
	}
	var input json.RawMessage
	if opts.Input != nil {
		encoded, err := json.Marshal(opts.Input)
		if err != nil {
			return nil, results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not encode workflow input")
		}
		input = encoded
	}
	return c.store.CreateRun(ctx, &Run{
		WorkflowID: opts.WorkflowID,
		Queue:      opts.Queue,
		Kind:       opts.Kind,
		Input:      input,
	})
}

// Signal delivers a named payload to the running workflow.
func (c *Client) Signal(ctx context.Context, workflowID, name string, payload interface{}) error {
	var encoded json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not encode signal payload")
		}
		encoded = data
	}
	return c.store.AppendSignal(ctx, workflowID, name, encoded)
}

// Cancel requests cooperative cancellation of the running workflow. The
// run finishes CANCELED once the workflow observes the request at its
// next activity boundary.
func (c *Client) Cancel(ctx context.Context, workflowID string) error {
	return c.store.RequestCancel(ctx, workflowID)
}

// Status reports the externally visible state of the most recent run of
// the workflow id.
func (c *Client) Status(ctx context.Context, workflowID string) (*StatusReport, error) {
	run, err := c.store.FindRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		WorkflowID: run.WorkflowID,
		RunID:      run.ID,
		Kind:       run.Kind,
		Queue:      run.Queue,
		Status:     run.Status,
		Result:     run.Result,
		Error:      run.Error,
		Attempt:    run.Attempt,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.Status == StatusRunning {
		event, err := c.store.LastEvent(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if event != nil {
			report.CurrentStep = event.StepID
		}
	}
	return report, nil
}
