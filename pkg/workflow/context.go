package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/results"
)

// Context is handed to workflow functions. Its only effectful operation
// is ExecuteActivity; everything a workflow decides on must come from
// its input, recorded activity results or delivered signals, which is
// what keeps replays deterministic.
type Context struct {
	ctx        context.Context
	run        *Run
	store      Store
	activities map[string]ActivityFunc
	logger     *logrus.Entry
	observer   Observer
}

func newContext(ctx context.Context, run *Run, store Store, activities map[string]ActivityFunc, logger *logrus.Entry, observer Observer) *Context {
	return &Context{
		ctx:        ctx,
		run:        run,
		store:      store,
		activities: activities,
		logger:     logger,
		observer:   observer,
	}
}

// Context exposes the lifecycle context of the executing worker. It is
// canceled when the worker shuts down or loses its lease.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Logger carries the run's identifying fields.
func (c *Context) Logger() *logrus.Entry {
	return c.logger
}

// WorkflowID returns the caller-chosen workflow identity.
func (c *Context) WorkflowID() string {
	return c.run.WorkflowID
}

// RunID returns the identity of this execution.
func (c *Context) RunID() string {
	return c.run.ID.String()
}

// Input decodes the run input into out.
func (c *Context) Input(out interface{}) error {
	if len(c.run.Input) == 0 {
		return results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("workflow %s has no input", c.run.WorkflowID))
	}
	if err := json.Unmarshal(c.run.Input, out); err != nil {
		return results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not decode input of workflow %s", c.run.WorkflowID)
	}
	return nil
}

// Signal decodes the latest delivered signal with the given name into
// out and reports whether one arrived. Signals are part of the durable
// event log, so replays observe them identically.
func (c *Context) Signal(name string, out interface{}) (bool, error) {
	event, err := c.store.LatestSignal(c.ctx, c.run.ID, name)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}
	if out != nil && len(event.Result) > 0 {
		if err := json.Unmarshal(event.Result, out); err != nil {
			return true, fmt.Errorf("could not decode signal %s: %w", name, err)
		}
	}
	return true, nil
}

// ExecuteActivity runs the named activity once, durably. The step id
// keys the event log: when a prior execution of this run already
// completed the step, the recorded result is decoded into output and
// the activity is not executed again. Otherwise the activity runs under
// the per-attempt timeout and retry policy of opts, heartbeating while
// it executes, and the outcome is recorded before this returns.
func (c *Context) ExecuteActivity(stepID, activity string, input, output interface{}, opts ActivityOptions) error {
	logger := c.logger.WithFields(logrus.Fields{"step": stepID, "activity": activity})

	prior, err := c.store.Event(c.ctx, c.run.ID, stepID)
	if err != nil {
		return fmt.Errorf("could not read event log for step %s: %w", stepID, err)
	}
	if prior != nil && prior.Status == EventCompleted {
		logger.Debug("Replaying recorded activity result")
		return decodeResult(prior.Result, output)
	}

	if canceled, err := c.store.CancelRequested(c.ctx, c.run.ID); err != nil {
		return err
	} else if canceled {
		return ErrCanceled
	}

	fn, registered := c.activities[activity]
	if !registered {
		return results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("no activity %q registered on this worker", activity))
	}

	encodedInput, err := json.Marshal(input)
	if err != nil {
		return results.ForReason(results.ReasonValidation).
			WithError(err).Errorf("could not encode input for activity %s", activity)
	}

	policy := opts.Retry.orDefault()
	interval := policy.InitialInterval
	attempt := attemptBase(prior)
	for {
		attempt++
		encodedResult, attemptErr := c.attempt(stepID, activity, fn, encodedInput, opts, attempt, logger)
		if attemptErr == nil {
			return decodeResult(encodedResult, output)
		}

		if !results.IsRetryable(attemptErr) {
			logger.WithError(attemptErr).WithField("attempt", attempt).Warn("Activity failed terminally")
			return attemptErr
		}
		if attempt >= policy.MaxAttempts {
			logger.WithError(attemptErr).WithField("attempt", attempt).Warn("Activity exhausted its retry attempts")
			return attemptErr
		}

		logger.WithError(attemptErr).WithField("attempt", attempt).Infof("Activity failed, retrying in %s", interval)
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(interval):
		}
		if interval = time.Duration(float64(interval) * policy.Coefficient); interval > policy.MaxInterval {
			interval = policy.MaxInterval
		}
		if canceled, err := c.store.CancelRequested(c.ctx, c.run.ID); err != nil {
			return err
		} else if canceled {
			return ErrCanceled
		}
	}
}

// attempt executes the activity once and records the resulting event.
func (c *Context) attempt(stepID, activity string, fn ActivityFunc, input []byte, opts ActivityOptions, attempt int, logger *logrus.Entry) (json.RawMessage, error) {
	actCtx := c.ctx
	cancel := context.CancelFunc(func() {})
	if opts.StartToClose > 0 {
		actCtx, cancel = context.WithTimeout(c.ctx, opts.StartToClose)
	}
	defer cancel()

	stopHeartbeat := c.heartbeat(actCtx, stepID, opts.HeartbeatInterval)
	started := time.Now()
	result, err := fn(actCtx, input)
	stopHeartbeat()
	if c.observer != nil {
		c.observer.ObserveActivity(c.run.Queue, c.run.Kind, activity, time.Since(started), err)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = results.ForReason(results.ReasonTimeoutExceeded).
				WithError(err).Errorf("activity %s exceeded its %s start-to-close timeout", activity, opts.StartToClose)
		}
		if recordErr := c.store.RecordEvent(c.ctx, &Event{
			RunID:   c.run.ID,
			StepID:  stepID,
			Kind:    EventKindActivity,
			Status:  EventFailed,
			Attempt: attempt,
			Error:   err.Error(),
		}); recordErr != nil {
			logger.WithError(recordErr).Error("Could not record failed activity event")
		}
		return nil, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("could not encode result of activity %s: %w", activity, err)
	}
	if err := c.store.RecordEvent(c.ctx, &Event{
		RunID:   c.run.ID,
		StepID:  stepID,
		Kind:    EventKindActivity,
		Status:  EventCompleted,
		Attempt: attempt,
		Result:  encoded,
	}); err != nil {
		return nil, fmt.Errorf("could not record completed activity event for step %s: %w", stepID, err)
	}
	return encoded, nil
}

// heartbeat records liveness on the event row every interval until the
// returned stop function is called. Zero disables heartbeats.
func (c *Context) heartbeat(ctx context.Context, stepID string, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.store.Heartbeat(context.Background(), c.run.ID, stepID); err != nil {
					c.logger.WithError(err).WithField("step", stepID).Warn("Could not record activity heartbeat")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// decodeResult writes a recorded result into the caller's output value.
// Results always pass through their recorded JSON form, so a replayed
// step and a freshly executed one observe identical values.
func decodeResult(encoded json.RawMessage, output interface{}) error {
	if output == nil || len(encoded) == 0 {
		return nil
	}
	if err := json.Unmarshal(encoded, output); err != nil {
		return fmt.Errorf("could not decode recorded activity result: %w", err)
	}
	return nil
}

// attemptBase continues the attempt count across worker restarts so
// retry budgets hold over resumes.
func attemptBase(prior *Event) int {
	if prior == nil {
		return 0
	}
	return prior.Attempt
}
