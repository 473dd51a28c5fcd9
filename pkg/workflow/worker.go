package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/results"
)

// Observer receives execution outcomes for metrics. Implementations
// must be safe for concurrent use.
type Observer interface {
	ObserveActivity(queue, kind, activity string, duration time.Duration, err error)
	ObserveRun(queue, kind string, status Status, duration time.Duration)
}

// WorkerOptions tune the polling loop. The zero value is usable.
type WorkerOptions struct {
	// Concurrency caps how many runs execute on this worker at once.
	Concurrency int
	// PollInterval is the idle wait between lease attempts.
	PollInterval time.Duration
	// LeaseFor is how long a claimed run stays invisible to other
	// workers; leases are renewed at a third of this.
	LeaseFor time.Duration
	Observer Observer
	// Reporter receives every terminal run outcome. Delivery is
	// best-effort; may be nil.
	Reporter results.Reporter
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency == 0 {
		o.Concurrency = 4
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseFor == 0 {
		o.LeaseFor = time.Minute
	}
	return o
}

// Worker executes runs leased from its queues. Workflow functions are
// registered per kind, activities per name; registration happens at
// process init, before Run is called.
type Worker struct {
	store  Store
	queues []string
	owner  string
	logger *logrus.Entry
	opts   WorkerOptions

	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc
}

// NewWorker builds a worker polling the given queues.
func NewWorker(store Store, queues []string, logger *logrus.Entry, opts WorkerOptions) *Worker {
	hostname, _ := os.Hostname()
	return &Worker{
		store:      store,
		queues:     queues,
		owner:      fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		logger:     logger.WithField("queues", queues),
		opts:       opts.withDefaults(),
		workflows:  map[string]WorkflowFunc{},
		activities: map[string]ActivityFunc{},
	}
}

// RegisterWorkflow binds a workflow kind to its function. Registering
// the same kind twice is a programming error and panics at init time.
func (w *Worker) RegisterWorkflow(kind string, fn WorkflowFunc) {
	if _, exists := w.workflows[kind]; exists {
		panic(fmt.Sprintf("workflow kind %q registered twice", kind))
	}
	w.workflows[kind] = fn
}

// RegisterActivity binds an activity name to its function.
func (w *Worker) RegisterActivity(name string, fn ActivityFunc) {
	if _, exists := w.activities[name]; exists {
		panic(fmt.Sprintf("activity %q registered twice", name))
	}
	w.activities[name] = fn
}

// Run polls for runs until ctx is canceled, then drains in-flight
// executions before returning.
func (w *Worker) Run(ctx context.Context) {
	w.logger.WithField("owner", w.owner).Info("Worker started")
	slots := make(chan struct{}, w.opts.Concurrency)
	var inFlight sync.WaitGroup

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker draining in-flight runs")
			inFlight.Wait()
			w.logger.Info("Worker stopped")
			return
		case <-ticker.C:
		}

		for len(slots) < cap(slots) {
			run, err := w.store.LeaseRun(ctx, w.queues, w.owner, w.opts.LeaseFor)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.WithError(err).Error("Could not lease a run")
				}
				break
			}
			if run == nil {
				break
			}
			slots <- struct{}{}
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				defer func() { <-slots }()
				w.execute(ctx, run)
			}()
		}
	}
}

// execute drives one leased run to a terminal state. Loss of the lease
// cancels the run context so activities stop cooperatively while another
// worker takes over.
func (w *Worker) execute(ctx context.Context, run *Run) {
	logger := w.logger.WithFields(logrus.Fields{
		"workflow_id": run.WorkflowID,
		"run_id":      run.ID,
		"kind":        run.Kind,
		"attempt":     run.Attempt,
	})

	fn, registered := w.workflows[run.Kind]
	if !registered {
		logger.Error("No workflow registered for kind, failing run")
		w.complete(run, logger, StatusFailed, nil, fmt.Sprintf("no workflow registered for kind %q", run.Kind))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopRenewal := w.renewLease(runCtx, run, cancel, logger)
	defer stopRenewal()

	logger.Info("Executing workflow")
	started := time.Now()
	result, err := fn(newContext(runCtx, run, w.store, w.activities, logger, w.opts.Observer))

	status := StatusCompleted
	message := ""
	var encoded json.RawMessage
	switch {
	case err == nil:
		if result != nil {
			if encoded, err = json.Marshal(result); err != nil {
				status = StatusFailed
				message = fmt.Sprintf("could not encode workflow result: %v", err)
			}
		}
	case IsCanceled(err):
		status = StatusCanceled
		message = err.Error()
	case runCtx.Err() != nil:
		// Shutdown or a lost lease, not a workflow failure: leave the
		// run RUNNING so the next lease resumes it from the event log.
		logger.Info("Workflow interrupted, leaving run for resumption")
		return
	default:
		status = StatusFailed
		message = fmt.Sprintf("%s: %v", results.FullReason(err), err)
	}

	w.complete(run, logger, status, encoded, message)
	if w.opts.Observer != nil {
		w.opts.Observer.ObserveRun(run.Queue, run.Kind, status, time.Since(started))
	}
	if w.opts.Reporter != nil {
		w.opts.Reporter.Report(run.WorkflowID, run.Queue, run.Kind, err)
	}
}

func (w *Worker) complete(run *Run, logger *logrus.Entry, status Status, result json.RawMessage, message string) {
	// Completion must go through even when the worker context is done.
	completeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.store.CompleteRun(completeCtx, run.ID, status, result, message); err != nil {
		logger.WithError(err).Error("Could not record run completion")
		return
	}
	if status == StatusCompleted {
		logger.Info("Workflow completed")
	} else {
		logger.WithField("error", message).Infof("Workflow finished %s", status)
	}
}

// renewLease keeps the lease alive while the run executes. A failed
// renewal means another worker owns the run now, so the local execution
// is canceled.
func (w *Worker) renewLease(ctx context.Context, run *Run, cancel context.CancelFunc, logger *logrus.Entry) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(w.opts.LeaseFor / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.RenewLease(ctx, run.ID, w.owner, w.opts.LeaseFor); err != nil {
					logger.WithError(err).Warn("Lost the run lease, canceling local execution")
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
