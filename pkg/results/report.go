package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Options holds the configuration for delivering terminal workflow run
// outcomes to an external aggregation endpoint.
type Options struct {
	address      string
	username     string
	passwordFile string
}

// Bind adds flags for the options.
func (o *Options) Bind(fs *flag.FlagSet) {
	fs.StringVar(&o.address, "report-address", "", "Address of the endpoint that aggregates run outcomes. Reporting is disabled when empty.")
	fs.StringVar(&o.username, "report-username", "", "Username for the aggregation endpoint.")
	fs.StringVar(&o.passwordFile, "report-password-file", "", "File holding the password for the aggregation endpoint.")
}

// Validate ensures that options are set correctly.
func (o *Options) Validate() error {
	numSet := 0
	for _, field := range []string{o.username, o.passwordFile} {
		if field != "" {
			numSet++
		}
	}
	if numSet != 0 && numSet != 2 {
		return errors.New("--report-{username|password-file} must be set together or not at all")
	}
	return nil
}

// secretSink registers credentials with the log censor.
type secretSink interface {
	AddSecrets(s ...string)
}

// Reporter builds the configured reporter. The password read from disk
// is registered with the censor before anything can log it.
func (o *Options) Reporter(censor secretSink) (Reporter, error) {
	if o.address == "" {
		return &noopReporter{}, nil
	}
	var password string
	if o.passwordFile != "" {
		raw, err := os.ReadFile(o.passwordFile)
		if err != nil {
			return nil, fmt.Errorf("could not read password file %q: %w", o.passwordFile, err)
		}
		password = strings.TrimSpace(string(raw))
		if censor != nil {
			censor.AddSecrets(password)
		}
	}
	// Reports go out on the worker loop, so retries stay short.
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.HTTPClient.Timeout = 10 * time.Second
	retryClient.Logger = adapter{}
	return &reporter{
		client:   retryClient.StandardClient(),
		address:  o.address,
		username: o.username,
		password: password,
	}, nil
}

// Request holds the data used to report a run outcome to an
// aggregation server.
type Request struct {
	// WorkflowID is the identity of the run being reported.
	WorkflowID string `json:"workflow_id"`
	// Queue and Kind locate the workflow that produced the outcome.
	Queue string `json:"queue"`
	Kind  string `json:"kind"`
	// State is "succeeded" or "failed".
	State string `json:"state"`
	// Reason is a colon-delimited list of reasons for failure.
	Reason string `json:"reason,omitempty"`
}

const (
	StateSucceeded string = "succeeded"
	StateFailed    string = "failed"
)

// Reporter delivers terminal run outcomes.
type Reporter interface {
	// Report sends a report for this outcome to an aggregation server.
	// This action is best-effort and errors are logged but not exposed.
	// Err may be nil, in which case a success is reported.
	Report(workflowID, queue, kind string, err error)
}

type noopReporter struct{}

func (r *noopReporter) Report(workflowID, queue, kind string, err error) {}

type reporter struct {
	client             *http.Client
	username, password string
	address            string
}

func (r *reporter) Report(workflowID, queue, kind string, runErr error) {
	state := StateSucceeded
	reason := ""
	if runErr != nil {
		state = StateFailed
		reason = FullReason(runErr)
	}
	request := Request{
		WorkflowID: workflowID,
		Queue:      queue,
		Kind:       kind,
		State:      state,
		Reason:     reason,
	}
	data, err := json.Marshal(request)
	if err != nil {
		logrus.Tracef("could not marshal report request: %v", err)
		return
	}
	logrus.WithField("workflow_id", workflowID).Infof("Reporting run state %q with reason %q", request.State, request.Reason)
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/result", r.address), bytes.NewReader(data))
	if err != nil {
		logrus.Tracef("could not create report request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		logrus.Tracef("could not send report request: %v", err)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Tracef("could not close report response: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logrus.Tracef("response for report was not 200: %s", string(body))
	}
}

// adapter lets the retrying HTTP client log through logrus.
type adapter struct{}

func (a adapter) format(s string, i ...interface{}) string {
	builder := strings.Builder{}
	builder.WriteString(s)
	for _, x := range i {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%v", x))
	}
	return builder.String()
}

func (a adapter) Error(s string, i ...interface{}) {
	logrus.Error(a.format(s, i...))
}

func (a adapter) Info(s string, i ...interface{}) {
	logrus.Info(a.format(s, i...))
}

func (a adapter) Debug(s string, i ...interface{}) {
	logrus.Debug(a.format(s, i...))
}

func (a adapter) Warn(s string, i ...interface{}) {
	logrus.Warn(a.format(s, i...))
}

var _ retryablehttp.LeveledLogger = adapter{}
