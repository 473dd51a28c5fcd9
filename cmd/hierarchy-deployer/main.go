// The hierarchy-deployer reads a deployment configuration, submits it
// to a running course-orchestrator and waits for the provisioning
// workflow to reach a terminal state. The exit code tells automation
// what went wrong: 0 success, 2 invalid configuration, 3 unresolved
// dependency or cycle, 4 provider unreachable, 5 conflicting
// concurrent workflow.
package main

import (
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

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/prow/pkg/interrupts"
	"sigs.k8s.io/prow/pkg/logrusutil"
	"sigs.k8s.io/prow/pkg/version"
	"sigs.k8s.io/yaml"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/secrets"
	"github.com/computor/course-tools/pkg/workflow"
)

type options struct {
	configPath       string
	orchestratorAddr string
	timeout          time.Duration
	pollInterval     time.Duration
	logLevel         string
}

func gatherOptions() (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to the deployment configuration YAML")
	fs.StringVar(&o.orchestratorAddr, "orchestrator-addr", "http://127.0.0.1:8080", "The address under which the course-orchestrator can be reached")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Minute, "How long to wait for the provisioning workflow to finish")
	fs.DurationVar(&o.pollInterval, "poll-interval", 10*time.Second, "How often to poll the workflow status")
	fs.StringVar(&o.logLevel, "log-level", "info", "Level at which to log output.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	var errs []error
	if o.configPath == "" {
		errs = append(errs, errors.New("--config is required"))
	}
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid --log-level: %w", err))
	}
	return o, utilerrors.NewAggregate(errs)
}

func main() {
	version.Name = "hierarchy-deployer"
	logrusutil.ComponentInit()
	o, err := gatherOptions()
	if err != nil {
		logrus.WithError(err).Fatal("failed to get options")
	}
	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)

	go func() {
		interrupts.WaitForGracefulShutdown()
		os.Exit(results.ExitError)
	}()

	censor := secrets.NewDynamicCensor()
	logrus.SetFormatter(censor.Formatter(logrus.StandardLogger().Formatter))

	os.Exit(run(o, &censor))
}

func run(o *options, censor *secrets.DynamicCensor) int {
	raw, err := os.ReadFile(o.configPath)
	if err != nil {
		logrus.WithError(err).Error("Failed to read the deployment configuration")
		return results.ExitInvalidConfiguration
	}
	var config api.DeploymentConfig
	if err := yaml.UnmarshalStrict(raw, &config); err != nil {
		logrus.WithError(err).Error("Failed to parse the deployment configuration")
		return results.ExitInvalidConfiguration
	}
	// Tokens are registered before validation so no later log line can
	// leak them, whichever way the run goes.
	censor.AddSecrets(config.Secrets()...)
	if err := config.Validate(); err != nil {
		logrus.WithError(err).Error("The deployment configuration is invalid")
		return results.ExitInvalidConfiguration
	}

	client := retryingClient()
	workflowID, exit := submit(client, o.orchestratorAddr, raw)
	if exit != results.ExitOK {
		return exit
	}
	logrus.WithField("workflow_id", workflowID).Info("Submitted hierarchy deployment")
	return await(client, o.orchestratorAddr, workflowID, o.timeout, o.pollInterval)
}

// submit posts the raw configuration and returns the workflow id, or a
// non-zero exit code describing why submission failed.
func submit(client *retryablehttp.Client, addr string, config []byte) (string, int) {
	resp, err := client.Post(addr+"/system/hierarchy/create", "application/yaml", config)
	if err != nil {
		logrus.WithError(err).Error("Could not reach the orchestrator")
		return "", results.ExitProviderUnreachable
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logrus.WithError(err).Error("Could not read the orchestrator response")
		return "", results.ExitProviderUnreachable
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", submissionExitCode(resp.StatusCode, body)
	}
	var accepted struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil || accepted.WorkflowID == "" {
		logrus.WithField("body", string(body)).Error("The orchestrator response carried no workflow id")
		return "", results.ExitError
	}
	return accepted.WorkflowID, results.ExitOK
}

// submissionExitCode maps a rejected submission to an exit code,
// preferring the reason in the response body over the bare status code.
func submissionExitCode(statusCode int, body []byte) int {
	var failure struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &failure); err == nil && failure.Reason != "" {
		logrus.WithField("reason", failure.Reason).Error(failure.Error)
		return results.ExitCodeFor(results.Reason(failure.Reason))
	}
	logrus.WithField("status", statusCode).Errorf("The orchestrator rejected the submission: %s", strings.TrimSpace(string(body)))
	switch {
	case statusCode == http.StatusConflict:
		return results.ExitConflict
	case statusCode >= 400 && statusCode < 500:
		return results.ExitInvalidConfiguration
	default:
		return results.ExitProviderUnreachable
	}
}

// await polls the workflow status until it is terminal or the timeout
// elapses. Transient poll failures do not abort the wait.
func await(client *retryablehttp.Client, addr, workflowID string, timeout, interval time.Duration) int {
	logger := logrus.WithField("workflow_id", workflowID)
	deadline := time.Now().Add(timeout)
	for {
		report, err := fetchStatus(client, addr, workflowID)
		switch {
		case err != nil:
			logger.WithError(err).Warn("Could not fetch the workflow status")
		case report.Status == workflow.StatusCompleted:
			logger.Info("Hierarchy deployment finished")
			return results.ExitOK
		case report.Status == workflow.StatusFailed:
			logger.WithField("error", report.Error).Error("Hierarchy deployment failed")
			return results.ExitCodeFor(reasonOfRunError(report.Error))
		case report.Status == workflow.StatusCanceled:
			logger.Error("Hierarchy deployment was canceled")
			return results.ExitError
		default:
			logger.WithField("step", report.CurrentStep).Debug("Hierarchy deployment still running")
		}
		if time.Now().After(deadline) {
			logger.Error("Timed out waiting for the hierarchy deployment")
			return results.ExitError
		}
		time.Sleep(interval)
	}
}

// fetchStatus retrieves one status report.
func fetchStatus(client *retryablehttp.Client, addr, workflowID string) (*workflow.StatusReport, error) {
	resp, err := client.Get(addr + "/system/hierarchy/status/" + workflowID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	report := &workflow.StatusReport{}
	if err := json.Unmarshal(body, report); err != nil {
		return nil, fmt.Errorf("could not decode the status report: %w", err)
	}
	return report, nil
}

// reasonOfRunError extracts the outermost failure reason from a run
// error of the form "<reason[:reason...]>: message".
func reasonOfRunError(message string) results.Reason {
	head, _, found := strings.Cut(message, ":")
	if !found {
		return results.ReasonUnknown
	}
	return results.Reason(strings.TrimSpace(head))
}

func retryingClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = adapter{}
	return client
}

// adapter lets retryablehttp log through logrus.
type adapter struct{}

var _ retryablehttp.LeveledLogger = adapter{}

func (adapter) format(msg string, keysAndValues []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return b.String()
}

func (a adapter) Error(msg string, keysAndValues ...interface{}) {
	logrus.Error(a.format(msg, keysAndValues))
}

func (a adapter) Info(msg string, keysAndValues ...interface{}) {
	logrus.Info(a.format(msg, keysAndValues))
}

func (a adapter) Debug(msg string, keysAndValues ...interface{}) {
	logrus.Debug(a.format(msg, keysAndValues))
}

func (a adapter) Warn(msg string, keysAndValues ...interface{}) {
	logrus.Warn(a.format(msg, keysAndValues))
}
