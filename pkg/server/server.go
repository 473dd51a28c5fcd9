// Package server exposes the provisioning and deployment control
// surface over HTTP. Mutating endpoints either write through the
// database in a single transaction or submit a durable workflow and
// return its identity; nothing long-running happens on the request
// path. Credentials arriving in request bodies are registered with the
// log censor and stripped before a configuration becomes workflow
// input.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/catalog"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/metrics"
	"github.com/computor/course-tools/pkg/provision"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/secrets"
	"github.com/computor/course-tools/pkg/workflow"
)

// maxRequestBytes bounds request bodies; deployment configurations are
// small YAML documents.
const maxRequestBytes = 1 << 20

// defaultActor attributes history entries when a request names nobody.
const defaultActor = "api"

type workflowClient interface {
	Submit(ctx context.Context, opts workflow.StartOptions) (*workflow.Run, error)
	Status(ctx context.Context, workflowID string) (*workflow.StatusReport, error)
}

type assignmentService interface {
	AssignExample(ctx context.Context, contentID, versionID uuid.UUID, actor string) (*api.CourseContentDeployment, error)
	UnassignExample(ctx context.Context, contentID uuid.UUID, actor string) (*api.CourseContentDeployment, error)
}

type organizationGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*api.Organization, error)
}

type courseFamilyGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*api.CourseFamily, error)
}

type courseGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*api.Course, error)
}

type versionResolver interface {
	ResolveForExample(ctx context.Context, exampleID uuid.UUID, constraint string) (*api.ExampleVersion, error)
}

type secretSink interface {
	AddSecrets(s ...string)
}

// Server routes control-surface requests to the workflow engine and
// the catalog.
type Server struct {
	workflows     workflowClient
	assignments   assignmentService
	organizations organizationGetter
	families      courseFamilyGetter
	courses       courseGetter
	resolver      versionResolver
	censor        secretSink
	ready         func(ctx context.Context) error
	logger        *logrus.Entry
	metrics       *metrics.Metrics
}

// Options configures the control surface.
type Options struct {
	// Ready reports whether the backing store is reachable and gates
	// the readiness endpoint.
	Ready   func(ctx context.Context) error
	Metrics *metrics.Metrics
}

// New assembles the control surface. The censor receives every
// credential that arrives in a request body before anything about the
// request is logged.
func New(workflows *workflow.Client, database *db.Database, resolver *catalog.Resolver, censor *secrets.DynamicCensor, logger *logrus.Entry, opts Options) *Server {
	return &Server{
		workflows:     workflows,
		assignments:   database,
		organizations: database.Organizations,
		families:      database.CourseFamilies,
		courses:       database.Courses,
		resolver:      resolver,
		censor:        censor,
		ready:         opts.Ready,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// Routes assembles the instrumented router for the control surface.
func (s *Server) Routes() http.Handler {
	router := newInstrumentedRouter(s.metrics)
	router.GET("/healthz", s.loggingWrapper(s.healthz))
	router.GET("/healthz/ready", s.loggingWrapper(s.readyz))
	router.POST("/system/deploy/organizations", s.loggingWrapper(s.deployOrganization))
	router.POST("/system/deploy/course-families", s.loggingWrapper(s.deployCourseFamily))
	router.POST("/system/deploy/courses", s.loggingWrapper(s.deployCourse))
	router.POST("/system/hierarchy/create", s.loggingWrapper(s.createHierarchy))
	router.GET("/system/hierarchy/status/:workflow_id", s.loggingWrapper(s.hierarchyStatus))
	router.POST("/system/courses/:course_id/generate-assignments", s.loggingWrapper(s.generateAssignments))
	router.POST("/system/courses/:course_id/generate-student-template", s.loggingWrapper(s.generateStudentTemplate))
	router.POST("/course-contents/:content_id/assign-example", s.loggingWrapper(s.assignExample))
	router.POST("/course-contents/:content_id/unassign-example", s.loggingWrapper(s.unassignExample))
	return router
}

// submitResponse acknowledges an accepted workflow submission.
type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// statusForReason maps the failure taxonomy onto HTTP status codes.
// Everything the caller can fix by changing the request is a 400.
func statusForReason(reason results.Reason) int {
	switch reason {
	case results.ReasonValidation, results.ReasonUnknownSlug, results.ReasonUnknownTag, results.ReasonNoMatchingVersion, results.ReasonDependencyCycle:
		return http.StatusBadRequest
	case results.ReasonNotFound:
		return http.StatusNotFound
	case results.ReasonConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(l *logrus.Entry, w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		l.WithError(err).Error("Could not write the response")
	}
}

func writeError(l *logrus.Entry, w http.ResponseWriter, err error) {
	reason := results.ReasonFor(err)
	statusCode := statusForReason(reason)
	if statusCode >= http.StatusInternalServerError {
		l.WithError(err).Error("Request failed")
	}
	writeJSON(l, w, statusCode, errorResponse{Error: err.Error(), Reason: string(reason)})
}

// decodeBody reads a YAML or JSON request body into out. An empty body
// leaves out untouched so optional payloads stay optional.
func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not read the request body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not parse the request body")
	}
	return nil
}

func actorOr(actor string) string {
	if actor == "" {
		return defaultActor
	}
	return actor
}

// validateCourseConfig extends the shared entity check with the
// course-specific fields.
func validateCourseConfig(config *api.CourseConfig) error {
	if err := provision.ValidateEntityConfig("course", config.Path, config.Name); err != nil {
		return err
	}
	var errs []error
	for i, backend := range config.ExecutionBackends {
		if backend.Slug == "" {
			errs = append(errs, fmt.Errorf("course.executionBackends[%d].slug is required", i))
		}
	}
	if config.Settings != nil && config.Settings.Source != nil && config.Settings.Source.URL == "" {
		errs = append(errs, fmt.Errorf("course.settings.source.url is required when a source is configured"))
	}
	if len(errs) > 0 {
		return results.ForReason(results.ReasonValidation).ForError(utilerrors.NewAggregate(errs))
	}
	return nil
}
