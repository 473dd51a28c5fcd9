package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/deploy"
	"github.com/computor/course-tools/pkg/provision"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/workflow"
)

func (s *Server) healthz(_ *logrus.Entry, w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) readyz(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			l.WithError(err).Warn("Readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deployOrganization(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var config api.OrganizationConfig
	if err := decodeBody(w, r, &config); err != nil {
		writeError(l, w, err)
		return
	}
	s.censor.AddSecrets(config.Secrets()...)
	if err := provision.ValidateEntityConfig("organization", config.Path, config.Name); err != nil {
		writeError(l, w, err)
		return
	}
	if config.GitLab.URL == "" {
		writeError(l, w, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("organization.gitlab.url is required")))
		return
	}
	run, err := s.workflows.Submit(r.Context(), workflow.StartOptions{
		WorkflowID: provision.OrganizationWorkflowID(config.Path),
		Queue:      provision.Queue,
		Kind:       provision.WorkflowCreateOrganization,
		Input:      &provision.OrganizationRequest{Config: config.Sanitized()},
	})
	if err != nil {
		writeError(l, w, err)
		return
	}
	l.WithField("workflow", run.WorkflowID).Info("Accepted organization deployment")
	writeJSON(l, w, http.StatusAccepted, submitResponse{WorkflowID: run.WorkflowID})
}

// deployCourseFamilyRequest is the body of the standalone course-family
// endpoint: the entity description plus the organization it lives in.
type deployCourseFamilyRequest struct {
	OrganizationID uuid.UUID `json:"organizationId"`
	Path           api.Path  `json:"path"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
}

func (s *Server) deployCourseFamily(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload deployCourseFamilyRequest
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(l, w, err)
		return
	}
	if payload.OrganizationID == uuid.Nil {
		writeError(l, w, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("organizationId is required")))
		return
	}
	config := api.CourseFamilyConfig{Path: payload.Path, Name: payload.Name, Description: payload.Description}
	if err := provision.ValidateEntityConfig("courseFamily", config.Path, config.Name); err != nil {
		writeError(l, w, err)
		return
	}
	if _, err := s.organizations.Get(r.Context(), payload.OrganizationID); err != nil {
		writeError(l, w, err)
		return
	}
	run, err := s.workflows.Submit(r.Context(), workflow.StartOptions{
		WorkflowID: provision.CourseFamilyWorkflowID(payload.OrganizationID, config.Path),
		Queue:      provision.Queue,
		Kind:       provision.WorkflowCreateCourseFamily,
		Input:      &provision.CourseFamilyRequest{OrganizationID: payload.OrganizationID, Config: config},
	})
	if err != nil {
		writeError(l, w, err)
		return
	}
	l.WithField("workflow", run.WorkflowID).Info("Accepted course family deployment")
	writeJSON(l, w, http.StatusAccepted, submitResponse{WorkflowID: run.WorkflowID})
}

// deployCourseRequest is the body of the standalone course endpoint.
type deployCourseRequest struct {
	CourseFamilyID    uuid.UUID                    `json:"courseFamilyId"`
	Path              api.Path                     `json:"path"`
	Name              string                       `json:"name"`
	Description       string                       `json:"description,omitempty"`
	ExecutionBackends []api.CourseExecutionBackend `json:"executionBackends,omitempty"`
	Settings          *api.CourseSettingsConfig    `json:"settings,omitempty"`
}

func (s *Server) deployCourse(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload deployCourseRequest
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(l, w, err)
		return
	}
	config := api.CourseConfig{
		Path:              payload.Path,
		Name:              payload.Name,
		Description:       payload.Description,
		ExecutionBackends: payload.ExecutionBackends,
		Settings:          payload.Settings,
	}
	s.censor.AddSecrets(config.Secrets()...)
	if payload.CourseFamilyID == uuid.Nil {
		writeError(l, w, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("courseFamilyId is required")))
		return
	}
	if err := validateCourseConfig(&config); err != nil {
		writeError(l, w, err)
		return
	}
	if _, err := s.families.Get(r.Context(), payload.CourseFamilyID); err != nil {
		writeError(l, w, err)
		return
	}
	run, err := s.workflows.Submit(r.Context(), workflow.StartOptions{
		WorkflowID: provision.CourseWorkflowID(payload.CourseFamilyID, config.Path),
		Queue:      provision.Queue,
		Kind:       provision.WorkflowCreateCourse,
		Input:      &provision.CourseRequest{CourseFamilyID: payload.CourseFamilyID, Config: config.Sanitized()},
	})
	if err != nil {
		writeError(l, w, err)
		return
	}
	l.WithField("workflow", run.WorkflowID).Info("Accepted course deployment")
	writeJSON(l, w, http.StatusAccepted, submitResponse{WorkflowID: run.WorkflowID})
}

func (s *Server) createHierarchy(l *logrus.Entry, w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var config api.DeploymentConfig
	if err := decodeBody(w, r, &config); err != nil {
		writeError(l, w, err)
		return
	}
	// Tokens are registered before validation so no later log line can
	// leak them, whichever way the request goes.
	s.censor.AddSecrets(config.Secrets()...)
	if err := config.Validate(); err != nil {
		writeError(l, w, results.ForReason(results.ReasonValidation).ForError(err))
		return
	}
	run, err := s.workflows.Submit(r.Context(), workflow.StartOptions{
		WorkflowID: provision.HierarchyWorkflowID(&config),
		Queue:      provision.Queue,
		Kind:       provision.WorkflowDeployHierarchy,
		Input:      &provision.HierarchyRequest{Config: *config.Sanitized()},
	})
	if err != nil {
		writeError(l, w, err)
		return
	}
	l.WithField("workflow", run.WorkflowID).Info("Accepted hierarchy deployment")
	writeJSON(l, w, http.StatusAccepted, submitResponse{WorkflowID: run.WorkflowID})
}

func (s *Server) hierarchyStatus(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	report, err := s.workflows.Status(r.Context(), params.ByName("workflow_id"))
	if err != nil {
		writeError(l, w, err)
		return
	}
	writeJSON(l, w, http.StatusOK, report)
}

// actorPayload is the optional body of trigger endpoints.
type actorPayload struct {
	Actor string `json:"actor,omitempty"`
}

func (s *Server) generateAssignments(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.triggerCourseWorkflow(l, w, r, params, deploy.WorkflowGenerateAssignments, deploy.AssignmentsWorkflowID)
}

func (s *Server) generateStudentTemplate(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.triggerCourseWorkflow(l, w, r, params, deploy.WorkflowGenerateStudentTemplate, deploy.TemplateWorkflowID)
}

func (s *Server) triggerCourseWorkflow(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params, kind string, workflowID func(uuid.UUID) string) {
	courseID, err := uuid.Parse(params.ByName("course_id"))
	if err != nil {
		writeError(l, w, results.ForReason(results.ReasonValidation).WithError(err).Errorf("course_id is not a valid UUID"))
		return
	}
	var payload actorPayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(l, w, err)
		return
	}
	if _, err := s.courses.Get(r.Context(), courseID); err != nil {
		writeError(l, w, err)
		return
	}
	run, err := s.workflows.Submit(r.Context(), workflow.StartOptions{
		WorkflowID: workflowID(courseID),
		Queue:      deploy.Queue,
		Kind:       kind,
		Input:      &deploy.Request{CourseID: courseID, Actor: actorOr(payload.Actor)},
	})
	if err != nil {
		writeError(l, w, err)
		return
	}
	l.WithField("workflow", run.WorkflowID).WithField("course", courseID).Info("Accepted deployment run")
	writeJSON(l, w, http.StatusAccepted, submitResponse{WorkflowID: run.WorkflowID})
}

// assignExampleRequest binds an example version to a course content,
// either pinned by version id or resolved from a constraint.
type assignExampleRequest struct {
	ExampleVersionID  uuid.UUID `json:"exampleVersionId,omitempty"`
	ExampleID         uuid.UUID `json:"exampleId,omitempty"`
	VersionConstraint string    `json:"versionConstraint,omitempty"`
	Actor             string    `json:"actor,omitempty"`
}

func (s *Server) assignExample(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	contentID, err := uuid.Parse(params.ByName("content_id"))
	if err != nil {
		writeError(l, w, results.ForReason(results.ReasonValidation).WithError(err).Errorf("content_id is not a valid UUID"))
		return
	}
	var payload assignExampleRequest
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(l, w, err)
		return
	}
	switch {
	case payload.ExampleVersionID == uuid.Nil && payload.ExampleID == uuid.Nil:
		writeError(l, w, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("either exampleVersionId or exampleId is required")))
		return
	case payload.ExampleVersionID != uuid.Nil && payload.ExampleID != uuid.Nil:
		writeError(l, w, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("exampleVersionId and exampleId are mutually exclusive")))
		return
	case payload.ExampleVersionID != uuid.Nil && payload.VersionConstraint != "":
		writeError(l, w, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("versionConstraint only applies when assigning by exampleId")))
		return
	}
	versionID := payload.ExampleVersionID
	if payload.ExampleID != uuid.Nil {
		version, err := s.resolver.ResolveForExample(r.Context(), payload.ExampleID, payload.VersionConstraint)
		if err != nil {
			writeError(l, w, err)
			return
		}
		versionID = version.ID
	}
	deployment, err := s.assignments.AssignExample(r.Context(), contentID, versionID, actorOr(payload.Actor))
	if err != nil {
		writeError(l, w, err)
		return
	}
	l.WithField("content", contentID).WithField("version", versionID).Info("Assigned example version")
	writeJSON(l, w, http.StatusOK, deployment)
}

func (s *Server) unassignExample(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	contentID, err := uuid.Parse(params.ByName("content_id"))
	if err != nil {
		writeError(l, w, results.ForReason(results.ReasonValidation).WithError(err).Errorf("content_id is not a valid UUID"))
		return
	}
	var payload actorPayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(l, w, err)
		return
	}
	deployment, err := s.assignments.UnassignExample(r.Context(), contentID, actorOr(payload.Actor))
	if err != nil {
		writeError(l, w, err)
		return
	}
	l.WithField("content", contentID).Info("Unassigned example")
	writeJSON(l, w, http.StatusOK, deployment)
}
