// Package provision owns the hierarchy provisioning workflows: it turns
// a declarative deployment configuration into organization, course
// family and course rows with their provider-side groups, projects and
// members subgroups. Every workflow is idempotent and resumable; the
// per-entity provisioning state machine is persisted on the entity's
// provider properties so operators can see how far a run got.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/git"
	"github.com/computor/course-tools/pkg/gitlab"
	"github.com/computor/course-tools/pkg/metrics"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/workflow"
)

// Queue is the task queue the provisioning workflows run on.
const Queue = "provision"

// Workflow kinds registered on the provision queue.
const (
	WorkflowCreateOrganization = "create-organization"
	WorkflowCreateCourseFamily = "create-course-family"
	WorkflowCreateCourse       = "create-course"
	WorkflowDeployHierarchy    = "deploy-hierarchy"
)

const (
	activityUpsertOrganization = "upsert-organization"
	activityUpsertCourseFamily = "upsert-course-family"
	activityUpsertCourse       = "upsert-course"
	activityEnsureGroup        = "ensure-group"
	activityCreateProjects     = "create-course-projects"
	activityCreateMembers      = "create-members-subgroups"
	activityPersistProps       = "persist-gitlab-props"
	activitySeedAssignments    = "seed-assignments-repo"
)

// Entity kinds as recorded in activity inputs and metrics labels.
const (
	entityOrganization = "organization"
	entityCourseFamily = "course-family"
	entityCourse       = "course"
)

// Project and subgroup paths provisioned under every course group.
const (
	projectAssignments     = "assignments"
	projectStudentTemplate = "student-template"
	projectReference       = "reference"
	groupStudents          = "students"
	groupTutors            = "tutors"
)

var (
	dbOptions       = workflow.ActivityOptions{StartToClose: 30 * time.Second}
	providerOptions = workflow.ActivityOptions{StartToClose: 2 * time.Minute}
	repoOptions     = workflow.ActivityOptions{StartToClose: 10 * time.Minute, HeartbeatInterval: 15 * time.Second}
)

// OrganizationWorkflowID derives the workflow identity for provisioning
// an organization. Runs for the same path serialize.
func OrganizationWorkflowID(path api.Path) string {
	return "provision-organization-" + path.String()
}

// CourseFamilyWorkflowID derives the workflow identity for provisioning
// a course family inside an organization.
func CourseFamilyWorkflowID(organizationID uuid.UUID, path api.Path) string {
	return fmt.Sprintf("provision-course-family-%s-%s", organizationID, path)
}

// CourseWorkflowID derives the workflow identity for provisioning a
// course inside a family.
func CourseWorkflowID(courseFamilyID uuid.UUID, path api.Path) string {
	return fmt.Sprintf("provision-course-%s-%s", courseFamilyID, path)
}

// HierarchyWorkflowID derives the workflow identity for a full
// hierarchy deployment from the configured paths.
func HierarchyWorkflowID(config *api.DeploymentConfig) string {
	return fmt.Sprintf("provision-hierarchy-%s.%s.%s", config.Organization.Path, config.CourseFamily.Path, config.Course.Path)
}

// OrganizationRequest starts the CreateOrganization workflow. The
// config must be sanitized before submission; workflow inputs are
// persisted verbatim.
type OrganizationRequest struct {
	Config api.OrganizationConfig `json:"config"`
}

// CourseFamilyRequest starts the CreateCourseFamily workflow.
type CourseFamilyRequest struct {
	OrganizationID uuid.UUID              `json:"organization_id"`
	Config         api.CourseFamilyConfig `json:"config"`
}

// CourseRequest starts the CreateCourse workflow. The config must be
// sanitized before submission.
type CourseRequest struct {
	CourseFamilyID uuid.UUID        `json:"course_family_id"`
	Config         api.CourseConfig `json:"config"`
}

// HierarchyRequest starts the DeployHierarchy workflow. The config must
// be sanitized before submission.
type HierarchyRequest struct {
	Config api.DeploymentConfig `json:"config"`
}

// OrganizationOutcome reports the provisioned organization.
type OrganizationOutcome struct {
	OrganizationID uuid.UUID        `json:"organization_id"`
	Group          *api.GitLabProps `json:"group"`
}

// CourseFamilyOutcome reports the provisioned course family.
type CourseFamilyOutcome struct {
	CourseFamilyID uuid.UUID        `json:"course_family_id"`
	Group          *api.GitLabProps `json:"group"`
}

// CourseOutcome reports the provisioned course with every provider
// resource created for it.
type CourseOutcome struct {
	CourseID     uuid.UUID               `json:"course_id"`
	Group        *api.GitLabProps        `json:"group"`
	Projects     *api.CourseProjects     `json:"projects"`
	MemberGroups *api.CourseMemberGroups `json:"member_groups"`
	Seeded       bool                    `json:"seeded"`
}

// HierarchyOutcome is the result of a full hierarchy deployment.
type HierarchyOutcome struct {
	Organization *OrganizationOutcome `json:"organization"`
	CourseFamily *CourseFamilyOutcome `json:"course_family"`
	Course       *CourseOutcome       `json:"course"`
}

type organizationStore interface {
	Upsert(ctx context.Context, org *api.Organization) error
	Get(ctx context.Context, id uuid.UUID) (*api.Organization, error)
	SetGitLabProps(ctx context.Context, id uuid.UUID, props *api.GitLabProps) error
}

type courseFamilyStore interface {
	Upsert(ctx context.Context, family *api.CourseFamily) error
	Get(ctx context.Context, id uuid.UUID) (*api.CourseFamily, error)
	SetGitLabProps(ctx context.Context, id uuid.UUID, props *api.GitLabProps) error
}

type courseStore interface {
	Upsert(ctx context.Context, course *api.Course) error
	Get(ctx context.Context, id uuid.UUID) (*api.Course, error)
	SetGitLabProps(ctx context.Context, id uuid.UUID, props *api.GitLabProps) error
	SetProjects(ctx context.Context, id uuid.UUID, projects *api.CourseProjects) error
	SetMemberGroups(ctx context.Context, id uuid.UUID, groups *api.CourseMemberGroups) error
}

// provider is the slice of the git host gateway the activities use.
type provider interface {
	EnsureGroup(ctx context.Context, spec gitlab.GroupSpec) (*api.GitLabProps, error)
	GroupByID(ctx context.Context, id int) (*api.GitLabProps, error)
	EnsureProject(ctx context.Context, spec gitlab.ProjectSpec) (*api.GitLabProps, error)
	ShareProjectWithGroup(ctx context.Context, projectID, groupID int, role gitlab.Role) error
}

// seedRepository is the slice of a git working copy the seed activity
// uses. *git.Repo implements it.
type seedRepository interface {
	PushTo(remoteURL, branch string) error
	Clean() error
}

type seedProvider func(logger *logrus.Entry, dir string, opts git.Options) (seedRepository, error)

// Options configures the provisioner.
type Options struct {
	// Token authenticates pushes into provisioned projects. It is
	// injected per call and never stored in workflow inputs or results.
	Token string
	// SeedToken optionally authenticates clones of course seed
	// repositories when they live behind credentials.
	SeedToken string
	// Branch is the default branch of provisioned projects.
	Branch string
	// WorkdirRoot hosts the seed working copies, os.TempDir() when
	// empty.
	WorkdirRoot string
	Identity    git.Identity
	Metrics     *metrics.Metrics
}

// Provisioner owns the provisioning workflows and their activities.
type Provisioner struct {
	organizations organizationStore
	families      courseFamilyStore
	courses       courseStore
	gateway       provider

	// providerHost rejects configurations that point at a different
	// provider instance than the one this process is bound to.
	providerHost string

	token       string
	seedToken   string
	branch      string
	workdirRoot string
	identity    git.Identity
	metrics     *metrics.Metrics
	logger      *logrus.Entry

	clone seedProvider
}

// New assembles the provisioner over the database and the git host
// gateway.
func New(database *db.Database, gateway *gitlab.Gateway, logger *logrus.Entry, opts Options) *Provisioner {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.WorkdirRoot == "" {
		opts.WorkdirRoot = os.TempDir()
	}
	return &Provisioner{
		organizations: database.Organizations,
		families:      database.CourseFamilies,
		courses:       database.Courses,
		gateway:       gateway,
		providerHost:  gateway.HTTPHost(),
		token:         opts.Token,
		seedToken:     opts.SeedToken,
		branch:        opts.Branch,
		workdirRoot:   opts.WorkdirRoot,
		identity:      opts.Identity,
		metrics:       opts.Metrics,
		logger:        logger,
		clone: func(logger *logrus.Entry, dir string, opts git.Options) (seedRepository, error) {
			return git.Clone(logger, dir, opts)
		},
	}
}

// Register wires the workflows and their activities onto a worker
// consuming the provision queue.
func (p *Provisioner) Register(worker *workflow.Worker) {
	worker.RegisterWorkflow(WorkflowCreateOrganization, p.CreateOrganization)
	worker.RegisterWorkflow(WorkflowCreateCourseFamily, p.CreateCourseFamily)
	worker.RegisterWorkflow(WorkflowCreateCourse, p.CreateCourse)
	worker.RegisterWorkflow(WorkflowDeployHierarchy, p.DeployHierarchy)
	worker.RegisterActivity(activityUpsertOrganization, p.upsertOrganization)
	worker.RegisterActivity(activityUpsertCourseFamily, p.upsertCourseFamily)
	worker.RegisterActivity(activityUpsertCourse, p.upsertCourse)
	worker.RegisterActivity(activityEnsureGroup, p.ensureGroup)
	worker.RegisterActivity(activityCreateProjects, p.createCourseProjects)
	worker.RegisterActivity(activityCreateMembers, p.createMembersSubgroups)
	worker.RegisterActivity(activityPersistProps, p.persistProps)
	worker.RegisterActivity(activitySeedAssignments, p.seedAssignmentsRepo)
}

// CreateOrganization provisions one organization: the database row and
// its provider group, optionally nested under a configured parent.
func (p *Provisioner) CreateOrganization(wctx *workflow.Context) (interface{}, error) {
	var req OrganizationRequest
	if err := wctx.Input(&req); err != nil {
		return nil, err
	}
	if err := ValidateEntityConfig("organization", req.Config.Path, req.Config.Name); err != nil {
		return nil, err
	}
	return p.provisionOrganization(wctx, stepper{}, req.Config)
}

// CreateCourseFamily provisions one course family under an organization
// that already carries a provider group.
func (p *Provisioner) CreateCourseFamily(wctx *workflow.Context) (interface{}, error) {
	var req CourseFamilyRequest
	if err := wctx.Input(&req); err != nil {
		return nil, err
	}
	if req.OrganizationID == uuid.Nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("organization_id is required"))
	}
	if err := ValidateEntityConfig("courseFamily", req.Config.Path, req.Config.Name); err != nil {
		return nil, err
	}
	return p.provisionCourseFamily(wctx, stepper{}, req.Config, req.OrganizationID)
}

// CreateCourse provisions one course under a family: the course group,
// the assignments, student-template and reference projects, the
// students and tutors subgroups with their access grants, and the
// optional seed of the assignments project.
func (p *Provisioner) CreateCourse(wctx *workflow.Context) (interface{}, error) {
	var req CourseRequest
	if err := wctx.Input(&req); err != nil {
		return nil, err
	}
	if req.CourseFamilyID == uuid.Nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("course_family_id is required"))
	}
	if err := ValidateEntityConfig("course", req.Config.Path, req.Config.Name); err != nil {
		return nil, err
	}
	return p.provisionCourse(wctx, stepper{}, req.Config, req.CourseFamilyID)
}

// DeployHierarchy provisions the full organization, course family and
// course chain in dependency order under a single workflow id.
func (p *Provisioner) DeployHierarchy(wctx *workflow.Context) (interface{}, error) {
	var req HierarchyRequest
	if err := wctx.Input(&req); err != nil {
		return nil, err
	}
	if err := req.Config.ValidateResources(); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}

	organization, err := p.provisionOrganization(wctx, stepper{prefix: entityOrganization}, req.Config.Organization)
	if err != nil {
		return nil, err
	}
	family, err := p.provisionCourseFamily(wctx, stepper{prefix: entityCourseFamily}, req.Config.CourseFamily, organization.OrganizationID)
	if err != nil {
		return nil, err
	}
	course, err := p.provisionCourse(wctx, stepper{prefix: entityCourse}, req.Config.Course, family.CourseFamilyID)
	if err != nil {
		return nil, err
	}
	return &HierarchyOutcome{Organization: organization, CourseFamily: family, Course: course}, nil
}

// stepper namespaces step ids so the hierarchy workflow can run the
// same flows as the standalone workflows without colliding replay keys.
type stepper struct {
	prefix string
}

func (s stepper) step(parts ...string) string {
	if s.prefix == "" {
		return workflow.Step(parts...)
	}
	return workflow.Step(append([]string{s.prefix}, parts...)...)
}

func (p *Provisioner) provisionOrganization(wctx *workflow.Context, steps stepper, config api.OrganizationConfig) (*OrganizationOutcome, error) {
	var upserted upsertOrganizationResult
	if err := wctx.ExecuteActivity(steps.step(activityUpsertOrganization), activityUpsertOrganization, &upsertOrganizationRequest{
		Config: config.Sanitized(),
	}, &upserted, dbOptions); err != nil {
		return nil, err
	}

	var group api.GitLabProps
	if err := wctx.ExecuteActivity(steps.step(activityEnsureGroup), activityEnsureGroup, &ensureGroupRequest{
		Spec: gitlab.GroupSpec{
			Name:        config.Name,
			Path:        string(config.Path),
			Description: config.Description,
			ParentID:    config.GitLab.Parent,
			CachedID:    upserted.CachedGroupID,
		},
	}, &group, providerOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityOrganization, upserted.OrganizationID, err)
	}

	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "provider-created"), activityPersistProps, &persistPropsRequest{
		Entity: entityOrganization,
		ID:     upserted.OrganizationID,
		State:  api.ProvisioningProviderCreated,
		Group:  &group,
	}, nil, dbOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityOrganization, upserted.OrganizationID, err)
	}
	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "ready"), activityPersistProps, &persistPropsRequest{
		Entity: entityOrganization,
		ID:     upserted.OrganizationID,
		State:  api.ProvisioningReady,
	}, nil, dbOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityOrganization, upserted.OrganizationID, err)
	}

	return &OrganizationOutcome{OrganizationID: upserted.OrganizationID, Group: &group}, nil
}

func (p *Provisioner) provisionCourseFamily(wctx *workflow.Context, steps stepper, config api.CourseFamilyConfig, organizationID uuid.UUID) (*CourseFamilyOutcome, error) {
	var upserted upsertCourseFamilyResult
	if err := wctx.ExecuteActivity(steps.step(activityUpsertCourseFamily), activityUpsertCourseFamily, &upsertCourseFamilyRequest{
		OrganizationID: organizationID,
		Config:         config,
	}, &upserted, dbOptions); err != nil {
		return nil, err
	}

	var group api.GitLabProps
	if err := wctx.ExecuteActivity(steps.step(activityEnsureGroup), activityEnsureGroup, &ensureGroupRequest{
		Spec: gitlab.GroupSpec{
			Name:           config.Name,
			Path:           string(config.Path),
			Description:    config.Description,
			ParentID:       upserted.OrganizationGroupID,
			ParentFullPath: upserted.OrganizationFullPath,
			CachedID:       upserted.CachedGroupID,
		},
	}, &group, providerOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourseFamily, upserted.CourseFamilyID, err)
	}

	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "provider-created"), activityPersistProps, &persistPropsRequest{
		Entity: entityCourseFamily,
		ID:     upserted.CourseFamilyID,
		State:  api.ProvisioningProviderCreated,
		Group:  &group,
	}, nil, dbOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourseFamily, upserted.CourseFamilyID, err)
	}
	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "ready"), activityPersistProps, &persistPropsRequest{
		Entity: entityCourseFamily,
		ID:     upserted.CourseFamilyID,
		State:  api.ProvisioningReady,
	}, nil, dbOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourseFamily, upserted.CourseFamilyID, err)
	}

	return &CourseFamilyOutcome{CourseFamilyID: upserted.CourseFamilyID, Group: &group}, nil
}

func (p *Provisioner) provisionCourse(wctx *workflow.Context, steps stepper, config api.CourseConfig, courseFamilyID uuid.UUID) (*CourseOutcome, error) {
	var upserted upsertCourseResult
	if err := wctx.ExecuteActivity(steps.step(activityUpsertCourse), activityUpsertCourse, &upsertCourseRequest{
		CourseFamilyID: courseFamilyID,
		Config:         config.Sanitized(),
	}, &upserted, dbOptions); err != nil {
		return nil, err
	}

	var group api.GitLabProps
	if err := wctx.ExecuteActivity(steps.step(activityEnsureGroup), activityEnsureGroup, &ensureGroupRequest{
		Spec: gitlab.GroupSpec{
			Name:           config.Name,
			Path:           string(config.Path),
			Description:    config.Description,
			ParentID:       upserted.FamilyGroupID,
			ParentFullPath: upserted.FamilyFullPath,
			CachedID:       upserted.CachedGroupID,
		},
	}, &group, providerOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourse, upserted.CourseID, err)
	}

	seedURL := ""
	if config.Settings != nil && config.Settings.Source != nil {
		seedURL = config.Settings.Source.URL
	}

	var projects projectsResult
	if err := wctx.ExecuteActivity(steps.step(activityCreateProjects), activityCreateProjects, &projectsRequest{
		NamespaceID:       group.GroupID,
		NamespaceFullPath: group.FullPath,
		Cached:            upserted.Projects,
		// A seeded assignments project starts empty so the seed push is
		// its initial history.
		InitializeAssignments: seedURL == "",
	}, &projects, providerOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourse, upserted.CourseID, err)
	}

	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "provider-created"), activityPersistProps, &persistPropsRequest{
		Entity:   entityCourse,
		ID:       upserted.CourseID,
		State:    api.ProvisioningProviderCreated,
		Group:    &group,
		Projects: projects.Projects,
	}, nil, dbOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourse, upserted.CourseID, err)
	}

	var members membersResult
	if err := wctx.ExecuteActivity(steps.step(activityCreateMembers), activityCreateMembers, &membersRequest{
		CourseGroupID:       group.GroupID,
		CourseGroupFullPath: group.FullPath,
		Cached:              upserted.MemberGroups,
		Projects:            projects.Projects,
	}, &members, providerOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourse, upserted.CourseID, err)
	}

	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "members-seeded"), activityPersistProps, &persistPropsRequest{
		Entity:       entityCourse,
		ID:           upserted.CourseID,
		State:        api.ProvisioningMembersSeeded,
		MemberGroups: members.MemberGroups,
	}, nil, dbOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourse, upserted.CourseID, err)
	}

	seeded := false
	if seedURL != "" && !upserted.assignmentsExisted() {
		var seed seedResult
		if err := wctx.ExecuteActivity(steps.step(activitySeedAssignments), activitySeedAssignments, &seedRequest{
			SourceURL: seedURL,
			CloneURL:  projects.Projects.Assignments.CloneURL,
			Dir:       p.workdir(wctx.RunID()),
		}, &seed, repoOptions); err != nil {
			return nil, p.markFailed(wctx, steps, entityCourse, upserted.CourseID, err)
		}
		seeded = seed.Seeded
	}

	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "ready"), activityPersistProps, &persistPropsRequest{
		Entity: entityCourse,
		ID:     upserted.CourseID,
		State:  api.ProvisioningReady,
	}, nil, dbOptions); err != nil {
		return nil, p.markFailed(wctx, steps, entityCourse, upserted.CourseID, err)
	}

	return &CourseOutcome{
		CourseID:     upserted.CourseID,
		Group:        &group,
		Projects:     projects.Projects,
		MemberGroups: members.MemberGroups,
		Seeded:       seeded,
	}, nil
}

// markFailed records the terminal provisioning state on the entity and
// hands the original error back so the run fails with its reason.
func (p *Provisioner) markFailed(wctx *workflow.Context, steps stepper, entity string, id uuid.UUID, cause error) error {
	if id == uuid.Nil {
		return cause
	}
	if err := wctx.ExecuteActivity(steps.step(activityPersistProps, "failure"), activityPersistProps, &persistPropsRequest{
		Entity:      entity,
		ID:          id,
		State:       api.ProvisioningFailed,
		StateReason: cause.Error(),
	}, nil, dbOptions); err != nil {
		wctx.Logger().WithError(err).Error("Could not record the provisioning failure")
	}
	return cause
}

// workdir derives the per-run seed working directory, deterministic per
// run so a resumed run reattaches to the same location.
func (p *Provisioner) workdir(runID string) string {
	return filepath.Join(p.workdirRoot, "seed-"+runID)
}

// ValidateEntityConfig checks the shape every hierarchy entity shares:
// a single-label path and a display name. The control surface runs it
// before submitting a workflow so malformed requests are rejected
// instead of producing a run that is doomed to fail.
func ValidateEntityConfig(field string, path api.Path, name string) error {
	if path == "" {
		return results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("%s.path is required", field))
	}
	if _, err := api.ParsePath(string(path)); err != nil {
		return results.ForReason(results.ReasonValidation).WithError(err).Errorf("%s.path is invalid", field)
	}
	if path.NLevel() != 1 {
		return results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("%s.path must be a single label, got %q", field, path))
	}
	if name == "" {
		return results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("%s.name is required", field))
	}
	return nil
}

type upsertOrganizationRequest struct {
	Config api.OrganizationConfig `json:"config"`
}

type upsertOrganizationResult struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CachedGroupID  int       `json:"cached_group_id,omitempty"`
}

// upsertOrganization creates or adopts the organization row and records
// the db_created provisioning state. The previously cached provider
// group id rides along so the provider step can look it up first.
func (p *Provisioner) upsertOrganization(ctx context.Context, input []byte) (interface{}, error) {
	var req upsertOrganizationRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if err := p.checkProviderHost(req.Config.GitLab.URL); err != nil {
		return nil, err
	}
	org := &api.Organization{
		Path:        req.Config.Path,
		Name:        req.Config.Name,
		Description: req.Config.Description,
	}
	if err := p.organizations.Upsert(ctx, org); err != nil {
		return nil, err
	}
	if err := p.persistState(ctx, entityOrganization, org.ID, org.GitLab, api.ProvisioningDBCreated, "", nil, nil); err != nil {
		return nil, err
	}
	result := &upsertOrganizationResult{OrganizationID: org.ID}
	if org.GitLab != nil {
		result.CachedGroupID = org.GitLab.GroupID
	}
	return result, nil
}

type upsertCourseFamilyRequest struct {
	OrganizationID uuid.UUID              `json:"organization_id"`
	Config         api.CourseFamilyConfig `json:"config"`
}

type upsertCourseFamilyResult struct {
	CourseFamilyID       uuid.UUID `json:"course_family_id"`
	CachedGroupID        int       `json:"cached_group_id,omitempty"`
	OrganizationGroupID  int       `json:"organization_group_id"`
	OrganizationFullPath string    `json:"organization_full_path"`
}

// upsertCourseFamily creates or adopts the family row. The organization
// must already carry a provider group, since the family group nests
// under it.
func (p *Provisioner) upsertCourseFamily(ctx context.Context, input []byte) (interface{}, error) {
	var req upsertCourseFamilyRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	org, err := p.organizations.Get(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org.GitLab == nil || org.GitLab.GroupID == 0 {
		return nil, results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("organization %s has no provider group yet, provision the organization first", org.Path))
	}
	family := &api.CourseFamily{
		OrganizationID: org.ID,
		Path:           req.Config.Path,
		Name:           req.Config.Name,
		Description:    req.Config.Description,
	}
	if err := p.families.Upsert(ctx, family); err != nil {
		return nil, err
	}
	if err := p.persistState(ctx, entityCourseFamily, family.ID, family.GitLab, api.ProvisioningDBCreated, "", nil, nil); err != nil {
		return nil, err
	}
	result := &upsertCourseFamilyResult{
		CourseFamilyID:       family.ID,
		OrganizationGroupID:  org.GitLab.GroupID,
		OrganizationFullPath: org.GitLab.FullPath,
	}
	if family.GitLab != nil {
		result.CachedGroupID = family.GitLab.GroupID
	}
	return result, nil
}

type upsertCourseRequest struct {
	CourseFamilyID uuid.UUID        `json:"course_family_id"`
	Config         api.CourseConfig `json:"config"`
}

type upsertCourseResult struct {
	CourseID       uuid.UUID `json:"course_id"`
	CachedGroupID  int       `json:"cached_group_id,omitempty"`
	FamilyGroupID  int       `json:"family_group_id"`
	FamilyFullPath string    `json:"family_full_path"`
	// Projects and MemberGroups carry the provider ids recorded by a
	// previous provisioning of the same course, if any.
	Projects     *api.CourseProjects     `json:"projects,omitempty"`
	MemberGroups *api.CourseMemberGroups `json:"member_groups,omitempty"`
}

func (r *upsertCourseResult) assignmentsExisted() bool {
	return r.Projects != nil && r.Projects.Assignments != nil && r.Projects.Assignments.ProjectID != 0
}

// upsertCourse creates or adopts the course row. The family must
// already carry a provider group.
func (p *Provisioner) upsertCourse(ctx context.Context, input []byte) (interface{}, error) {
	var req upsertCourseRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	family, err := p.families.Get(ctx, req.CourseFamilyID)
	if err != nil {
		return nil, err
	}
	if family.GitLab == nil || family.GitLab.GroupID == 0 {
		return nil, results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("course family %s has no provider group yet, provision the family first", family.Path))
	}
	course := &api.Course{
		CourseFamilyID: family.ID,
		Path:           req.Config.Path,
		Name:           req.Config.Name,
		Description:    req.Config.Description,
		Settings:       req.Config.CourseSettings(),
	}
	if err := p.courses.Upsert(ctx, course); err != nil {
		return nil, err
	}
	if err := p.persistState(ctx, entityCourse, course.ID, course.GitLab, api.ProvisioningDBCreated, "", nil, nil); err != nil {
		return nil, err
	}
	result := &upsertCourseResult{
		CourseID:       course.ID,
		FamilyGroupID:  family.GitLab.GroupID,
		FamilyFullPath: family.GitLab.FullPath,
		Projects:       course.Projects,
		MemberGroups:   course.MemberGroups,
	}
	if course.GitLab != nil {
		result.CachedGroupID = course.GitLab.GroupID
	}
	return result, nil
}

type ensureGroupRequest struct {
	Spec gitlab.GroupSpec `json:"spec"`
}

// ensureGroup finds or creates one provider group. A configured parent
// id without a known full path is resolved first so path lookups stay
// scoped to the right namespace.
func (p *Provisioner) ensureGroup(ctx context.Context, input []byte) (interface{}, error) {
	var req ensureGroupRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if req.Spec.ParentID != 0 && req.Spec.ParentFullPath == "" {
		parent, err := p.gateway.GroupByID(ctx, req.Spec.ParentID)
		if err != nil {
			return nil, err
		}
		req.Spec.ParentFullPath = parent.FullPath
	}
	return p.gateway.EnsureGroup(ctx, req.Spec)
}

type projectsRequest struct {
	NamespaceID       int                 `json:"namespace_id"`
	NamespaceFullPath string              `json:"namespace_full_path"`
	Cached            *api.CourseProjects `json:"cached,omitempty"`
	// InitializeAssignments controls whether the assignments project
	// starts with a README. Seeded courses leave it empty.
	InitializeAssignments bool `json:"initialize_assignments"`
}

type projectsResult struct {
	Projects *api.CourseProjects `json:"projects"`
}

// createCourseProjects ensures the three repositories every course
// carries: assignments, student-template and reference.
func (p *Provisioner) createCourseProjects(ctx context.Context, input []byte) (interface{}, error) {
	var req projectsRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	var cachedAssignments, cachedTemplate, cachedReference int
	if req.Cached != nil {
		if req.Cached.Assignments != nil {
			cachedAssignments = req.Cached.Assignments.ProjectID
		}
		if req.Cached.StudentTemplate != nil {
			cachedTemplate = req.Cached.StudentTemplate.ProjectID
		}
		if req.Cached.Reference != nil {
			cachedReference = req.Cached.Reference.ProjectID
		}
	}

	spec := gitlab.ProjectSpec{
		NamespaceID:       req.NamespaceID,
		NamespaceFullPath: req.NamespaceFullPath,
		DefaultBranch:     p.branch,
	}

	assignments := spec
	assignments.Name = "Assignments"
	assignments.Path = projectAssignments
	assignments.Description = "Deployed assignments, managed by the course orchestrator"
	assignments.Initialize = req.InitializeAssignments
	assignments.CachedID = cachedAssignments
	assignmentsProps, err := p.gateway.EnsureProject(ctx, assignments)
	if err != nil {
		return nil, err
	}

	studentTemplate := spec
	studentTemplate.Name = "Student Template"
	studentTemplate.Path = projectStudentTemplate
	studentTemplate.Description = "Student-facing starter tree, managed by the course orchestrator"
	studentTemplate.Initialize = true
	studentTemplate.CachedID = cachedTemplate
	templateProps, err := p.gateway.EnsureProject(ctx, studentTemplate)
	if err != nil {
		return nil, err
	}

	reference := spec
	reference.Name = "Reference"
	reference.Path = projectReference
	reference.Description = "Reference solutions and instructor material"
	reference.Initialize = true
	reference.CachedID = cachedReference
	referenceProps, err := p.gateway.EnsureProject(ctx, reference)
	if err != nil {
		return nil, err
	}

	return &projectsResult{Projects: &api.CourseProjects{
		Assignments:     assignmentsProps,
		StudentTemplate: templateProps,
		Reference:       referenceProps,
	}}, nil
}

type membersRequest struct {
	CourseGroupID       int                     `json:"course_group_id"`
	CourseGroupFullPath string                  `json:"course_group_full_path"`
	Cached              *api.CourseMemberGroups `json:"cached,omitempty"`
	Projects            *api.CourseProjects     `json:"projects"`
}

type membersResult struct {
	MemberGroups *api.CourseMemberGroups `json:"member_groups"`
}

// createMembersSubgroups ensures the students and tutors subgroups and
// grants them access to the course projects: students read the student
// template, tutors write all three repositories.
func (p *Provisioner) createMembersSubgroups(ctx context.Context, input []byte) (interface{}, error) {
	var req membersRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if req.Projects == nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("course projects must be created before the members subgroups"))
	}
	var cachedStudents, cachedTutors int
	if req.Cached != nil {
		if req.Cached.Students != nil {
			cachedStudents = req.Cached.Students.GroupID
		}
		if req.Cached.Tutors != nil {
			cachedTutors = req.Cached.Tutors.GroupID
		}
	}

	students, err := p.gateway.EnsureGroup(ctx, gitlab.GroupSpec{
		Name:           "Students",
		Path:           groupStudents,
		ParentID:       req.CourseGroupID,
		ParentFullPath: req.CourseGroupFullPath,
		CachedID:       cachedStudents,
	})
	if err != nil {
		return nil, err
	}
	tutors, err := p.gateway.EnsureGroup(ctx, gitlab.GroupSpec{
		Name:           "Tutors",
		Path:           groupTutors,
		ParentID:       req.CourseGroupID,
		ParentFullPath: req.CourseGroupFullPath,
		CachedID:       cachedTutors,
	})
	if err != nil {
		return nil, err
	}

	for _, grant := range []struct {
		project *api.GitLabProps
		group   *api.GitLabProps
		role    gitlab.Role
	}{
		{project: req.Projects.StudentTemplate, group: students, role: gitlab.RoleRead},
		{project: req.Projects.Assignments, group: tutors, role: gitlab.RoleReadWrite},
		{project: req.Projects.StudentTemplate, group: tutors, role: gitlab.RoleReadWrite},
		{project: req.Projects.Reference, group: tutors, role: gitlab.RoleReadWrite},
	} {
		if grant.project == nil {
			continue
		}
		if err := p.gateway.ShareProjectWithGroup(ctx, grant.project.ProjectID, grant.group.GroupID, grant.role); err != nil {
			return nil, err
		}
	}

	return &membersResult{MemberGroups: &api.CourseMemberGroups{Students: students, Tutors: tutors}}, nil
}

type persistPropsRequest struct {
	Entity       string                  `json:"entity"`
	ID           uuid.UUID               `json:"id"`
	State        api.ProvisioningState   `json:"state"`
	StateReason  string                  `json:"state_reason,omitempty"`
	Group        *api.GitLabProps        `json:"group,omitempty"`
	Projects     *api.CourseProjects     `json:"projects,omitempty"`
	MemberGroups *api.CourseMemberGroups `json:"member_groups,omitempty"`
}

type persistPropsResult struct {
	State api.ProvisioningState `json:"state"`
}

// persistProps writes provider properties and the provisioning state
// back onto the owning entity. Group properties replace the cached
// ones when provided; state-only transitions keep them.
func (p *Provisioner) persistProps(ctx context.Context, input []byte) (interface{}, error) {
	var req persistPropsRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	switch req.Entity {
	case entityOrganization:
		org, err := p.organizations.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if err := p.persistState(ctx, req.Entity, req.ID, org.GitLab, req.State, req.StateReason, req.Group, nil); err != nil {
			return nil, err
		}
	case entityCourseFamily:
		family, err := p.families.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if err := p.persistState(ctx, req.Entity, req.ID, family.GitLab, req.State, req.StateReason, req.Group, nil); err != nil {
			return nil, err
		}
	case entityCourse:
		course, err := p.courses.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		extra := func(ctx context.Context) error {
			if req.Projects != nil {
				if err := p.courses.SetProjects(ctx, req.ID, req.Projects); err != nil {
					return err
				}
			}
			if req.MemberGroups != nil {
				return p.courses.SetMemberGroups(ctx, req.ID, req.MemberGroups)
			}
			return nil
		}
		if err := p.persistState(ctx, req.Entity, req.ID, course.GitLab, req.State, req.StateReason, req.Group, extra); err != nil {
			return nil, err
		}
	default:
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("unknown entity kind %q", req.Entity))
	}
	return &persistPropsResult{State: req.State}, nil
}

// persistState merges the state transition into the entity's provider
// properties and stores them, plus any entity-specific extras.
func (p *Provisioner) persistState(ctx context.Context, entity string, id uuid.UUID, existing *api.GitLabProps, state api.ProvisioningState, reason string, group *api.GitLabProps, extra func(context.Context) error) error {
	props := mergeProps(existing, group, state, reason)
	var err error
	switch entity {
	case entityOrganization:
		err = p.organizations.SetGitLabProps(ctx, id, props)
	case entityCourseFamily:
		err = p.families.SetGitLabProps(ctx, id, props)
	case entityCourse:
		err = p.courses.SetGitLabProps(ctx, id, props)
	default:
		return results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("unknown entity kind %q", entity))
	}
	if err != nil {
		return err
	}
	if extra != nil {
		if err := extra(ctx); err != nil {
			return err
		}
	}
	p.metrics.RecordProvisioningTransition(entity, string(state))
	return nil
}

// mergeProps layers a state transition over the entity's provider
// properties. Fresh group properties win over cached ones; state-only
// transitions keep whatever the entity already carries.
func mergeProps(existing, group *api.GitLabProps, state api.ProvisioningState, reason string) *api.GitLabProps {
	props := &api.GitLabProps{}
	if existing != nil {
		*props = *existing
	}
	if group != nil {
		*props = *group
	}
	props.State = state
	props.StateReason = reason
	return props
}

type seedRequest struct {
	SourceURL string `json:"source_url"`
	CloneURL  string `json:"clone_url"`
	Dir       string `json:"dir"`
}

type seedResult struct {
	Seeded bool `json:"seeded"`
}

// seedAssignmentsRepo clones the configured source repository and
// pushes its branch into the fresh assignments project. Tokens are
// injected into both URLs per call and never persisted.
func (p *Provisioner) seedAssignmentsRepo(ctx context.Context, input []byte) (interface{}, error) {
	var req seedRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if req.CloneURL == "" {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("the assignments project has no clone URL"))
	}
	if err := os.RemoveAll(req.Dir); err != nil {
		return nil, fmt.Errorf("could not clear seed working directory: %w", err)
	}

	source := req.SourceURL
	if p.seedToken != "" {
		authenticated, err := git.AuthenticatedURL(source, p.seedToken)
		if err != nil {
			return nil, results.ForReason(results.ReasonValidation).ForError(err)
		}
		source = authenticated
	}
	repo, err := p.clone(p.logger, req.Dir, git.Options{RemoteURL: source, Branch: p.branch, Identity: p.identity})
	if err != nil {
		return nil, err
	}

	target := req.CloneURL
	if p.token != "" {
		authenticated, err := git.AuthenticatedURL(req.CloneURL, p.token)
		if err != nil {
			return nil, results.ForReason(results.ReasonValidation).ForError(err)
		}
		target = authenticated
	}
	if err := repo.PushTo(target, p.branch); err != nil {
		return nil, err
	}
	if err := repo.Clean(); err != nil {
		p.logger.WithError(err).Warn("Could not clean up the seed working copy")
	}
	return &seedResult{Seeded: true}, nil
}

// checkProviderHost rejects configurations pointing at a different
// provider than the one this process authenticates against.
func (p *Provisioner) checkProviderHost(rawURL string) error {
	if rawURL == "" || p.providerHost == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not parse the configured provider URL")
	}
	boundHost := p.providerHost
	if idx := strings.IndexByte(boundHost, '/'); idx >= 0 {
		boundHost = boundHost[:idx]
	}
	if parsed.Host != boundHost {
		return results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("this orchestrator provisions %s, not %s", boundHost, parsed.Host))
	}
	return nil
}
