package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/catalog"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/git"
	"github.com/computor/course-tools/pkg/metrics"
	"github.com/computor/course-tools/pkg/objstore"
	"github.com/computor/course-tools/pkg/plan"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/template"
	"github.com/computor/course-tools/pkg/workflow"
)

// Queue is the task queue the deployment workflows run on.
const Queue = "deploy"

// Workflow kinds registered on the deploy queue.
const (
	WorkflowGenerateAssignments     = "generate-assignments"
	WorkflowGenerateStudentTemplate = "generate-student-template"
)

const (
	activityLoadPlan           = "load-plan"
	activityPrepareWorkdir     = "prepare-workdir"
	activityDeployContent      = "deploy-content"
	activityDeployDependencies = "deploy-dependencies"
	activityRenderTemplate     = "render-template"
	activityCommitAndPush      = "commit-and-push"
	activityRecordResults      = "record-results"
)

const (
	targetAssignments     = "assignments"
	targetStudentTemplate = "student-template"
)

var (
	dbOptions    = workflow.ActivityOptions{StartToClose: 2 * time.Minute}
	planOptions  = workflow.ActivityOptions{StartToClose: 30 * time.Second}
	repoOptions  = workflow.ActivityOptions{StartToClose: 10 * time.Minute, HeartbeatInterval: 15 * time.Second}
	storeOptions = workflow.ActivityOptions{StartToClose: 5 * time.Minute, HeartbeatInterval: 15 * time.Second}
)

// AssignmentsWorkflowID derives the workflow identity for assignment
// deployments of a course. Deployments of one course serialize because
// the engine rejects a second run of the same id while one is RUNNING.
func AssignmentsWorkflowID(courseID uuid.UUID) string {
	return "deploy-course-" + courseID.String()
}

// TemplateWorkflowID derives the workflow identity for student
// template generation of a course.
func TemplateWorkflowID(courseID uuid.UUID) string {
	return "student-template-" + courseID.String()
}

// Request starts one of the deployment workflows.
type Request struct {
	CourseID uuid.UUID `json:"course_id"`
	// Actor is recorded on the history entries the run appends.
	Actor string `json:"actor,omitempty"`
}

// ContentOutcome is the per-content result of a run.
type ContentOutcome struct {
	ContentID    uuid.UUID `json:"content_id"`
	DeploymentID uuid.UUID `json:"deployment_id"`
	Path         api.Path  `json:"path"`
	VersionID    uuid.UUID `json:"version_id"`
	VersionTag   string    `json:"version_tag"`
	Files        int       `json:"files,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
}

func (o ContentOutcome) failed() bool { return o.Error != "" }

// DependencyOutcome is the result of one implicit dependency.
type DependencyOutcome struct {
	Identifier api.Path `json:"identifier"`
	VersionTag string   `json:"version_tag"`
	Files      int      `json:"files,omitempty"`
	Error      string   `json:"error,omitempty"`
	ErrorKind  string   `json:"error_kind,omitempty"`
}

func (o DependencyOutcome) failed() bool { return o.Error != "" }

// Report is the workflow result served by the status endpoint.
type Report struct {
	CourseID     uuid.UUID           `json:"course_id"`
	Target       string              `json:"target,omitempty"`
	CommitSHA    string              `json:"commit_sha,omitempty"`
	Committed    bool                `json:"committed"`
	Contents     []ContentOutcome    `json:"contents,omitempty"`
	Dependencies []DependencyOutcome `json:"dependencies,omitempty"`
	Pruned       []string            `json:"pruned,omitempty"`
}

// FailureCount counts the outcomes that did not succeed.
func (r *Report) FailureCount() int {
	failed := 0
	for _, content := range r.Contents {
		if content.failed() {
			failed++
		}
	}
	for _, dependency := range r.Dependencies {
		if dependency.failed() {
			failed++
		}
	}
	return failed
}

func (r *Report) firstFailureReason() results.Reason {
	for _, content := range r.Contents {
		if content.failed() {
			return results.Reason(content.ErrorKind)
		}
	}
	for _, dependency := range r.Dependencies {
		if dependency.failed() {
			return results.Reason(dependency.ErrorKind)
		}
	}
	return results.ReasonUnknown
}

type planBuilder interface {
	BuildPlan(ctx context.Context, courseID uuid.UUID) (*plan.Plan, error)
}

type courseGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*api.Course, error)
}

type deploymentRecorder interface {
	SetStatus(ctx context.Context, id uuid.UUID, status api.DeploymentStatus, workflowID string) error
	MarkDeployed(ctx context.Context, id uuid.UUID, deployedPath api.Path, metadata *api.DeploymentMetadata) error
	MarkFailed(ctx context.Context, id uuid.UUID, metadata *api.DeploymentMetadata) error
}

type historyAppender interface {
	Append(ctx context.Context, entry *api.DeploymentHistory) error
}

type fileStore interface {
	DownloadPrefix(ctx context.Context, bucket, prefix string) (map[string][]byte, error)
}

// repository is the slice of a git working copy the activities use.
// *git.Repo implements it; tests script one in memory.
type repository interface {
	Directory() string
	AddAll() error
	Commit(message string) (bool, error)
	HeadSHA() (string, error)
	Push() error
	Clean() error
}

type repoProvider func(logger *logrus.Entry, dir string, opts git.Options) (repository, error)

// Options configures the deployer.
type Options struct {
	// Token authenticates clone and push URLs. It is injected per call
	// and never stored in workflow inputs or results.
	Token string
	// Branch is the target branch in the course repositories.
	Branch string
	// WorkdirRoot hosts the per-run working copies, os.TempDir() when
	// empty.
	WorkdirRoot string
	Identity    git.Identity
	Metrics     *metrics.Metrics
}

// Deployer owns the deployment workflows and their activities.
type Deployer struct {
	courses     courseGetter
	deployments deploymentRecorder
	history     historyAppender
	planner     planBuilder
	files       fileStore
	bucket      string

	token       string
	branch      string
	workdirRoot string
	identity    git.Identity
	metrics     *metrics.Metrics
	logger      *logrus.Entry

	clone repoProvider
	open  repoProvider
}

// New assembles the deployer over the database, the planner and the
// object store gateway.
func New(database *db.Database, planner *plan.Planner, files *objstore.Client, logger *logrus.Entry, opts Options) *Deployer {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.WorkdirRoot == "" {
		opts.WorkdirRoot = os.TempDir()
	}
	return &Deployer{
		courses:     database.Courses,
		deployments: database.Deployments,
		history:     database.History,
		planner:     planner,
		files:       files,
		bucket:      files.Bucket,
		token:       opts.Token,
		branch:      opts.Branch,
		workdirRoot: opts.WorkdirRoot,
		identity:    opts.Identity,
		metrics:     opts.Metrics,
		logger:      logger,
		clone: func(logger *logrus.Entry, dir string, opts git.Options) (repository, error) {
			return git.Clone(logger, dir, opts)
		},
		open: func(logger *logrus.Entry, dir string, opts git.Options) (repository, error) {
			return git.Open(logger, dir, opts)
		},
	}
}

// Register wires the workflows and their activities onto a worker
// consuming the deploy queue.
func (d *Deployer) Register(worker *workflow.Worker) {
	worker.RegisterWorkflow(WorkflowGenerateAssignments, d.GenerateAssignments)
	worker.RegisterWorkflow(WorkflowGenerateStudentTemplate, d.GenerateStudentTemplate)
	worker.RegisterActivity(activityLoadPlan, d.loadPlan)
	worker.RegisterActivity(activityPrepareWorkdir, d.prepareWorkdir)
	worker.RegisterActivity(activityDeployContent, d.deployContent)
	worker.RegisterActivity(activityDeployDependencies, d.deployDependencies)
	worker.RegisterActivity(activityRenderTemplate, d.renderTemplate)
	worker.RegisterActivity(activityCommitAndPush, d.commitAndPush)
	worker.RegisterActivity(activityRecordResults, d.recordResults)
}

// GenerateAssignments makes the assignments repository of a course
// reflect its current deployment plan: every bound version is
// materialized at the content's path, implicit dependencies land under
// _deps, stale managed files are removed, and the outcome is recorded
// per deployment. Item failures are isolated; the run fails in
// aggregate when any item failed.
func (d *Deployer) GenerateAssignments(wctx *workflow.Context) (interface{}, error) {
	var req Request
	if err := wctx.Input(&req); err != nil {
		return nil, err
	}
	if req.CourseID == uuid.Nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("course_id is required"))
	}

	var loaded loadPlanResult
	if err := wctx.ExecuteActivity(workflow.Step(activityLoadPlan), activityLoadPlan, &loadPlanRequest{
		CourseID:   req.CourseID,
		Target:     targetAssignments,
		WorkflowID: wctx.WorkflowID(),
		Actor:      req.Actor,
	}, &loaded, planOptions); err != nil {
		return nil, err
	}
	if len(loaded.Plan.Items) == 0 && len(loaded.Plan.Dependencies) == 0 {
		wctx.Logger().Info("Nothing is assigned, skipping deployment")
		return &Report{CourseID: req.CourseID, Target: targetAssignments}, nil
	}

	dir := d.workdir(targetAssignments, wctx.RunID())
	var workdir workdirResult
	if err := wctx.ExecuteActivity(workflow.Step(activityPrepareWorkdir), activityPrepareWorkdir, &workdirRequest{
		Dir:      dir,
		CloneURL: loaded.CloneURL,
	}, &workdir, repoOptions); err != nil {
		return nil, d.failAll(wctx, req, targetAssignments, loaded.Plan, err)
	}

	var contents deployContentResult
	if err := wctx.ExecuteActivity(workflow.Step(activityDeployContent), activityDeployContent, &deployContentRequest{
		Dir:      dir,
		CloneURL: loaded.CloneURL,
		Items:    loaded.Plan.Items,
	}, &contents, storeOptions); err != nil {
		return nil, d.failAll(wctx, req, targetAssignments, loaded.Plan, err)
	}

	var dependencies deployDependenciesResult
	if err := wctx.ExecuteActivity(workflow.Step(activityDeployDependencies), activityDeployDependencies, &deployDependenciesRequest{
		Dir:          dir,
		CloneURL:     loaded.CloneURL,
		Dependencies: loaded.Plan.Dependencies,
	}, &dependencies, storeOptions); err != nil {
		return nil, d.failAll(wctx, req, targetAssignments, loaded.Plan, err)
	}

	var pushed commitResult
	if err := wctx.ExecuteActivity(workflow.Step(activityCommitAndPush), activityCommitAndPush, &commitRequest{
		Dir:      dir,
		CloneURL: loaded.CloneURL,
		Message:  assignmentsCommitMessage(contents.Contents, dependencies.Dependencies, dependencies.Pruned),
	}, &pushed, repoOptions); err != nil {
		return nil, d.failAll(wctx, req, targetAssignments, loaded.Plan, err)
	}

	var report Report
	if err := wctx.ExecuteActivity(workflow.Step(activityRecordResults), activityRecordResults, &recordResultsRequest{
		CourseID:     req.CourseID,
		Target:       targetAssignments,
		WorkflowID:   wctx.WorkflowID(),
		Actor:        req.Actor,
		CommitSHA:    pushed.CommitSHA,
		Committed:    pushed.Committed,
		Contents:     contents.Contents,
		Dependencies: dependencies.Dependencies,
		Pruned:       dependencies.Pruned,
	}, &report, dbOptions); err != nil {
		return nil, err
	}

	if failed := report.FailureCount(); failed > 0 {
		return nil, results.ForReason(report.firstFailureReason()).
			ForError(fmt.Errorf("%d of %d deployments failed", failed, len(report.Contents)+len(report.Dependencies)))
	}
	return &report, nil
}

// GenerateStudentTemplate derives the student-facing tree of a course
// from the pinned example versions and pushes it to the
// student-template repository. It re-derives from the sources rather
// than copying the assignments tree, so the template stays
// authoritative even when the assignments repository was edited.
func (d *Deployer) GenerateStudentTemplate(wctx *workflow.Context) (interface{}, error) {
	var req Request
	if err := wctx.Input(&req); err != nil {
		return nil, err
	}
	if req.CourseID == uuid.Nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("course_id is required"))
	}

	var loaded loadPlanResult
	if err := wctx.ExecuteActivity(workflow.Step(activityLoadPlan), activityLoadPlan, &loadPlanRequest{
		CourseID:   req.CourseID,
		Target:     targetStudentTemplate,
		WorkflowID: wctx.WorkflowID(),
		Actor:      req.Actor,
	}, &loaded, planOptions); err != nil {
		return nil, err
	}
	if len(loaded.Plan.Items) == 0 {
		wctx.Logger().Info("Nothing is assigned, skipping template generation")
		return &Report{CourseID: req.CourseID, Target: targetStudentTemplate}, nil
	}

	dir := d.workdir(targetStudentTemplate, wctx.RunID())
	var workdir workdirResult
	if err := wctx.ExecuteActivity(workflow.Step(activityPrepareWorkdir), activityPrepareWorkdir, &workdirRequest{
		Dir:      dir,
		CloneURL: loaded.CloneURL,
	}, &workdir, repoOptions); err != nil {
		return nil, d.failAll(wctx, req, targetStudentTemplate, loaded.Plan, err)
	}

	var rendered deployContentResult
	if err := wctx.ExecuteActivity(workflow.Step(activityRenderTemplate), activityRenderTemplate, &deployContentRequest{
		Dir:      dir,
		CloneURL: loaded.CloneURL,
		Items:    loaded.Plan.Items,
	}, &rendered, storeOptions); err != nil {
		return nil, d.failAll(wctx, req, targetStudentTemplate, loaded.Plan, err)
	}

	var pushed commitResult
	if err := wctx.ExecuteActivity(workflow.Step(activityCommitAndPush), activityCommitAndPush, &commitRequest{
		Dir:      dir,
		CloneURL: loaded.CloneURL,
		Message:  templateCommitMessage(rendered.Contents),
	}, &pushed, repoOptions); err != nil {
		return nil, d.failAll(wctx, req, targetStudentTemplate, loaded.Plan, err)
	}

	var report Report
	if err := wctx.ExecuteActivity(workflow.Step(activityRecordResults), activityRecordResults, &recordResultsRequest{
		CourseID:   req.CourseID,
		Target:     targetStudentTemplate,
		WorkflowID: wctx.WorkflowID(),
		Actor:      req.Actor,
		CommitSHA:  pushed.CommitSHA,
		Committed:  pushed.Committed,
		Contents:   rendered.Contents,
	}, &report, dbOptions); err != nil {
		return nil, err
	}

	if failed := report.FailureCount(); failed > 0 {
		return nil, results.ForReason(report.firstFailureReason()).
			ForError(fmt.Errorf("%d of %d contents failed to render", failed, len(report.Contents)))
	}
	return &report, nil
}

// failAll records a run-level failure on every planned item and hands
// the original error back so the run fails with its reason.
func (d *Deployer) failAll(wctx *workflow.Context, req Request, target string, failedPlan *plan.Plan, cause error) error {
	contents := make([]ContentOutcome, 0, len(failedPlan.Items))
	for _, item := range failedPlan.Items {
		contents = append(contents, ContentOutcome{
			ContentID:    item.Content.ID,
			DeploymentID: item.Deployment.ID,
			Path:         item.Content.Path,
			VersionID:    item.Version.ID,
			VersionTag:   item.Version.VersionTag,
			Error:        cause.Error(),
			ErrorKind:    string(results.ReasonFor(cause)),
		})
	}
	var report Report
	if err := wctx.ExecuteActivity(workflow.Step(activityRecordResults, "failure"), activityRecordResults, &recordResultsRequest{
		CourseID:   req.CourseID,
		Target:     target,
		WorkflowID: wctx.WorkflowID(),
		Actor:      req.Actor,
		Contents:   contents,
	}, &report, dbOptions); err != nil {
		wctx.Logger().WithError(err).Error("Could not record the failed run on its deployments")
	}
	return cause
}

// workdir derives the per-run working directory. It is deterministic
// per run so that a resumed run reattaches to the same location, and
// unique per run so that concurrent runs never share a tree.
func (d *Deployer) workdir(target, runID string) string {
	return filepath.Join(d.workdirRoot, fmt.Sprintf("%s-%s", target, runID))
}

type loadPlanRequest struct {
	CourseID   uuid.UUID `json:"course_id"`
	Target     string    `json:"target"`
	WorkflowID string    `json:"workflow_id"`
	Actor      string    `json:"actor,omitempty"`
}

type loadPlanResult struct {
	Plan     *plan.Plan `json:"plan"`
	CloneURL string     `json:"clone_url"`
}

// loadPlan builds the deployment plan and resolves the clone URL of
// the target project. For assignment deployments it also moves the
// planned items into deploying and appends the deploy_started history
// entries, so the control surface reflects the run immediately.
func (d *Deployer) loadPlan(ctx context.Context, input []byte) (interface{}, error) {
	var req loadPlanRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	course, err := d.courses.Get(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	cloneURL, err := projectCloneURL(course, req.Target)
	if err != nil {
		return nil, err
	}
	built, err := d.planner.BuildPlan(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	if req.Target == targetAssignments {
		for _, item := range built.Items {
			if err := d.deployments.SetStatus(ctx, item.Deployment.ID, api.DeploymentDeploying, req.WorkflowID); err != nil {
				return nil, err
			}
			versionID := item.Version.ID
			if err := d.history.Append(ctx, &api.DeploymentHistory{
				DeploymentID:     item.Deployment.ID,
				Action:           api.ActionDeployStarted,
				ExampleVersionID: &versionID,
				WorkflowID:       req.WorkflowID,
				Actor:            req.Actor,
			}); err != nil {
				return nil, err
			}
		}
	}
	return &loadPlanResult{Plan: built, CloneURL: cloneURL}, nil
}

func projectCloneURL(course *api.Course, target string) (string, error) {
	var props *api.GitLabProps
	if course.Projects != nil {
		switch target {
		case targetAssignments:
			props = course.Projects.Assignments
		case targetStudentTemplate:
			props = course.Projects.StudentTemplate
		default:
			return "", results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("unknown deployment target %q", target))
		}
	}
	if props == nil || props.CloneURL == "" {
		return "", results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("course %s has no provisioned %s project", course.ID, target))
	}
	return props.CloneURL, nil
}

type workdirRequest struct {
	Dir      string `json:"dir"`
	CloneURL string `json:"clone_url"`
}

type workdirResult struct {
	Dir string `json:"dir"`
}

// prepareWorkdir clones the target repository into the run's working
// directory, clearing whatever an earlier attempt left there.
func (d *Deployer) prepareWorkdir(_ context.Context, input []byte) (interface{}, error) {
	var req workdirRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if err := os.RemoveAll(req.Dir); err != nil {
		return nil, fmt.Errorf("could not clear working directory: %w", err)
	}
	opts, err := d.gitOptions(req.CloneURL)
	if err != nil {
		return nil, err
	}
	repo, err := d.clone(d.logger, req.Dir, opts)
	if err != nil {
		return nil, err
	}
	return &workdirResult{Dir: repo.Directory()}, nil
}

func (d *Deployer) gitOptions(cloneURL string) (git.Options, error) {
	remote := cloneURL
	if d.token != "" {
		authenticated, err := git.AuthenticatedURL(cloneURL, d.token)
		if err != nil {
			return git.Options{}, results.ForReason(results.ReasonValidation).ForError(err)
		}
		remote = authenticated
	}
	return git.Options{RemoteURL: remote, Branch: d.branch, Identity: d.identity}, nil
}

// workingCopy reattaches to the run's working copy, cloning afresh
// when a worker restart left this process without one.
func (d *Deployer) workingCopy(dir, cloneURL string) (repository, error) {
	opts, err := d.gitOptions(cloneURL)
	if err != nil {
		return nil, err
	}
	if repo, err := d.open(d.logger, dir, opts); err == nil {
		return repo, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("could not clear working directory: %w", err)
	}
	return d.clone(d.logger, dir, opts)
}

type deployContentRequest struct {
	Dir      string      `json:"dir"`
	CloneURL string      `json:"clone_url"`
	Items    []plan.Item `json:"items"`
}

type deployContentResult struct {
	Contents []ContentOutcome `json:"contents"`
}

// deployContent materializes every planned item at its content path in
// the working tree. Failures are captured per item so one broken
// version does not block the rest of the course.
func (d *Deployer) deployContent(ctx context.Context, input []byte) (interface{}, error) {
	var req deployContentRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if _, err := d.workingCopy(req.Dir, req.CloneURL); err != nil {
		return nil, err
	}

	result := &deployContentResult{}
	for _, item := range req.Items {
		outcome := ContentOutcome{
			ContentID:    item.Content.ID,
			DeploymentID: item.Deployment.ID,
			Path:         item.Content.Path,
			VersionID:    item.Version.ID,
			VersionTag:   item.Version.VersionTag,
		}
		manifest, err := d.materializeItem(ctx, req.Dir, item)
		if err != nil {
			outcome.Error = err.Error()
			outcome.ErrorKind = string(results.ReasonFor(err))
		} else {
			outcome.Files = len(manifest.Files)
		}
		result.Contents = append(result.Contents, outcome)
	}
	return result, nil
}

func (d *Deployer) materializeItem(ctx context.Context, dir string, item plan.Item) (*Manifest, error) {
	files, err := d.files.DownloadPrefix(ctx, d.bucket, item.Version.StoragePath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, results.ForReason(results.ReasonIntegrity).
			ForError(fmt.Errorf("version %s has no stored files under %s", item.Version.VersionTag, item.Version.StoragePath))
	}
	target := filepath.Join(dir, item.Content.Path.Filesystem())
	return materialize(target, item.Version, files, func(meta *api.Meta) {
		meta.Slug = item.Identifier.String()
		meta.Version = item.Version.VersionTag
		meta.CourseContentID = item.Content.ID.String()
	})
}

type deployDependenciesRequest struct {
	Dir          string                       `json:"dir"`
	CloneURL     string                       `json:"clone_url"`
	Dependencies []catalog.ResolvedDependency `json:"dependencies"`
}

type deployDependenciesResult struct {
	Dependencies []DependencyOutcome `json:"dependencies"`
	Pruned       []string            `json:"pruned,omitempty"`
}

// deployDependencies materializes the implicit dependency set under
// _deps/<identifier>/<version_tag>/ and prunes managed dependency
// deployments the plan no longer contains.
func (d *Deployer) deployDependencies(ctx context.Context, input []byte) (interface{}, error) {
	var req deployDependenciesRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if _, err := d.workingCopy(req.Dir, req.CloneURL); err != nil {
		return nil, err
	}

	result := &deployDependenciesResult{}
	keep := make(map[string]bool, len(req.Dependencies))
	for _, dependency := range req.Dependencies {
		identifier := dependency.Example.Identifier
		tag := dependency.Version.VersionTag
		keep[identifier.String()+"@"+tag] = true

		outcome := DependencyOutcome{Identifier: identifier, VersionTag: tag}
		files, err := d.files.DownloadPrefix(ctx, d.bucket, dependency.Version.StoragePath)
		if err == nil && len(files) == 0 {
			err = results.ForReason(results.ReasonIntegrity).
				ForError(fmt.Errorf("version %s has no stored files under %s", tag, dependency.Version.StoragePath))
		}
		if err == nil {
			target := filepath.Join(req.Dir, depsDir, identifier.String(), tag)
			var manifest *Manifest
			manifest, err = materialize(target, dependency.Version, files, func(meta *api.Meta) {
				meta.Slug = identifier.String()
				meta.Version = tag
			})
			if err == nil {
				outcome.Files = len(manifest.Files)
			}
		}
		if err != nil {
			outcome.Error = err.Error()
			outcome.ErrorKind = string(results.ReasonFor(err))
		}
		result.Dependencies = append(result.Dependencies, outcome)
	}

	pruned, err := pruneStaleDependencies(req.Dir, keep)
	if err != nil {
		return nil, err
	}
	result.Pruned = pruned
	return result, nil
}

// renderTemplate derives the student-facing tree of every planned item
// from its pinned version sources and writes it at the content path.
func (d *Deployer) renderTemplate(ctx context.Context, input []byte) (interface{}, error) {
	var req deployContentRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	if _, err := d.workingCopy(req.Dir, req.CloneURL); err != nil {
		return nil, err
	}

	result := &deployContentResult{}
	for _, item := range req.Items {
		outcome := ContentOutcome{
			ContentID:    item.Content.ID,
			DeploymentID: item.Deployment.ID,
			Path:         item.Content.Path,
			VersionID:    item.Version.ID,
			VersionTag:   item.Version.VersionTag,
		}
		manifest, err := d.renderItem(ctx, req.Dir, item)
		if err != nil {
			outcome.Error = err.Error()
			outcome.ErrorKind = string(results.ReasonFor(err))
		} else {
			outcome.Files = len(manifest.Files)
		}
		result.Contents = append(result.Contents, outcome)
	}
	return result, nil
}

func (d *Deployer) renderItem(ctx context.Context, dir string, item plan.Item) (*Manifest, error) {
	files, err := d.files.DownloadPrefix(ctx, d.bucket, item.Version.StoragePath)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, results.ForReason(results.ReasonIntegrity).
			ForError(fmt.Errorf("version %s has no stored files under %s", item.Version.VersionTag, item.Version.StoragePath))
	}
	rendered, err := template.Render(files, item.Identifier, item.Version.VersionTag)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(dir, item.Content.Path.Filesystem())
	return materialize(target, item.Version, rendered, nil)
}

type commitRequest struct {
	Dir      string `json:"dir"`
	CloneURL string `json:"clone_url"`
	Message  string `json:"message"`
}

type commitResult struct {
	CommitSHA string `json:"commit_sha,omitempty"`
	Committed bool   `json:"committed"`
}

// commitAndPush stages everything, commits when the tree changed and
// pushes. An unchanged tree is a successful no-op so reruns stay
// idempotent. The working copy is cleaned up after a successful push;
// failed attempts keep it for the retry.
func (d *Deployer) commitAndPush(_ context.Context, input []byte) (interface{}, error) {
	var req commitRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	repo, err := d.workingCopy(req.Dir, req.CloneURL)
	if err != nil {
		return nil, err
	}
	if err := repo.AddAll(); err != nil {
		return nil, err
	}
	committed, err := repo.Commit(req.Message)
	if err != nil {
		return nil, err
	}
	result := &commitResult{Committed: committed}
	if committed {
		if err := repo.Push(); err != nil {
			return nil, err
		}
		sha, err := repo.HeadSHA()
		if err != nil {
			return nil, err
		}
		result.CommitSHA = sha
	} else if sha, err := repo.HeadSHA(); err == nil {
		// A fresh repository without commits has no HEAD to report.
		result.CommitSHA = sha
	}
	if err := repo.Clean(); err != nil {
		d.logger.WithError(err).Warn("Could not clean up the working copy")
	}
	return result, nil
}

type recordResultsRequest struct {
	CourseID     uuid.UUID           `json:"course_id"`
	Target       string              `json:"target"`
	WorkflowID   string              `json:"workflow_id"`
	Actor        string              `json:"actor,omitempty"`
	CommitSHA    string              `json:"commit_sha,omitempty"`
	Committed    bool                `json:"committed"`
	Contents     []ContentOutcome    `json:"contents,omitempty"`
	Dependencies []DependencyOutcome `json:"dependencies,omitempty"`
	Pruned       []string            `json:"pruned,omitempty"`
}

// recordResults writes the run's outcome onto the deployment rows and
// the history trail. Assignment runs record successes and failures;
// template runs only record failures, since successful template
// generation does not change the deployment lifecycle.
func (d *Deployer) recordResults(ctx context.Context, input []byte) (interface{}, error) {
	var req recordResultsRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, results.ForReason(results.ReasonValidation).ForError(err)
	}
	for _, outcome := range req.Contents {
		versionID := outcome.VersionID
		if outcome.failed() {
			metadata := &api.DeploymentMetadata{
				VersionTag: outcome.VersionTag,
				Error:      outcome.Error,
				ErrorKind:  outcome.ErrorKind,
			}
			if err := d.deployments.MarkFailed(ctx, outcome.DeploymentID, metadata); err != nil {
				return nil, err
			}
			if err := d.history.Append(ctx, &api.DeploymentHistory{
				DeploymentID:     outcome.DeploymentID,
				Action:           api.ActionFailed,
				ExampleVersionID: &versionID,
				WorkflowID:       req.WorkflowID,
				Actor:            req.Actor,
				Details:          map[string]interface{}{"error": outcome.Error, "error_kind": outcome.ErrorKind, "target": req.Target},
			}); err != nil {
				return nil, err
			}
			d.metrics.RecordDeploymentTransition(string(api.DeploymentFailed))
			continue
		}
		if req.Target != targetAssignments {
			continue
		}
		metadata := &api.DeploymentMetadata{
			CommitSHA:  req.CommitSHA,
			VersionTag: outcome.VersionTag,
			Files:      outcome.Files,
		}
		if err := d.deployments.MarkDeployed(ctx, outcome.DeploymentID, outcome.Path, metadata); err != nil {
			return nil, err
		}
		if err := d.history.Append(ctx, &api.DeploymentHistory{
			DeploymentID:     outcome.DeploymentID,
			Action:           api.ActionDeployed,
			ExampleVersionID: &versionID,
			WorkflowID:       req.WorkflowID,
			Actor:            req.Actor,
			Details:          map[string]interface{}{"commit_sha": req.CommitSHA, "files": outcome.Files},
		}); err != nil {
			return nil, err
		}
		d.metrics.RecordDeploymentTransition(string(api.DeploymentDeployed))
	}
	return &Report{
		CourseID:     req.CourseID,
		Target:       req.Target,
		CommitSHA:    req.CommitSHA,
		Committed:    req.Committed,
		Contents:     req.Contents,
		Dependencies: req.Dependencies,
		Pruned:       req.Pruned,
	}, nil
}

// assignmentsCommitMessage renders the deterministic commit message of
// an assignment deployment, enumerating content ids and version tags.
func assignmentsCommitMessage(contents []ContentOutcome, dependencies []DependencyOutcome, pruned []string) string {
	var deployed, failed []ContentOutcome
	for _, content := range contents {
		if content.failed() {
			failed = append(failed, content)
		} else {
			deployed = append(deployed, content)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Deploy %d assignment(s)\n", len(deployed))
	if len(deployed) > 0 {
		b.WriteString("\ndeployed:\n")
		for _, content := range deployed {
			fmt.Fprintf(&b, "- %s %s @ %s\n", content.Path, content.ContentID, content.VersionTag)
		}
	}
	succeeded := make([]DependencyOutcome, 0, len(dependencies))
	for _, dependency := range dependencies {
		if !dependency.failed() {
			succeeded = append(succeeded, dependency)
		}
	}
	sort.Slice(succeeded, func(i, j int) bool {
		if succeeded[i].Identifier != succeeded[j].Identifier {
			return succeeded[i].Identifier < succeeded[j].Identifier
		}
		return succeeded[i].VersionTag < succeeded[j].VersionTag
	})
	if len(succeeded) > 0 {
		b.WriteString("\ndependencies:\n")
		for _, dependency := range succeeded {
			fmt.Fprintf(&b, "- %s @ %s\n", dependency.Identifier, dependency.VersionTag)
		}
	}
	if len(pruned) > 0 {
		b.WriteString("\npruned:\n")
		for _, key := range pruned {
			fmt.Fprintf(&b, "- %s\n", key)
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nfailed:\n")
		for _, content := range failed {
			fmt.Fprintf(&b, "- %s %s @ %s\n", content.Path, content.ContentID, content.VersionTag)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// templateCommitMessage renders the deterministic commit message of a
// student template generation.
func templateCommitMessage(contents []ContentOutcome) string {
	rendered := make([]ContentOutcome, 0, len(contents))
	for _, content := range contents {
		if !content.failed() {
			rendered = append(rendered, content)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Generate student template for %d assignment(s)\n", len(rendered))
	if len(rendered) > 0 {
		b.WriteString("\n")
		for _, content := range rendered {
			fmt.Fprintf(&b, "- %s %s @ %s\n", content.Path, content.ContentID, content.VersionTag)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
