package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProvisioningState tracks how far an entity's provider-side resources
// have been materialized.
type ProvisioningState string

const (
	ProvisioningPlanned         ProvisioningState = "planned"
	ProvisioningDBCreated       ProvisioningState = "db_created"
	ProvisioningProviderCreated ProvisioningState = "provider_created"
	ProvisioningMembersSeeded   ProvisioningState = "members_seeded"
	ProvisioningReady           ProvisioningState = "ready"
	ProvisioningFailed          ProvisioningState = "failed"
)

// GitLabProps caches provider-assigned identity on the owning entity.
// Lookups prefer the cached ids over full paths, which survives
// provider-side renames and avoids group scans. Tokens never appear
// here; credentials are assembled per call.
type GitLabProps struct {
	GroupID      int               `json:"group_id,omitempty"`
	ProjectID    int               `json:"project_id,omitempty"`
	NamespaceID  int               `json:"namespace_id,omitempty"`
	WebURL       string            `json:"web_url,omitempty"`
	FullPath     string            `json:"full_path,omitempty"`
	CloneURL     string            `json:"clone_url,omitempty"`
	State        ProvisioningState `json:"state,omitempty"`
	StateReason  string            `json:"state_reason,omitempty"`
	LastSyncedAt time.Time         `json:"last_synced_at,omitempty"`
}

// Organization is the root of the provisioned hierarchy and maps to a
// top-level (or parent-scoped) provider group.
type Organization struct {
	bun.BaseModel `bun:"table:organizations,alias:org"`

	ID          uuid.UUID    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Path        Path         `bun:"path,type:ltree,notnull,unique" json:"path"`
	Name        string       `bun:"name,notnull" json:"name"`
	Description string       `bun:"description,nullzero" json:"description,omitempty"`
	GitLab      *GitLabProps `bun:"gitlab_properties,type:jsonb,nullzero" json:"gitlab_properties,omitempty"`
	CreatedAt   time.Time    `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time    `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
	ArchivedAt  time.Time    `bun:"archived_at,soft_delete,nullzero" json:"archived_at,omitempty"`
}

// CourseFamily groups courses that share lineage, e.g. the semesters
// of one lecture. Its path is unique within the owning organization.
type CourseFamily struct {
	bun.BaseModel `bun:"table:course_families,alias:cf"`

	ID             uuid.UUID     `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	OrganizationID uuid.UUID     `bun:"organization_id,notnull,type:uuid,unique:course_families_org_path" json:"organization_id"`
	Organization   *Organization `bun:"rel:belongs-to,join:organization_id=id" json:"-"`
	Path           Path          `bun:"path,type:ltree,notnull,unique:course_families_org_path" json:"path"`
	Name           string        `bun:"name,notnull" json:"name"`
	Description    string        `bun:"description,nullzero" json:"description,omitempty"`
	GitLab         *GitLabProps  `bun:"gitlab_properties,type:jsonb,nullzero" json:"gitlab_properties,omitempty"`
	CreatedAt      time.Time     `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time     `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// CourseProjects records the three repositories provisioned for every
// course.
type CourseProjects struct {
	Assignments     *GitLabProps `json:"assignments,omitempty"`
	StudentTemplate *GitLabProps `json:"student_template,omitempty"`
	Reference       *GitLabProps `json:"reference,omitempty"`
}

// CourseMemberGroups records the member subgroups provisioned for
// every course.
type CourseMemberGroups struct {
	Students *GitLabProps `json:"students,omitempty"`
	Tutors   *GitLabProps `json:"tutors,omitempty"`
}

// CourseSettings persists course-level deployment settings. Tokens
// from the deployment configuration are deliberately not part of this
// structure.
type CourseSettings struct {
	// SourceURL optionally seeds the assignments project on creation.
	SourceURL         string                   `json:"source_url,omitempty"`
	ExecutionBackends []CourseExecutionBackend `json:"execution_backends,omitempty"`
}

// CourseExecutionBackend binds a grading backend to a course.
type CourseExecutionBackend struct {
	Slug     string                 `json:"slug"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// Course is the unit students enroll in. It owns the per-course
// projects and member subgroups.
type Course struct {
	bun.BaseModel `bun:"table:courses,alias:c"`

	ID             uuid.UUID           `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CourseFamilyID uuid.UUID           `bun:"course_family_id,notnull,type:uuid,unique:courses_family_path" json:"course_family_id"`
	CourseFamily   *CourseFamily       `bun:"rel:belongs-to,join:course_family_id=id" json:"-"`
	Path           Path                `bun:"path,type:ltree,notnull,unique:courses_family_path" json:"path"`
	Name           string              `bun:"name,notnull" json:"name"`
	Description    string              `bun:"description,nullzero" json:"description,omitempty"`
	GitLab         *GitLabProps        `bun:"gitlab_properties,type:jsonb,nullzero" json:"gitlab_properties,omitempty"`
	Projects       *CourseProjects     `bun:"projects,type:jsonb,nullzero" json:"projects,omitempty"`
	MemberGroups   *CourseMemberGroups `bun:"member_groups,type:jsonb,nullzero" json:"member_groups,omitempty"`
	Settings       *CourseSettings     `bun:"settings,type:jsonb,nullzero" json:"settings,omitempty"`
	CreatedAt      time.Time           `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time           `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// FullPath renders the hierarchy path of the course as stored on its
// cached provider properties, falling back to the DB paths when the
// provider has not been synced yet.
func (c *Course) FullPath() string {
	if c.GitLab != nil && c.GitLab.FullPath != "" {
		return c.GitLab.FullPath
	}
	path := c.Path
	if c.CourseFamily != nil {
		path = c.CourseFamily.Path.Concat(path)
		if c.CourseFamily.Organization != nil {
			path = c.CourseFamily.Organization.Path.Concat(path)
		}
	}
	return path.Filesystem()
}

// ContentKind distinguishes grouping nodes from gradeable leaves in
// the course content tree.
type ContentKind string

const (
	ContentKindUnit       ContentKind = "unit"
	ContentKindAssignment ContentKind = "assignment"
)

// CourseContent is a node in a course's content tree, addressed by an
// ltree path. Only submittable content may carry a deployment; the
// schema enforces this with a trigger.
type CourseContent struct {
	bun.BaseModel `bun:"table:course_contents,alias:cc"`

	ID               uuid.UUID       `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CourseID         uuid.UUID       `bun:"course_id,notnull,type:uuid,unique:course_contents_course_path" json:"course_id"`
	Course           *Course         `bun:"rel:belongs-to,join:course_id=id" json:"-"`
	Path             Path            `bun:"path,type:ltree,notnull,unique:course_contents_course_path" json:"path"`
	Title            string          `bun:"title,nullzero" json:"title,omitempty"`
	Kind             ContentKind     `bun:"kind,notnull" json:"kind"`
	Submittable      bool            `bun:"submittable,notnull,default:false" json:"submittable"`
	ExampleID        *uuid.UUID      `bun:"example_id,type:uuid,nullzero" json:"example_id,omitempty"`
	ExampleVersionID *uuid.UUID      `bun:"example_version_id,type:uuid,nullzero" json:"example_version_id,omitempty"`
	Example          *Example        `bun:"rel:belongs-to,join:example_id=id" json:"-"`
	ExampleVersion   *ExampleVersion `bun:"rel:belongs-to,join:example_version_id=id" json:"-"`
	CreatedAt        time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt        time.Time       `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// DeploymentStatus is the lifecycle of a content deployment. The happy
// path runs pending → assigned → deploying → deployed; failed and the
// out-of-band outdated/orphaned/unassigned states branch off it.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentAssigned   DeploymentStatus = "assigned"
	DeploymentDeploying  DeploymentStatus = "deploying"
	DeploymentDeployed   DeploymentStatus = "deployed"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentOrphaned   DeploymentStatus = "orphaned"
	DeploymentOutdated   DeploymentStatus = "outdated"
	DeploymentUnassigned DeploymentStatus = "unassigned"
)

// DeploymentMetadata summarizes the most recent deployment attempt.
type DeploymentMetadata struct {
	CommitSHA  string `json:"commit_sha,omitempty"`
	VersionTag string `json:"version_tag,omitempty"`
	Files      int    `json:"files,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// CourseContentDeployment is the 1:1 deployment record of a
// submittable CourseContent.
type CourseContentDeployment struct {
	bun.BaseModel `bun:"table:course_content_deployments,alias:ccd"`

	ID               uuid.UUID           `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	CourseContentID  uuid.UUID           `bun:"course_content_id,notnull,type:uuid,unique" json:"course_content_id"`
	CourseContent    *CourseContent      `bun:"rel:belongs-to,join:course_content_id=id" json:"-"`
	ExampleVersionID *uuid.UUID          `bun:"example_version_id,type:uuid,nullzero" json:"example_version_id,omitempty"`
	ExampleVersion   *ExampleVersion     `bun:"rel:belongs-to,join:example_version_id=id" json:"-"`
	Status           DeploymentStatus    `bun:"status,notnull,default:'pending'" json:"status"`
	DeployedAt       *time.Time          `bun:"deployed_at,nullzero" json:"deployed_at,omitempty"`
	DeployedPath     Path                `bun:"deployed_path,type:ltree,nullzero" json:"deployed_path,omitempty"`
	WorkflowID       string              `bun:"workflow_id,nullzero" json:"workflow_id,omitempty"`
	Metadata         *DeploymentMetadata `bun:"last_deployment_metadata,type:jsonb,nullzero" json:"last_deployment_metadata,omitempty"`
	CreatedAt        time.Time           `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt        time.Time           `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// HistoryAction names the observable deployment state changes.
type HistoryAction string

const (
	ActionAssigned      HistoryAction = "assigned"
	ActionUnassigned    HistoryAction = "unassigned"
	ActionDeployStarted HistoryAction = "deploy_started"
	ActionDeployed      HistoryAction = "deployed"
	ActionFailed        HistoryAction = "failed"
	ActionOutdated      HistoryAction = "outdated"
	ActionOrphaned      HistoryAction = "orphaned"
)

// DeploymentHistory is the append-only audit trail of a deployment.
// Rows are never updated or deleted.
type DeploymentHistory struct {
	bun.BaseModel `bun:"table:deployment_history,alias:dh"`

	ID               uuid.UUID              `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	DeploymentID     uuid.UUID              `bun:"deployment_id,notnull,type:uuid" json:"deployment_id"`
	Action           HistoryAction          `bun:"action,notnull" json:"action"`
	ExampleVersionID *uuid.UUID             `bun:"example_version_id,type:uuid,nullzero" json:"example_version_id,omitempty"`
	WorkflowID       string                 `bun:"workflow_id,nullzero" json:"workflow_id,omitempty"`
	Actor            string                 `bun:"actor,nullzero" json:"actor,omitempty"`
	Details          map[string]interface{} `bun:"details,type:jsonb,nullzero" json:"details,omitempty"`
	CreatedAt        time.Time              `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// SourceType identifies where an example repository's content comes
// from.
type SourceType string

const (
	SourceTypeGit    SourceType = "git"
	SourceTypeMinio  SourceType = "minio"
	SourceTypeS3     SourceType = "s3"
	SourceTypeGitHub SourceType = "github"
	SourceTypeGitLab SourceType = "gitlab"
)

// Visibility controls who may browse a repository's examples.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// ExampleRepository is a named source of examples.
type ExampleRepository struct {
	bun.BaseModel `bun:"table:example_repositories,alias:er"`

	ID            uuid.UUID  `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Name          string     `bun:"name,notnull" json:"name"`
	SourceType    SourceType `bun:"source_type,notnull" json:"source_type"`
	SourceURL     string     `bun:"source_url,notnull" json:"source_url"`
	DefaultBranch string     `bun:"default_branch,notnull,default:'main'" json:"default_branch"`
	Visibility    Visibility `bun:"visibility,notnull,default:'private'" json:"visibility"`
	// AccessCredentials is stored encrypted and is never logged.
	AccessCredentials string    `bun:"access_credentials,nullzero" json:"-"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt         time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// Example is a reusable assignment template, versioned independently
// of any course. Its identifier is unique within its repository.
type Example struct {
	bun.BaseModel `bun:"table:examples,alias:e"`

	ID                  uuid.UUID            `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ExampleRepositoryID uuid.UUID            `bun:"example_repository_id,notnull,type:uuid,unique:examples_repository_identifier" json:"example_repository_id"`
	Repository          *ExampleRepository   `bun:"rel:belongs-to,join:example_repository_id=id" json:"-"`
	Directory           string               `bun:"directory,notnull" json:"directory"`
	Identifier          Path                 `bun:"identifier,type:ltree,notnull,unique:examples_repository_identifier" json:"identifier"`
	Title               string               `bun:"title,notnull" json:"title"`
	Description         string               `bun:"description,nullzero" json:"description,omitempty"`
	Subject             string               `bun:"subject,nullzero" json:"subject,omitempty"`
	Tags                []string             `bun:"tags,array,nullzero" json:"tags,omitempty"`
	Versions            []*ExampleVersion    `bun:"rel:has-many,join:id=example_id" json:"-"`
	Dependencies        []*ExampleDependency `bun:"rel:has-many,join:id=example_id" json:"-"`
	CreatedAt           time.Time            `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt           time.Time            `bun:"updated_at,notnull,default:current_timestamp" json:"updated_at"`
}

// ExampleVersion pins the content of an example at one point in time.
// version_number increases strictly with every new version of an
// example; all ordering decisions run over it, never over the tag.
type ExampleVersion struct {
	bun.BaseModel `bun:"table:example_versions,alias:ev"`

	ID            uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ExampleID     uuid.UUID `bun:"example_id,notnull,type:uuid,unique:example_versions_tag,unique:example_versions_number" json:"example_id"`
	Example       *Example  `bun:"rel:belongs-to,join:example_id=id" json:"-"`
	VersionTag    string    `bun:"version_tag,notnull,unique:example_versions_tag" json:"version_tag"`
	VersionNumber int       `bun:"version_number,notnull,unique:example_versions_number" json:"version_number"`
	// StoragePath is the object store prefix all of this version's
	// files live under.
	StoragePath string    `bun:"storage_path,notnull" json:"storage_path"`
	ContentHash string    `bun:"content_hash,nullzero" json:"content_hash,omitempty"`
	Meta        *Meta     `bun:"meta,type:jsonb,nullzero" json:"meta,omitempty"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// ExampleDependency is one edge of the dependency graph between
// examples. The transitive closure must stay acyclic; writes are
// rejected otherwise and plans re-check.
type ExampleDependency struct {
	bun.BaseModel `bun:"table:example_dependencies,alias:ed"`

	ID        uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ExampleID uuid.UUID `bun:"example_id,notnull,type:uuid,unique:example_dependencies_edge" json:"example_id"`
	DependsID uuid.UUID `bun:"depends_id,notnull,type:uuid,unique:example_dependencies_edge" json:"depends_id"`
	// VersionConstraint follows the catalog constraint grammar; empty
	// means latest.
	VersionConstraint string    `bun:"version_constraint,nullzero" json:"version_constraint,omitempty"`
	Depends           *Example  `bun:"rel:belongs-to,join:depends_id=id" json:"-"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
