// Package gitlab is the gateway to the Git hosting provider. Every
// mutating operation is idempotent: lookups run by cached provider id
// first, then by full path, and creation collisions adopt the existing
// resource instead of failing.
package gitlab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	gitlabapi "gitlab.com/gitlab-org/api/client-go"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

// Role is the project access contract the orchestrator hands out,
// mapped onto provider access levels.
type Role string

const (
	// RoleRead maps to the provider's reporter level.
	RoleRead Role = "read"
	// RoleReadWrite maps to the provider's developer level.
	RoleReadWrite Role = "read-write"
	// RoleAdmin maps to the provider's maintainer level.
	RoleAdmin Role = "admin"
)

// AccessLevel translates a role into the provider's numeric level.
func (r Role) AccessLevel() (gitlabapi.AccessLevelValue, error) {
	switch r {
	case RoleRead:
		return gitlabapi.ReporterPermissions, nil
	case RoleReadWrite:
		return gitlabapi.DeveloperPermissions, nil
	case RoleAdmin:
		return gitlabapi.MaintainerPermissions, nil
	default:
		return gitlabapi.NoPermissions, results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("unknown role %q", r))
	}
}

// groupsAPI is the slice of the provider client used for groups.
type groupsAPI interface {
	GetGroup(gid interface{}, opt *gitlabapi.GetGroupOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.Group, *gitlabapi.Response, error)
	CreateGroup(opt *gitlabapi.CreateGroupOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.Group, *gitlabapi.Response, error)
}

// projectsAPI is the slice of the provider client used for projects.
type projectsAPI interface {
	GetProject(pid interface{}, opt *gitlabapi.GetProjectOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.Project, *gitlabapi.Response, error)
	CreateProject(opt *gitlabapi.CreateProjectOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.Project, *gitlabapi.Response, error)
	ShareProjectWithGroup(pid interface{}, opt *gitlabapi.ShareWithGroupOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.Response, error)
}

// groupMembersAPI is the slice of the provider client used for group
// membership.
type groupMembersAPI interface {
	AddGroupMember(gid interface{}, opt *gitlabapi.AddGroupMemberOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.GroupMember, *gitlabapi.Response, error)
	EditGroupMember(gid interface{}, user int, opt *gitlabapi.EditGroupMemberOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.GroupMember, *gitlabapi.Response, error)
}

// projectMembersAPI is the slice of the provider client used for
// project membership.
type projectMembersAPI interface {
	AddProjectMember(pid interface{}, opt *gitlabapi.AddProjectMemberOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.ProjectMember, *gitlabapi.Response, error)
	EditProjectMember(pid interface{}, user int, opt *gitlabapi.EditProjectMemberOptions, options ...gitlabapi.RequestOptionFunc) (*gitlabapi.ProjectMember, *gitlabapi.Response, error)
}

// Gateway wraps the provider API behind the orchestrator's idempotent
// operations.
type Gateway struct {
	groups         groupsAPI
	projects       projectsAPI
	groupMembers   groupMembersAPI
	projectMembers projectMembersAPI

	baseURL string
	logger  *logrus.Entry
}

// NewGateway builds a gateway for the provider at baseURL. The token is
// held by the underlying client only; it never reaches entity
// properties or logs.
func NewGateway(baseURL, token string, logger *logrus.Entry) (*Gateway, error) {
	client, err := gitlabapi.NewClient(token, gitlabapi.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("could not construct provider client: %w", err)
	}
	return &Gateway{
		groups:         client.Groups,
		projects:       client.Projects,
		groupMembers:   client.GroupMembers,
		projectMembers: client.ProjectMembers,
		baseURL:        baseURL,
		logger:         logger,
	}, nil
}

// GroupSpec describes a group to ensure. Path is a single label; the
// parent reference places it in the provider hierarchy.
type GroupSpec struct {
	Name        string
	Path        string
	Description string
	// ParentID nests the group under an existing provider group; zero
	// means top-level.
	ParentID int
	// ParentFullPath is required when ParentID is set so lookups by
	// full path work before the group exists.
	ParentFullPath string
	// CachedID is the provider id stored on the owning entity from a
	// previous run, tried before any path lookup.
	CachedID int
}

func (s *GroupSpec) fullPath() string {
	if s.ParentFullPath == "" {
		return s.Path
	}
	return s.ParentFullPath + "/" + s.Path
}

// EnsureGroup finds or creates the group and returns its provider
// properties.
func (g *Gateway) EnsureGroup(ctx context.Context, spec GroupSpec) (*api.GitLabProps, error) {
	logger := g.logger.WithField("group", spec.fullPath())

	if spec.CachedID != 0 {
		group, resp, err := g.groups.GetGroup(spec.CachedID, nil, gitlabapi.WithContext(ctx))
		if err == nil {
			return groupProps(group), nil
		}
		if !isNotFound(resp) {
			return nil, classifyProviderError("group lookup by id", err, resp)
		}
		logger.WithField("cached-id", spec.CachedID).Warn("Cached provider group id no longer resolves, falling back to path lookup")
	}

	group, resp, err := g.groups.GetGroup(spec.fullPath(), nil, gitlabapi.WithContext(ctx))
	if err == nil {
		return groupProps(group), nil
	}
	if !isNotFound(resp) {
		return nil, classifyProviderError("group lookup by path", err, resp)
	}

	options := &gitlabapi.CreateGroupOptions{
		Name: gitlabapi.Ptr(spec.Name),
		Path: gitlabapi.Ptr(spec.Path),
	}
	if spec.Description != "" {
		options.Description = gitlabapi.Ptr(spec.Description)
	}
	if spec.ParentID != 0 {
		options.ParentID = gitlabapi.Ptr(spec.ParentID)
	}
	logger.Info("Creating provider group")
	group, resp, err = g.groups.CreateGroup(options, gitlabapi.WithContext(ctx))
	if err == nil {
		return groupProps(group), nil
	}
	// Another worker may have created the group between our lookup and
	// the create call; adopt it.
	if isConflict(resp) {
		if group, _, lookupErr := g.groups.GetGroup(spec.fullPath(), nil, gitlabapi.WithContext(ctx)); lookupErr == nil {
			logger.Info("Adopting existing provider group after creation conflict")
			return groupProps(group), nil
		}
	}
	return nil, classifyProviderError("group creation", err, resp)
}

// GroupByID resolves an existing group by its provider id. The
// provisioner uses it to learn the full path of a configured parent
// group before any path lookups are attempted underneath it.
func (g *Gateway) GroupByID(ctx context.Context, id int) (*api.GitLabProps, error) {
	group, resp, err := g.groups.GetGroup(id, nil, gitlabapi.WithContext(ctx))
	if err != nil {
		return nil, classifyProviderError("group lookup by id", err, resp)
	}
	return groupProps(group), nil
}

// ProjectSpec describes a project to ensure under a namespace group.
type ProjectSpec struct {
	Name        string
	Path        string
	Description string
	NamespaceID int
	// NamespaceFullPath is required for path lookups.
	NamespaceFullPath string
	// Initialize seeds the default branch with a README so the project
	// can be cloned right away.
	Initialize    bool
	DefaultBranch string
	CachedID      int
}

func (s *ProjectSpec) fullPath() string {
	return s.NamespaceFullPath + "/" + s.Path
}

// EnsureProject finds or creates the project and returns its provider
// properties.
func (g *Gateway) EnsureProject(ctx context.Context, spec ProjectSpec) (*api.GitLabProps, error) {
	logger := g.logger.WithField("project", spec.fullPath())

	if spec.CachedID != 0 {
		project, resp, err := g.projects.GetProject(spec.CachedID, nil, gitlabapi.WithContext(ctx))
		if err == nil {
			return projectProps(project), nil
		}
		if !isNotFound(resp) {
			return nil, classifyProviderError("project lookup by id", err, resp)
		}
		logger.WithField("cached-id", spec.CachedID).Warn("Cached provider project id no longer resolves, falling back to path lookup")
	}

	project, resp, err := g.projects.GetProject(spec.fullPath(), nil, gitlabapi.WithContext(ctx))
	if err == nil {
		return projectProps(project), nil
	}
	if !isNotFound(resp) {
		return nil, classifyProviderError("project lookup by path", err, resp)
	}

	branch := spec.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	options := &gitlabapi.CreateProjectOptions{
		Name:                 gitlabapi.Ptr(spec.Name),
		Path:                 gitlabapi.Ptr(spec.Path),
		NamespaceID:          gitlabapi.Ptr(spec.NamespaceID),
		InitializeWithReadme: gitlabapi.Ptr(spec.Initialize),
		DefaultBranch:        gitlabapi.Ptr(branch),
	}
	if spec.Description != "" {
		options.Description = gitlabapi.Ptr(spec.Description)
	}
	logger.Info("Creating provider project")
	project, resp, err = g.projects.CreateProject(options, gitlabapi.WithContext(ctx))
	if err == nil {
		return projectProps(project), nil
	}
	if isConflict(resp) {
		if project, _, lookupErr := g.projects.GetProject(spec.fullPath(), nil, gitlabapi.WithContext(ctx)); lookupErr == nil {
			logger.Info("Adopting existing provider project after creation conflict")
			return projectProps(project), nil
		}
	}
	return nil, classifyProviderError("project creation", err, resp)
}

// SetGroupMemberAccess grants a user the role on a group, editing the
// membership when it already exists.
func (g *Gateway) SetGroupMemberAccess(ctx context.Context, groupID, userID int, role Role) error {
	level, err := role.AccessLevel()
	if err != nil {
		return err
	}
	_, resp, err := g.groupMembers.AddGroupMember(groupID, &gitlabapi.AddGroupMemberOptions{
		UserID:      gitlabapi.Ptr(userID),
		AccessLevel: gitlabapi.Ptr(level),
	}, gitlabapi.WithContext(ctx))
	if err == nil {
		return nil
	}
	if isConflict(resp) {
		_, editResp, editErr := g.groupMembers.EditGroupMember(groupID, userID, &gitlabapi.EditGroupMemberOptions{
			AccessLevel: gitlabapi.Ptr(level),
		}, gitlabapi.WithContext(ctx))
		if editErr == nil {
			return nil
		}
		return classifyProviderError("group member update", editErr, editResp)
	}
	return classifyProviderError("group member creation", err, resp)
}

// SetProjectMemberAccess grants a user the role on a project, editing
// the membership when it already exists.
func (g *Gateway) SetProjectMemberAccess(ctx context.Context, projectID, userID int, role Role) error {
	level, err := role.AccessLevel()
	if err != nil {
		return err
	}
	_, resp, err := g.projectMembers.AddProjectMember(projectID, &gitlabapi.AddProjectMemberOptions{
		UserID:      gitlabapi.Ptr(userID),
		AccessLevel: gitlabapi.Ptr(level),
	}, gitlabapi.WithContext(ctx))
	if err == nil {
		return nil
	}
	if isConflict(resp) {
		_, editResp, editErr := g.projectMembers.EditProjectMember(projectID, userID, &gitlabapi.EditProjectMemberOptions{
			AccessLevel: gitlabapi.Ptr(level),
		}, gitlabapi.WithContext(ctx))
		if editErr == nil {
			return nil
		}
		return classifyProviderError("project member update", editErr, editResp)
	}
	return classifyProviderError("project member creation", err, resp)
}

// ShareProjectWithGroup grants a whole group the role on a project,
// which is how the members subgroups reach the course projects.
func (g *Gateway) ShareProjectWithGroup(ctx context.Context, projectID, groupID int, role Role) error {
	level, err := role.AccessLevel()
	if err != nil {
		return err
	}
	resp, err := g.projects.ShareProjectWithGroup(projectID, &gitlabapi.ShareWithGroupOptions{
		GroupID:     gitlabapi.Ptr(groupID),
		GroupAccess: gitlabapi.Ptr(level),
	}, gitlabapi.WithContext(ctx))
	if err == nil || isConflict(resp) {
		// An existing share with the same group keeps its level; the
		// provider rejects duplicates instead of updating them.
		return nil
	}
	return classifyProviderError("project share", err, resp)
}

func groupProps(group *gitlabapi.Group) *api.GitLabProps {
	return &api.GitLabProps{
		GroupID:      group.ID,
		WebURL:       group.WebURL,
		FullPath:     group.FullPath,
		LastSyncedAt: time.Now(),
	}
}

func projectProps(project *gitlabapi.Project) *api.GitLabProps {
	props := &api.GitLabProps{
		ProjectID:    project.ID,
		WebURL:       project.WebURL,
		FullPath:     project.PathWithNamespace,
		CloneURL:     project.HTTPURLToRepo,
		LastSyncedAt: time.Now(),
	}
	if project.Namespace != nil {
		props.NamespaceID = project.Namespace.ID
	}
	return props
}

func isNotFound(resp *gitlabapi.Response) bool {
	return resp != nil && resp.StatusCode == 404
}

func isConflict(resp *gitlabapi.Response) bool {
	if resp == nil {
		return false
	}
	// 400 covers "has already been taken" validation responses.
	return resp.StatusCode == 409 || resp.StatusCode == 400
}

// classifyProviderError maps provider responses onto the results
// taxonomy: auth failures are terminal, rate limits and server errors
// retryable, everything else surfaces as-is with a transient default.
func classifyProviderError(operation string, err error, resp *gitlabapi.Response) error {
	if err == nil {
		return nil
	}
	reason := results.ReasonProviderTransient
	if resp != nil {
		switch {
		case resp.StatusCode == 401 || resp.StatusCode == 403:
			reason = results.ReasonProviderAuth
		case resp.StatusCode == 404:
			reason = results.ReasonNotFound
		case resp.StatusCode == 409:
			reason = results.ReasonConflict
		case resp.StatusCode == 429 || resp.StatusCode >= 500:
			reason = results.ReasonProviderTransient
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			reason = results.ReasonValidation
		}
	}
	return results.ForReason(reason).WithError(err).Errorf("%s failed", operation)
}

// HTTPHost returns the host part of the provider base URL, used when
// assembling authenticated clone URLs.
func (g *Gateway) HTTPHost() string {
	return strings.TrimPrefix(strings.TrimPrefix(g.baseURL, "https://"), "http://")
}
