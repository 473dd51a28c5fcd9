package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	gitlabapi "gitlab.com/gitlab-org/api/client-go"

	"github.com/computor/course-tools/pkg/results"
)

type fakeProvider struct {
	groupsByID     map[int]*gitlabapi.Group
	groupsByPath   map[string]*gitlabapi.Group
	projectsByID   map[int]*gitlabapi.Project
	projectsByPath map[string]*gitlabapi.Project
	nextID         int
	groupMembers   map[string]gitlabapi.AccessLevelValue
	projectMembers map[string]gitlabapi.AccessLevelValue
	projectShares  map[string]gitlabapi.AccessLevelValue
	// hideGroupPathOnce makes the next path lookup for that group miss,
	// simulating a race where another worker creates it concurrently.
	hideGroupPathOnce string
	failCreateGroup   int
	createdGroups     int
	createdProjects   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		groupsByID:     map[int]*gitlabapi.Group{},
		groupsByPath:   map[string]*gitlabapi.Group{},
		projectsByID:   map[int]*gitlabapi.Project{},
		projectsByPath: map[string]*gitlabapi.Project{},
		nextID:         100,
		groupMembers:   map[string]gitlabapi.AccessLevelValue{},
		projectMembers: map[string]gitlabapi.AccessLevelValue{},
		projectShares:  map[string]gitlabapi.AccessLevelValue{},
	}
}

func response(code int) *gitlabapi.Response {
	return &gitlabapi.Response{Response: &http.Response{StatusCode: code}}
}

func (f *fakeProvider) addGroup(id int, fullPath string) *gitlabapi.Group {
	group := &gitlabapi.Group{ID: id, FullPath: fullPath, WebURL: "https://git.example.com/groups/" + fullPath}
	f.groupsByID[id] = group
	f.groupsByPath[fullPath] = group
	return group
}

func (f *fakeProvider) GetGroup(gid interface{}, _ *gitlabapi.GetGroupOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.Group, *gitlabapi.Response, error) {
	switch key := gid.(type) {
	case int:
		if group, ok := f.groupsByID[key]; ok {
			return group, response(200), nil
		}
	case string:
		if f.hideGroupPathOnce == key {
			f.hideGroupPathOnce = ""
			return nil, response(404), fmt.Errorf("404 group not found")
		}
		if group, ok := f.groupsByPath[key]; ok {
			return group, response(200), nil
		}
	}
	return nil, response(404), fmt.Errorf("404 group not found")
}

func (f *fakeProvider) CreateGroup(opt *gitlabapi.CreateGroupOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.Group, *gitlabapi.Response, error) {
	if f.failCreateGroup != 0 {
		code := f.failCreateGroup
		f.failCreateGroup = 0
		return nil, response(code), fmt.Errorf("%d group creation refused", code)
	}
	fullPath := *opt.Path
	if opt.ParentID != nil {
		for _, parent := range f.groupsByID {
			if parent.ID == *opt.ParentID {
				fullPath = parent.FullPath + "/" + *opt.Path
			}
		}
	}
	if _, ok := f.groupsByPath[fullPath]; ok {
		return nil, response(400), fmt.Errorf("400 path has already been taken")
	}
	f.nextID++
	f.createdGroups++
	return f.addGroup(f.nextID, fullPath), response(201), nil
}

func (f *fakeProvider) addProject(id int, fullPath string, namespaceID int) *gitlabapi.Project {
	project := &gitlabapi.Project{
		ID:                id,
		PathWithNamespace: fullPath,
		WebURL:            "https://git.example.com/" + fullPath,
		HTTPURLToRepo:     "https://git.example.com/" + fullPath + ".git",
		Namespace:         &gitlabapi.ProjectNamespace{ID: namespaceID},
	}
	f.projectsByID[id] = project
	f.projectsByPath[fullPath] = project
	return project
}

func (f *fakeProvider) GetProject(pid interface{}, _ *gitlabapi.GetProjectOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.Project, *gitlabapi.Response, error) {
	switch key := pid.(type) {
	case int:
		if project, ok := f.projectsByID[key]; ok {
			return project, response(200), nil
		}
	case string:
		if project, ok := f.projectsByPath[key]; ok {
			return project, response(200), nil
		}
	}
	return nil, response(404), fmt.Errorf("404 project not found")
}

func (f *fakeProvider) CreateProject(opt *gitlabapi.CreateProjectOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.Project, *gitlabapi.Response, error) {
	var namespacePath string
	for _, group := range f.groupsByID {
		if opt.NamespaceID != nil && group.ID == *opt.NamespaceID {
			namespacePath = group.FullPath
		}
	}
	fullPath := namespacePath + "/" + *opt.Path
	if _, ok := f.projectsByPath[fullPath]; ok {
		return nil, response(400), fmt.Errorf("400 path has already been taken")
	}
	f.nextID++
	f.createdProjects++
	namespaceID := 0
	if opt.NamespaceID != nil {
		namespaceID = *opt.NamespaceID
	}
	return f.addProject(f.nextID, fullPath, namespaceID), response(201), nil
}

func (f *fakeProvider) ShareProjectWithGroup(pid interface{}, opt *gitlabapi.ShareWithGroupOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.Response, error) {
	key := fmt.Sprintf("%v->%d", pid, *opt.GroupID)
	if _, ok := f.projectShares[key]; ok {
		return response(409), fmt.Errorf("409 already shared")
	}
	f.projectShares[key] = *opt.GroupAccess
	return response(201), nil
}

func (f *fakeProvider) AddGroupMember(gid interface{}, opt *gitlabapi.AddGroupMemberOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.GroupMember, *gitlabapi.Response, error) {
	key := fmt.Sprintf("%v/%d", gid, *opt.UserID)
	if _, ok := f.groupMembers[key]; ok {
		return nil, response(409), fmt.Errorf("409 member already exists")
	}
	f.groupMembers[key] = *opt.AccessLevel
	return &gitlabapi.GroupMember{ID: *opt.UserID}, response(201), nil
}

func (f *fakeProvider) EditGroupMember(gid interface{}, user int, opt *gitlabapi.EditGroupMemberOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.GroupMember, *gitlabapi.Response, error) {
	key := fmt.Sprintf("%v/%d", gid, user)
	if _, ok := f.groupMembers[key]; !ok {
		return nil, response(404), fmt.Errorf("404 member not found")
	}
	f.groupMembers[key] = *opt.AccessLevel
	return &gitlabapi.GroupMember{ID: user}, response(200), nil
}

func (f *fakeProvider) AddProjectMember(pid interface{}, opt *gitlabapi.AddProjectMemberOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.ProjectMember, *gitlabapi.Response, error) {
	key := fmt.Sprintf("%v/%d", pid, *opt.UserID.(*int))
	if _, ok := f.projectMembers[key]; ok {
		return nil, response(409), fmt.Errorf("409 member already exists")
	}
	f.projectMembers[key] = *opt.AccessLevel
	return &gitlabapi.ProjectMember{ID: *opt.UserID.(*int)}, response(201), nil
}

func (f *fakeProvider) EditProjectMember(pid interface{}, user int, opt *gitlabapi.EditProjectMemberOptions, _ ...gitlabapi.RequestOptionFunc) (*gitlabapi.ProjectMember, *gitlabapi.Response, error) {
	key := fmt.Sprintf("%v/%d", pid, user)
	if _, ok := f.projectMembers[key]; !ok {
		return nil, response(404), fmt.Errorf("404 member not found")
	}
	f.projectMembers[key] = *opt.AccessLevel
	return &gitlabapi.ProjectMember{ID: user}, response(200), nil
}

func testGateway(provider *fakeProvider) *Gateway {
	return &Gateway{
		groups:         provider,
		projects:       provider,
		groupMembers:   provider,
		projectMembers: provider,
		baseURL:        "https://git.example.com",
		logger:         logrus.WithField("test", "gateway"),
	}
}

func TestEnsureGroup(t *testing.T) {
	t.Parallel()
	for _, testCase := range []struct {
		name            string
		setup           func(*fakeProvider)
		spec            GroupSpec
		expectedID      int
		expectedCreated int
		expectedReason  results.Reason
	}{
		{
			name: "cached id resolves without creating",
			setup: func(f *fakeProvider) {
				f.addGroup(7, "uni/prog")
			},
			spec:       GroupSpec{Name: "Programming", Path: "prog", ParentFullPath: "uni", CachedID: 7},
			expectedID: 7,
		},
		{
			name: "stale cached id falls back to path lookup",
			setup: func(f *fakeProvider) {
				f.addGroup(8, "uni/prog")
			},
			spec:       GroupSpec{Name: "Programming", Path: "prog", ParentFullPath: "uni", CachedID: 999},
			expectedID: 8,
		},
		{
			name:            "missing group is created",
			setup:           func(f *fakeProvider) { f.addGroup(3, "uni") },
			spec:            GroupSpec{Name: "Programming", Path: "prog", ParentID: 3, ParentFullPath: "uni"},
			expectedID:      101,
			expectedCreated: 1,
		},
		{
			name: "creation conflict adopts the existing group",
			setup: func(f *fakeProvider) {
				f.addGroup(3, "uni")
				f.addGroup(42, "uni/prog")
				f.hideGroupPathOnce = "uni/prog"
				f.failCreateGroup = 409
			},
			spec:       GroupSpec{Name: "Programming", Path: "prog", ParentID: 3, ParentFullPath: "uni"},
			expectedID: 42,
		},
		{
			name: "auth failure is terminal",
			setup: func(f *fakeProvider) {
				f.addGroup(3, "uni")
				f.failCreateGroup = 403
			},
			spec:           GroupSpec{Name: "Programming", Path: "prog", ParentID: 3, ParentFullPath: "uni"},
			expectedReason: results.ReasonProviderAuth,
		},
		{
			name: "rate limit is transient",
			setup: func(f *fakeProvider) {
				f.addGroup(3, "uni")
				f.failCreateGroup = 429
			},
			spec:           GroupSpec{Name: "Programming", Path: "prog", ParentID: 3, ParentFullPath: "uni"},
			expectedReason: results.ReasonProviderTransient,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			provider := newFakeProvider()
			testCase.setup(provider)
			gateway := testGateway(provider)
			props, err := gateway.EnsureGroup(context.Background(), testCase.spec)
			if testCase.expectedReason != "" {
				if err == nil {
					t.Fatalf("expected error with reason %s, got none", testCase.expectedReason)
				}
				if actual := results.ReasonFor(err); actual != testCase.expectedReason {
					t.Errorf("expected reason %s, got %s", testCase.expectedReason, actual)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if props.GroupID != testCase.expectedID {
				t.Errorf("expected group id %d, got %d", testCase.expectedID, props.GroupID)
			}
			if provider.createdGroups != testCase.expectedCreated {
				t.Errorf("expected %d group creations, got %d", testCase.expectedCreated, provider.createdGroups)
			}
		})
	}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.addGroup(3, "uni")
	gateway := testGateway(provider)
	spec := GroupSpec{Name: "Programming", Path: "prog", ParentID: 3, ParentFullPath: "uni"}

	first, err := gateway.EnsureGroup(context.Background(), spec)
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	spec.CachedID = first.GroupID
	second, err := gateway.EnsureGroup(context.Background(), spec)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if first.GroupID != second.GroupID {
		t.Errorf("expected stable group id, got %d then %d", first.GroupID, second.GroupID)
	}
	if provider.createdGroups != 1 {
		t.Errorf("expected exactly one creation, got %d", provider.createdGroups)
	}
}

func TestEnsureProject(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	provider.addGroup(3, "uni/prog/ws25")
	gateway := testGateway(provider)
	spec := ProjectSpec{
		Name:              "assignments",
		Path:              "assignments",
		NamespaceID:       3,
		NamespaceFullPath: "uni/prog/ws25",
		Initialize:        true,
	}

	first, err := gateway.EnsureProject(context.Background(), spec)
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if first.FullPath != "uni/prog/ws25/assignments" {
		t.Errorf("unexpected full path %q", first.FullPath)
	}
	if first.CloneURL == "" {
		t.Error("expected a clone url")
	}
	if first.NamespaceID != 3 {
		t.Errorf("expected namespace id 3, got %d", first.NamespaceID)
	}

	second, err := gateway.EnsureProject(context.Background(), spec)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if first.ProjectID != second.ProjectID {
		t.Errorf("expected stable project id, got %d then %d", first.ProjectID, second.ProjectID)
	}
	if provider.createdProjects != 1 {
		t.Errorf("expected exactly one creation, got %d", provider.createdProjects)
	}
}

func TestSetGroupMemberAccessUpdatesExistingMembership(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	gateway := testGateway(provider)

	if err := gateway.SetGroupMemberAccess(context.Background(), 5, 11, RoleRead); err != nil {
		t.Fatalf("initial grant failed: %v", err)
	}
	if err := gateway.SetGroupMemberAccess(context.Background(), 5, 11, RoleReadWrite); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if level := provider.groupMembers["5/11"]; level != gitlabapi.DeveloperPermissions {
		t.Errorf("expected developer level after upgrade, got %d", level)
	}
}

func TestShareProjectWithGroupToleratesExistingShare(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	gateway := testGateway(provider)

	if err := gateway.ShareProjectWithGroup(context.Background(), 9, 4, RoleRead); err != nil {
		t.Fatalf("initial share failed: %v", err)
	}
	if err := gateway.ShareProjectWithGroup(context.Background(), 9, 4, RoleRead); err != nil {
		t.Fatalf("repeated share failed: %v", err)
	}
}

func TestRoleAccessLevel(t *testing.T) {
	t.Parallel()
	for _, testCase := range []struct {
		role           Role
		expected       gitlabapi.AccessLevelValue
		expectedReason results.Reason
	}{
		{role: RoleRead, expected: gitlabapi.ReporterPermissions},
		{role: RoleReadWrite, expected: gitlabapi.DeveloperPermissions},
		{role: RoleAdmin, expected: gitlabapi.MaintainerPermissions},
		{role: Role("owner"), expectedReason: results.ReasonValidation},
	} {
		t.Run(string(testCase.role), func(t *testing.T) {
			level, err := testCase.role.AccessLevel()
			if testCase.expectedReason != "" {
				if err == nil {
					t.Fatal("expected an error")
				}
				if actual := results.ReasonFor(err); actual != testCase.expectedReason {
					t.Errorf("expected reason %s, got %s", testCase.expectedReason, actual)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if level != testCase.expected {
				t.Errorf("expected level %d, got %d", testCase.expected, level)
			}
		})
	}
}
