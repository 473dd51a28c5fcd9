package plan

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/catalog"
	"github.com/computor/course-tools/pkg/results"
)

type fakeDeployments struct {
	deployments []*api.CourseContentDeployment
	err         error
}

func (f *fakeDeployments) ListByCourse(context.Context, uuid.UUID) ([]*api.CourseContentDeployment, error) {
	return f.deployments, f.err
}

type fakeResolver struct {
	closures map[uuid.UUID][]catalog.ResolvedDependency
	err      error
}

func (f *fakeResolver) ResolveTransitive(_ context.Context, exampleID uuid.UUID) ([]catalog.ResolvedDependency, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.closures[exampleID], nil
}

func example(slug string) *api.Example {
	return &api.Example{ID: uuid.New(), Identifier: api.Path(slug)}
}

func version(of *api.Example, tag string, number int) *api.ExampleVersion {
	return &api.ExampleVersion{ID: uuid.New(), ExampleID: of.ID, Example: of, VersionTag: tag, VersionNumber: number}
}

func binding(path string, submittable bool, v *api.ExampleVersion) *api.CourseContentDeployment {
	content := &api.CourseContent{
		ID:          uuid.New(),
		Path:        api.Path(path),
		Kind:        api.ContentKindAssignment,
		Submittable: submittable,
	}
	deployment := &api.CourseContentDeployment{
		ID:              uuid.New(),
		CourseContentID: content.ID,
		CourseContent:   content,
		Status:          api.DeploymentAssigned,
	}
	if v != nil {
		deployment.ExampleVersionID = &v.ID
		deployment.ExampleVersion = v
		content.ExampleID = &v.ExampleID
		content.ExampleVersionID = &v.ID
	}
	return deployment
}

func TestBuildPlan(t *testing.T) {
	courseID := uuid.New()

	sortExample := example("alg.sort")
	sortVersion := version(sortExample, "v1.0", 1)
	baseExample := example("alg.base")
	baseVersion := version(baseExample, "v1.1", 2)

	t.Run("orders items by content path", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week2.sorting", true, sortVersion),
				binding("week1.basics", true, baseVersion),
			}},
			resolver: &fakeResolver{},
		}
		plan, err := planner.BuildPlan(context.Background(), courseID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(plan.Items))
		}
		if plan.Items[0].Content.Path != "week1.basics" || plan.Items[1].Content.Path != "week2.sorting" {
			t.Errorf("items are not ordered by path: %s, %s", plan.Items[0].Content.Path, plan.Items[1].Content.Path)
		}
	})

	t.Run("skips unbound deployments", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week1.basics", true, nil),
				binding("week2.sorting", true, sortVersion),
			}},
			resolver: &fakeResolver{},
		}
		plan, err := planner.BuildPlan(context.Background(), courseID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Items) != 1 {
			t.Fatalf("expected the unbound content to be skipped, got %d items", len(plan.Items))
		}
	})

	t.Run("fails fast on non-submittable bindings", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week1.intro", false, sortVersion),
			}},
			resolver: &fakeResolver{},
		}
		_, err := planner.BuildPlan(context.Background(), courseID)
		if err == nil {
			t.Fatal("expected an error")
		}
		if reason := results.ReasonFor(err); reason != results.ReasonValidation {
			t.Errorf("expected reason validation, got %q", reason)
		}
	})

	t.Run("collects implicit dependencies", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week2.sorting", true, sortVersion),
			}},
			resolver: &fakeResolver{closures: map[uuid.UUID][]catalog.ResolvedDependency{
				sortExample.ID: {{Example: baseExample, Version: baseVersion, Constraint: ">=1.1"}},
			}},
		}
		plan, err := planner.BuildPlan(context.Background(), courseID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Dependencies) != 1 {
			t.Fatalf("expected one implicit dependency, got %d", len(plan.Dependencies))
		}
		if plan.Dependencies[0].Version.ID != baseVersion.ID {
			t.Errorf("expected %s, got %s", baseVersion.VersionTag, plan.Dependencies[0].Version.VersionTag)
		}
	})

	t.Run("directly bound examples are not deployed implicitly", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week1.basics", true, baseVersion),
				binding("week2.sorting", true, sortVersion),
			}},
			resolver: &fakeResolver{closures: map[uuid.UUID][]catalog.ResolvedDependency{
				sortExample.ID: {{Example: baseExample, Version: baseVersion, Constraint: ">=1.1"}},
			}},
		}
		plan, err := planner.BuildPlan(context.Background(), courseID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Dependencies) != 0 {
			t.Errorf("expected no implicit dependencies, got %d", len(plan.Dependencies))
		}
	})

	t.Run("shared dependencies are planned once", func(t *testing.T) {
		otherExample := example("alg.search")
		otherVersion := version(otherExample, "v2.0", 1)
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week2.sorting", true, sortVersion),
				binding("week3.searching", true, otherVersion),
			}},
			resolver: &fakeResolver{closures: map[uuid.UUID][]catalog.ResolvedDependency{
				sortExample.ID:  {{Example: baseExample, Version: baseVersion}},
				otherExample.ID: {{Example: baseExample, Version: baseVersion}},
			}},
		}
		plan, err := planner.BuildPlan(context.Background(), courseID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Dependencies) != 1 {
			t.Errorf("expected the shared dependency once, got %d entries", len(plan.Dependencies))
		}
	})

	t.Run("resolver failures propagate with their reason", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week2.sorting", true, sortVersion),
			}},
			resolver: &fakeResolver{err: results.ForReason(results.ReasonNoMatchingVersion).ForError(fmt.Errorf("no version matches"))},
		}
		_, err := planner.BuildPlan(context.Background(), courseID)
		if err == nil {
			t.Fatal("expected an error")
		}
		if reason := results.ReasonFor(err); reason != results.ReasonNoMatchingVersion {
			t.Errorf("expected reason no_matching_version, got %q", reason)
		}
	})

	t.Run("storage errors propagate", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{err: errors.New("connection refused")},
			resolver:    &fakeResolver{},
		}
		if _, err := planner.BuildPlan(context.Background(), courseID); err == nil {
			t.Fatal("expected the storage error to propagate")
		}
	})

	t.Run("items carry the example identifier", func(t *testing.T) {
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week2.sorting", true, sortVersion),
			}},
			resolver: &fakeResolver{},
		}
		plan, err := planner.BuildPlan(context.Background(), courseID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Items[0].Identifier != sortExample.Identifier {
			t.Errorf("expected identifier %q, got %q", sortExample.Identifier, plan.Items[0].Identifier)
		}
	})

	t.Run("versions without their example fail integrity", func(t *testing.T) {
		orphaned := version(sortExample, "v9.9", 9)
		orphaned.Example = nil
		planner := &Planner{
			deployments: &fakeDeployments{deployments: []*api.CourseContentDeployment{
				binding("week2.sorting", true, orphaned),
			}},
			resolver: &fakeResolver{},
		}
		_, err := planner.BuildPlan(context.Background(), courseID)
		if err == nil {
			t.Fatal("expected an error")
		}
		if reason := results.ReasonFor(err); reason != results.ReasonIntegrity {
			t.Errorf("expected reason integrity, got %q", reason)
		}
	})

	t.Run("empty course yields an empty plan", func(t *testing.T) {
		planner := &Planner{deployments: &fakeDeployments{}, resolver: &fakeResolver{}}
		plan, err := planner.BuildPlan(context.Background(), courseID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(plan.Items) != 0 || len(plan.Dependencies) != 0 {
			t.Errorf("expected an empty plan, got %d items and %d dependencies", len(plan.Items), len(plan.Dependencies))
		}
	})
}
