package catalog

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

func TestResolveTransitive(t *testing.T) {
	repositoryID := uuid.New()

	t.Run("chain with constraints", func(t *testing.T) {
		catalog := newFakeCatalog()
		sort := catalog.addExample(repositoryID, "alg.sort")
		catalog.addVersion(sort, "v1.0")
		base := catalog.addExample(repositoryID, "alg.base")
		catalog.addVersion(base, "v1.0")
		wanted := catalog.addVersion(base, "v1.1")
		catalog.addVersion(base, "v1.2")
		catalog.addEdge(sort, base, ">=1.1")

		resolved, err := catalog.resolver().ResolveTransitive(context.Background(), sort.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(resolved) != 1 {
			t.Fatalf("expected one dependency, got %d", len(resolved))
		}
		if resolved[0].Version.ID != wanted.ID {
			t.Errorf("expected %s, got %s", wanted.VersionTag, resolved[0].Version.VersionTag)
		}
		if resolved[0].Example.ID != base.ID {
			t.Errorf("expected the dependency to reference %s", base.Identifier)
		}
	})

	t.Run("diamond deduplicates by resolved version", func(t *testing.T) {
		catalog := newFakeCatalog()
		root := catalog.addExample(repositoryID, "course.root")
		catalog.addVersion(root, "v1.0")
		left := catalog.addExample(repositoryID, "course.left")
		catalog.addVersion(left, "v1.0")
		right := catalog.addExample(repositoryID, "course.right")
		catalog.addVersion(right, "v1.0")
		shared := catalog.addExample(repositoryID, "course.shared")
		catalog.addVersion(shared, "v1.0")
		catalog.addEdge(root, left, "")
		catalog.addEdge(root, right, "")
		catalog.addEdge(left, shared, "==v1.0")
		catalog.addEdge(right, shared, "==v1.0")

		resolved, err := catalog.resolver().ResolveTransitive(context.Background(), root.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(resolved) != 3 {
			t.Fatalf("expected left, right and one shared entry, got %d entries", len(resolved))
		}
	})

	t.Run("distinct pins of the same example stay distinct", func(t *testing.T) {
		catalog := newFakeCatalog()
		root := catalog.addExample(repositoryID, "course.root")
		catalog.addVersion(root, "v1.0")
		left := catalog.addExample(repositoryID, "course.left")
		catalog.addVersion(left, "v1.0")
		right := catalog.addExample(repositoryID, "course.right")
		catalog.addVersion(right, "v1.0")
		shared := catalog.addExample(repositoryID, "course.shared")
		catalog.addVersion(shared, "v1.0")
		catalog.addVersion(shared, "v1.1")
		catalog.addEdge(root, left, "")
		catalog.addEdge(root, right, "")
		catalog.addEdge(left, shared, "==v1.0")
		catalog.addEdge(right, shared, "==v1.1")

		resolved, err := catalog.resolver().ResolveTransitive(context.Background(), root.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var sharedTags []string
		for _, dependency := range resolved {
			if dependency.Example.ID == shared.ID {
				sharedTags = append(sharedTags, dependency.Version.VersionTag)
			}
		}
		if len(sharedTags) != 2 {
			t.Errorf("expected both pins of %s, got %v", shared.Identifier, sharedTags)
		}
	})

	t.Run("cycle fails with DependencyCycle", func(t *testing.T) {
		catalog := newFakeCatalog()
		first := catalog.addExample(repositoryID, "cyc.first")
		catalog.addVersion(first, "v1.0")
		second := catalog.addExample(repositoryID, "cyc.second")
		catalog.addVersion(second, "v1.0")
		catalog.addEdge(first, second, "")
		catalog.addEdge(second, first, "")

		_, err := catalog.resolver().ResolveTransitive(context.Background(), first.ID)
		if err == nil {
			t.Fatal("expected a cycle error")
		}
		if reason := results.ReasonFor(err); reason != results.ReasonDependencyCycle {
			t.Errorf("expected reason dependency_cycle, got %q", reason)
		}
	})

	t.Run("unresolvable edge surfaces the resolver failure", func(t *testing.T) {
		catalog := newFakeCatalog()
		root := catalog.addExample(repositoryID, "alg.sort")
		catalog.addVersion(root, "v1.0")
		base := catalog.addExample(repositoryID, "alg.base")
		catalog.addVersion(base, "v1.2")
		catalog.addEdge(root, base, ">=v9.9")

		_, err := catalog.resolver().ResolveTransitive(context.Background(), root.ID)
		if err == nil {
			t.Fatal("expected a resolution error")
		}
		if reason := results.ReasonFor(err); reason != results.ReasonNoMatchingVersion {
			t.Errorf("expected reason no_matching_version, got %q", reason)
		}
	})
}

func TestNormalizeDependencies(t *testing.T) {
	repositoryID := uuid.New()
	catalog := newFakeCatalog()
	sort := catalog.addExample(repositoryID, "alg.sort")
	base := catalog.addExample(repositoryID, "alg.base")
	util := catalog.addExample(repositoryID, "alg.util")
	resolver := catalog.resolver()

	testCases := []struct {
		name           string
		deps           []api.TestDependency
		expectedEdges  int
		expectedReason results.Reason
	}{
		{
			name: "mixed bare and pinned dependencies",
			deps: []api.TestDependency{
				{Slug: "alg.base"},
				{Slug: "alg.util", Version: ">=v1.0"},
			},
			expectedEdges: 2,
		},
		{
			name:           "unknown slug",
			deps:           []api.TestDependency{{Slug: "alg.missing"}},
			expectedReason: results.ReasonUnknownSlug,
		},
		{
			name:           "slug must be hierarchical",
			deps:           []api.TestDependency{{Slug: "base"}},
			expectedReason: results.ReasonValidation,
		},
		{
			name:           "self reference",
			deps:           []api.TestDependency{{Slug: "alg.sort"}},
			expectedReason: results.ReasonDependencyCycle,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			edges, err := resolver.NormalizeDependencies(context.Background(), repositoryID, sort.ID, tc.deps)
			if tc.expectedReason != "" {
				if err == nil {
					t.Fatal("expected an error")
				}
				if actual := results.ReasonFor(err); actual != tc.expectedReason {
					t.Errorf("expected reason %q, got %q", tc.expectedReason, actual)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(edges) != tc.expectedEdges {
				t.Fatalf("expected %d edges, got %d", tc.expectedEdges, len(edges))
			}
			for _, edge := range edges {
				if edge.ExampleID != sort.ID {
					t.Errorf("edge must originate at the example, got %s", edge.ExampleID)
				}
			}
			if edges[0].DependsID != base.ID || edges[1].DependsID != util.ID {
				t.Error("edges must preserve declaration order")
			}
			if edges[1].VersionConstraint != ">=v1.0" {
				t.Errorf("expected the constraint to survive, got %q", edges[1].VersionConstraint)
			}
		})
	}
}

func TestCheckAcyclic(t *testing.T) {
	repositoryID := uuid.New()
	catalog := newFakeCatalog()
	first := catalog.addExample(repositoryID, "cyc.first")
	second := catalog.addExample(repositoryID, "cyc.second")
	third := catalog.addExample(repositoryID, "cyc.third")
	fourth := catalog.addExample(repositoryID, "cyc.fourth")
	catalog.addEdge(first, second, "")
	catalog.addEdge(second, third, "")

	lister := edgeLister{catalog}

	// third → first would close third → first → second → third.
	cyclic := []*api.ExampleDependency{{ExampleID: third.ID, DependsID: first.ID}}
	if err := CheckAcyclic(context.Background(), lister, repositoryID, third.ID, cyclic); err == nil {
		t.Error("expected the closing edge to be rejected")
	} else if reason := results.ReasonFor(err); reason != results.ReasonDependencyCycle {
		t.Errorf("expected reason dependency_cycle, got %q", reason)
	}

	acyclic := []*api.ExampleDependency{{ExampleID: third.ID, DependsID: fourth.ID}}
	if err := CheckAcyclic(context.Background(), lister, repositoryID, third.ID, acyclic); err != nil {
		t.Errorf("expected the edge to pass, got: %v", err)
	}
}
