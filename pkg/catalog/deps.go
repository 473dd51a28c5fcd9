package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

type repositoryDependencyLister interface {
	dependencyLister
	ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*api.ExampleDependency, error)
}

// ResolvedDependency is one element of a dependency closure: the
// dependency example together with the version its constraint resolved
// to.
type ResolvedDependency struct {
	Example    *api.Example
	Version    *api.ExampleVersion
	Constraint string
}

// ResolveTransitive resolves the dependency closure of an example.
// Every edge constraint is resolved against the catalog; the result is
// deduplicated by resolved version, so two dependents pinning the same
// version share one entry while different pins of the same example
// stay distinct. Cycles fail with DependencyCycle.
func (r *Resolver) ResolveTransitive(ctx context.Context, rootID uuid.UUID) ([]ResolvedDependency, error) {
	root, err := r.examples.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	var resolved []ResolvedDependency
	seen := sets.New[string]()
	if err := r.walk(ctx, root, sets.New[string](), []string{}, seen, &resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *Resolver) walk(ctx context.Context, example *api.Example, ancestors sets.Set[string], traversedPath []string, seen sets.Set[string], out *[]ResolvedDependency) error {
	name := string(example.Identifier)
	if ancestors.Has(name) {
		return results.ForReason(results.ReasonDependencyCycle).WithError(fmt.Errorf("%s is an ancestor of itself; traversed path: %v", name, append(traversedPath, name))).Errorf("dependency cycle detected")
	}
	ancestors.Insert(name)

	edges, err := r.dependencies.ListByExample(ctx, example.ID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		depends := edge.Depends
		if depends == nil {
			if depends, err = r.examples.Get(ctx, edge.DependsID); err != nil {
				return err
			}
		}
		version, err := r.ResolveForExample(ctx, depends.ID, edge.VersionConstraint)
		if err != nil {
			return fmt.Errorf("could not resolve dependency %s of %s: %w", depends.Identifier, example.Identifier, err)
		}
		if !seen.Has(version.ID.String()) {
			seen.Insert(version.ID.String())
			*out = append(*out, ResolvedDependency{Example: depends, Version: version, Constraint: edge.VersionConstraint})
		}
		// Copies keep sibling branches from seeing each other as
		// ancestors.
		ancestorsCopy := ancestors.Clone()
		traversedPathCopy := append(traversedPath[:0:0], traversedPath...)
		traversedPathCopy = append(traversedPathCopy, name)
		if err := r.walk(ctx, depends, ancestorsCopy, traversedPathCopy, seen, out); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeDependencies turns the testDependencies of example metadata
// into dependency edges, resolving each slug within the repository.
// Self-references are trivial cycles and rejected as such.
func (r *Resolver) NormalizeDependencies(ctx context.Context, repositoryID, exampleID uuid.UUID, deps []api.TestDependency) ([]*api.ExampleDependency, error) {
	edges := make([]*api.ExampleDependency, 0, len(deps))
	for i, dep := range deps {
		if err := dep.Validate(); err != nil {
			return nil, results.ForReason(results.ReasonValidation).WithError(err).Errorf("testDependencies[%d] is invalid", i)
		}
		slug := api.Path(dep.Slug)
		depends, err := r.examples.GetByIdentifier(ctx, repositoryID, slug)
		if err != nil {
			if results.ReasonFor(err) == results.ReasonNotFound {
				return nil, results.ForReason(results.ReasonUnknownSlug).WithError(err).Errorf("testDependencies[%d]: no example %q in repository %s", i, slug, repositoryID)
			}
			return nil, err
		}
		if depends.ID == exampleID {
			return nil, results.ForReason(results.ReasonDependencyCycle).WithError(fmt.Errorf("example %s depends on itself", slug)).Errorf("testDependencies[%d] is cyclic", i)
		}
		edges = append(edges, &api.ExampleDependency{
			ExampleID:         exampleID,
			DependsID:         depends.ID,
			VersionConstraint: dep.Version,
		})
	}
	return edges, nil
}

// CheckAcyclic verifies that swapping the outgoing edges of exampleID
// for the candidate set keeps the repository's dependency graph free of
// cycles. Only cycles through the changed example can be new, so the
// search starts there.
func CheckAcyclic(ctx context.Context, dependencies repositoryDependencyLister, repositoryID, exampleID uuid.UUID, candidates []*api.ExampleDependency) error {
	existing, err := dependencies.ListByRepository(ctx, repositoryID)
	if err != nil {
		return err
	}
	adjacency := map[uuid.UUID][]uuid.UUID{}
	for _, edge := range existing {
		if edge.ExampleID == exampleID {
			continue
		}
		adjacency[edge.ExampleID] = append(adjacency[edge.ExampleID], edge.DependsID)
	}
	for _, edge := range candidates {
		adjacency[edge.ExampleID] = append(adjacency[edge.ExampleID], edge.DependsID)
	}
	return hasCycles(adjacency, exampleID, sets.New[string](), []string{})
}

func hasCycles(adjacency map[uuid.UUID][]uuid.UUID, node uuid.UUID, ancestors sets.Set[string], traversedPath []string) error {
	name := node.String()
	if ancestors.Has(name) {
		return results.ForReason(results.ReasonDependencyCycle).WithError(fmt.Errorf("example %s is an ancestor of itself; traversed path: %v", name, append(traversedPath, name))).Errorf("dependency cycle detected")
	}
	ancestors.Insert(name)
	for _, child := range adjacency[node] {
		ancestorsCopy := ancestors.Clone()
		traversedPathCopy := append(traversedPath[:0:0], traversedPath...)
		traversedPathCopy = append(traversedPathCopy, name)
		if err := hasCycles(adjacency, child, ancestorsCopy, traversedPathCopy); err != nil {
			return err
		}
	}
	return nil
}
