// Package plan turns the assigned example versions of a course into an
// ordered deployment work list plus the implicit dependency set the
// course content transitively requires.
package plan

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/catalog"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/results"
)

// Item is one direct deployment: a submittable content node together
// with the version assigned to it. Identifier is carried explicitly
// because relation fields do not survive serialization into the
// workflow event log.
type Item struct {
	Content    *api.CourseContent           `json:"content"`
	Deployment *api.CourseContentDeployment `json:"deployment"`
	Version    *api.ExampleVersion          `json:"version"`
	Identifier api.Path                     `json:"identifier"`
}

// Plan is the work list for one deployment run of a course. Items are
// ordered by content path; Dependencies carries the transitively
// required versions that no content is directly bound to, deduplicated
// by version.
type Plan struct {
	CourseID     uuid.UUID                    `json:"course_id"`
	Items        []Item                       `json:"items"`
	Dependencies []catalog.ResolvedDependency `json:"dependencies"`
}

type deploymentLister interface {
	ListByCourse(ctx context.Context, courseID uuid.UUID) ([]*api.CourseContentDeployment, error)
}

type transitiveResolver interface {
	ResolveTransitive(ctx context.Context, exampleID uuid.UUID) ([]catalog.ResolvedDependency, error)
}

// Planner builds deployment plans from the catalog and the course's
// deployment records.
type Planner struct {
	deployments deploymentLister
	resolver    transitiveResolver
}

// NewPlanner wires the planner over the database and the resolver.
func NewPlanner(database *db.Database, resolver *catalog.Resolver) *Planner {
	return &Planner{deployments: database.Deployments, resolver: resolver}
}

// BuildPlan assembles the plan for a course. It fails fast on bindings
// of non-submittable content, unresolved dependency constraints and
// dependency cycles; a course with nothing assigned yields an empty
// plan.
func (p *Planner) BuildPlan(ctx context.Context, courseID uuid.UUID) (*Plan, error) {
	deployments, err := p.deployments.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{CourseID: courseID}
	boundExamples := sets.New[string]()
	for _, deployment := range deployments {
		if deployment.ExampleVersionID == nil {
			continue
		}
		content := deployment.CourseContent
		if content == nil {
			return nil, results.ForReason(results.ReasonIntegrity).ForError(fmt.Errorf("deployment %s references no content", deployment.ID))
		}
		if !content.Submittable {
			return nil, results.ForReason(results.ReasonValidation).ForError(fmt.Errorf("content %s at %s is bound to a version but not submittable", content.ID, content.Path))
		}
		version := deployment.ExampleVersion
		if version == nil {
			return nil, results.ForReason(results.ReasonIntegrity).ForError(fmt.Errorf("deployment %s references missing version %s", deployment.ID, *deployment.ExampleVersionID))
		}
		if version.Example == nil {
			return nil, results.ForReason(results.ReasonIntegrity).ForError(fmt.Errorf("version %s references a missing example", version.ID))
		}
		boundExamples.Insert(version.ExampleID.String())
		plan.Items = append(plan.Items, Item{Content: content, Deployment: deployment, Version: version, Identifier: version.Example.Identifier})
	}
	sort.Slice(plan.Items, func(i, j int) bool {
		return plan.Items[i].Content.Path < plan.Items[j].Content.Path
	})

	// Implicit dependencies: the transitive closure of every direct
	// item, minus examples the course already deploys directly, deduped
	// by resolved version across items.
	seenVersions := sets.New[string]()
	for _, item := range plan.Items {
		resolved, err := p.resolver.ResolveTransitive(ctx, item.Version.ExampleID)
		if err != nil {
			return nil, fmt.Errorf("could not resolve dependencies of content %s: %w", item.Content.Path, err)
		}
		for _, dependency := range resolved {
			if boundExamples.Has(dependency.Example.ID.String()) {
				continue
			}
			if seenVersions.Has(dependency.Version.ID.String()) {
				continue
			}
			seenVersions.Insert(dependency.Version.ID.String())
			plan.Dependencies = append(plan.Dependencies, dependency)
		}
	}
	return plan, nil
}
