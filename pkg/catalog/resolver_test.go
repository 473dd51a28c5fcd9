package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

// fakeCatalog implements the repository interfaces the resolver needs,
// mirroring the not-found behavior of the real repositories.
type fakeCatalog struct {
	examples map[uuid.UUID]*api.Example
	versions map[uuid.UUID][]*api.ExampleVersion
	edges    map[uuid.UUID][]*api.ExampleDependency
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		examples: map[uuid.UUID]*api.Example{},
		versions: map[uuid.UUID][]*api.ExampleVersion{},
		edges:    map[uuid.UUID][]*api.ExampleDependency{},
	}
}

func (f *fakeCatalog) addExample(repositoryID uuid.UUID, slug string) *api.Example {
	example := &api.Example{
		ID:                  uuid.New(),
		ExampleRepositoryID: repositoryID,
		Identifier:          api.Path(slug),
		Title:               slug,
	}
	f.examples[example.ID] = example
	return example
}

func (f *fakeCatalog) addVersion(example *api.Example, tag string) *api.ExampleVersion {
	version := &api.ExampleVersion{
		ID:            uuid.New(),
		ExampleID:     example.ID,
		VersionTag:    tag,
		VersionNumber: len(f.versions[example.ID]) + 1,
	}
	f.versions[example.ID] = append(f.versions[example.ID], version)
	return version
}

func (f *fakeCatalog) addEdge(from, to *api.Example, constraint string) {
	f.edges[from.ID] = append(f.edges[from.ID], &api.ExampleDependency{
		ID:                uuid.New(),
		ExampleID:         from.ID,
		DependsID:         to.ID,
		VersionConstraint: constraint,
		Depends:           to,
	})
}

func (f *fakeCatalog) Get(_ context.Context, id uuid.UUID) (*api.Example, error) {
	if example, exists := f.examples[id]; exists {
		return example, nil
	}
	return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no example %s", id))
}

func (f *fakeCatalog) GetByIdentifier(_ context.Context, repositoryID uuid.UUID, identifier api.Path) (*api.Example, error) {
	for _, example := range f.examples {
		if example.ExampleRepositoryID == repositoryID && example.Identifier == identifier {
			return example, nil
		}
	}
	return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no example %s", identifier))
}

func (f *fakeCatalog) ListByExample(_ context.Context, exampleID uuid.UUID) ([]*api.ExampleVersion, error) {
	return f.versions[exampleID], nil
}

func (f *fakeCatalog) resolver() *Resolver {
	return &Resolver{examples: f, versions: f, dependencies: edgeLister{f}}
}

// edgeLister disambiguates the two ListByExample methods on fakeCatalog.
type edgeLister struct {
	catalog *fakeCatalog
}

func (l edgeLister) ListByExample(_ context.Context, exampleID uuid.UUID) ([]*api.ExampleDependency, error) {
	return l.catalog.edges[exampleID], nil
}

func (l edgeLister) ListByRepository(_ context.Context, repositoryID uuid.UUID) ([]*api.ExampleDependency, error) {
	var edges []*api.ExampleDependency
	for from, outgoing := range l.catalog.edges {
		if example := l.catalog.examples[from]; example == nil || example.ExampleRepositoryID != repositoryID {
			continue
		}
		edges = append(edges, outgoing...)
	}
	return edges, nil
}

func TestResolve(t *testing.T) {
	repositoryID := uuid.New()
	catalog := newFakeCatalog()
	base := catalog.addExample(repositoryID, "alg.base")
	catalog.addVersion(base, "v1.0")
	catalog.addVersion(base, "v1.1")
	catalog.addVersion(base, "v1.2")

	milestones := catalog.addExample(repositoryID, "alg.milestones")
	catalog.addVersion(milestones, "week1")
	catalog.addVersion(milestones, "week2")

	catalog.addExample(repositoryID, "alg.empty")

	testCases := []struct {
		name           string
		slug           string
		constraint     string
		expectedTag    string
		expectedReason results.Reason
	}{
		{
			name:        "no constraint resolves the highest version number",
			slug:        "alg.base",
			expectedTag: "v1.2",
		},
		{
			name:        "exact tag",
			slug:        "alg.base",
			constraint:  "==v1.1",
			expectedTag: "v1.1",
		},
		{
			name:        "bare tag is exact",
			slug:        "alg.base",
			constraint:  "v1.0",
			expectedTag: "v1.0",
		},
		{
			name:           "exact unknown tag",
			slug:           "alg.base",
			constraint:     "==v7.7",
			expectedReason: results.ReasonUnknownTag,
		},
		{
			name:        "greater-or-equal resolves the anchor",
			slug:        "alg.base",
			constraint:  ">=1.1",
			expectedTag: "v1.1",
		},
		{
			name:           "greater-or-equal with missing anchor",
			slug:           "alg.base",
			constraint:     ">=v9.9",
			expectedReason: results.ReasonNoMatchingVersion,
		},
		{
			name:        "strictly-greater resolves the next version",
			slug:        "alg.base",
			constraint:  ">v1.0",
			expectedTag: "v1.1",
		},
		{
			name:           "strictly-greater than the newest version",
			slug:           "alg.base",
			constraint:     ">v1.2",
			expectedReason: results.ReasonNoMatchingVersion,
		},
		{
			name:        "less-or-equal resolves the anchor",
			slug:        "alg.base",
			constraint:  "<=v1.1",
			expectedTag: "v1.1",
		},
		{
			name:        "strictly-less resolves the previous version",
			slug:        "alg.base",
			constraint:  "<v1.2",
			expectedTag: "v1.1",
		},
		{
			name:           "strictly-less than the oldest version",
			slug:           "alg.base",
			constraint:     "<v1.0",
			expectedReason: results.ReasonNoMatchingVersion,
		},
		{
			name:        "caret picks the newest same-major version",
			slug:        "alg.base",
			constraint:  "^1.0",
			expectedTag: "v1.2",
		},
		{
			name:        "tilde pins major.minor",
			slug:        "alg.base",
			constraint:  "~1.1",
			expectedTag: "v1.1",
		},
		{
			name:           "caret does not step below its anchor",
			slug:           "alg.base",
			constraint:     "^1.3",
			expectedReason: results.ReasonNoMatchingVersion,
		},
		{
			name:        "caret over unparseable tags falls back to the anchor",
			slug:        "alg.milestones",
			constraint:  "^week2",
			expectedTag: "week2",
		},
		{
			name:           "unknown slug",
			slug:           "alg.missing",
			expectedReason: results.ReasonUnknownSlug,
		},
		{
			name:           "example without versions",
			slug:           "alg.empty",
			expectedReason: results.ReasonNoMatchingVersion,
		},
	}

	resolver := catalog.resolver()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			version, err := resolver.Resolve(context.Background(), repositoryID, api.Path(tc.slug), tc.constraint)
			if tc.expectedReason != "" {
				if err == nil {
					t.Fatalf("expected a %s failure, resolved %q", tc.expectedReason, version.VersionTag)
				}
				if actual := results.ReasonFor(err); actual != tc.expectedReason {
					t.Errorf("expected reason %q, got %q (%v)", tc.expectedReason, actual, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected %q, got error: %v", tc.expectedTag, err)
			}
			if version.VersionTag != tc.expectedTag {
				t.Errorf("expected %q, got %q", tc.expectedTag, version.VersionTag)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	repositoryID := uuid.New()
	catalog := newFakeCatalog()
	base := catalog.addExample(repositoryID, "alg.base")
	catalog.addVersion(base, "v1.0")
	catalog.addVersion(base, "v1.1")

	resolver := catalog.resolver()
	first, err := resolver.Resolve(context.Background(), repositoryID, "alg.base", ">=v1.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		repeat, err := resolver.Resolve(context.Background(), repositoryID, "alg.base", ">=v1.0")
		if err != nil {
			t.Fatalf("unexpected error on repetition %d: %v", i, err)
		}
		if repeat.ID != first.ID {
			t.Fatalf("resolution changed between calls: %s then %s", first.VersionTag, repeat.VersionTag)
		}
	}
}

func TestParseConstraint(t *testing.T) {
	testCases := []struct {
		raw            string
		expectedOp     operator
		expectedAnchor string
	}{
		{raw: "", expectedOp: opLatest},
		{raw: "  ", expectedOp: opLatest},
		{raw: "v1.0", expectedOp: opExact, expectedAnchor: "v1.0"},
		{raw: "==v1.0", expectedOp: opExact, expectedAnchor: "v1.0"},
		{raw: ">= v1.0", expectedOp: opGTE, expectedAnchor: "v1.0"},
		{raw: "<=v1.0", expectedOp: opLTE, expectedAnchor: "v1.0"},
		{raw: ">v1.0", expectedOp: opGT, expectedAnchor: "v1.0"},
		{raw: "<v1.0", expectedOp: opLT, expectedAnchor: "v1.0"},
		{raw: "^1.2", expectedOp: opCaret, expectedAnchor: "1.2"},
		{raw: "~1.2.3", expectedOp: opTilde, expectedAnchor: "1.2.3"},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			op, anchor := parseConstraint(tc.raw)
			if op != tc.expectedOp || anchor != tc.expectedAnchor {
				t.Errorf("parseConstraint(%q) = (%v, %q), expected (%v, %q)", tc.raw, op, anchor, tc.expectedOp, tc.expectedAnchor)
			}
		})
	}
}

func TestResolveForExamplePropagatesStorageErrors(t *testing.T) {
	resolver := &Resolver{versions: failingVersionLister{}}
	if _, err := resolver.ResolveForExample(context.Background(), uuid.New(), ""); err == nil {
		t.Fatal("expected the storage error to propagate")
	}
}

type failingVersionLister struct{}

func (failingVersionLister) ListByExample(context.Context, uuid.UUID) ([]*api.ExampleVersion, error) {
	return nil, errors.New("connection refused")
}
