// Package catalog is the service layer over the example catalog: it
// resolves version constraints against the version_number ordering and
// walks the dependency graph, rejecting cycles.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/blang/semver"
	"github.com/google/uuid"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/results"
)

type exampleGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*api.Example, error)
	GetByIdentifier(ctx context.Context, repositoryID uuid.UUID, identifier api.Path) (*api.Example, error)
}

type versionLister interface {
	ListByExample(ctx context.Context, exampleID uuid.UUID) ([]*api.ExampleVersion, error)
}

type dependencyLister interface {
	ListByExample(ctx context.Context, exampleID uuid.UUID) ([]*api.ExampleDependency, error)
}

// Resolver resolves (slug, constraint) pairs to concrete versions.
// Resolution is a pure function of catalog state: all ordering flows
// from version_number, and tags are only parsed for the ^/~ operators.
type Resolver struct {
	examples     exampleGetter
	versions     versionLister
	dependencies dependencyLister
}

// NewResolver builds a resolver over the catalog repositories.
func NewResolver(database *db.Database) *Resolver {
	return &Resolver{
		examples:     database.Examples,
		versions:     database.Versions,
		dependencies: database.Dependencies,
	}
}

// Resolve looks the slug up in the repository and applies the
// constraint. Missing slugs fail with UnknownSlug.
func (r *Resolver) Resolve(ctx context.Context, repositoryID uuid.UUID, slug api.Path, constraint string) (*api.ExampleVersion, error) {
	example, err := r.examples.GetByIdentifier(ctx, repositoryID, slug)
	if err != nil {
		if results.ReasonFor(err) == results.ReasonNotFound {
			return nil, results.ForReason(results.ReasonUnknownSlug).WithError(err).Errorf("no example %q in repository %s", slug, repositoryID)
		}
		return nil, err
	}
	return r.ResolveForExample(ctx, example.ID, constraint)
}

// ResolveForExample applies the constraint over the versions of a known
// example.
func (r *Resolver) ResolveForExample(ctx context.Context, exampleID uuid.UUID, constraint string) (*api.ExampleVersion, error) {
	versions, err := r.versions.ListByExample(ctx, exampleID)
	if err != nil {
		return nil, err
	}
	return pick(exampleID, versions, constraint)
}

type operator int

const (
	opLatest operator = iota
	opExact
	opGTE
	opLTE
	opGT
	opLT
	opCaret
	opTilde
)

func parseConstraint(raw string) (operator, string) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return opLatest, ""
	case strings.HasPrefix(raw, "=="):
		return opExact, strings.TrimSpace(raw[2:])
	case strings.HasPrefix(raw, ">="):
		return opGTE, strings.TrimSpace(raw[2:])
	case strings.HasPrefix(raw, "<="):
		return opLTE, strings.TrimSpace(raw[2:])
	case strings.HasPrefix(raw, ">"):
		return opGT, strings.TrimSpace(raw[1:])
	case strings.HasPrefix(raw, "<"):
		return opLT, strings.TrimSpace(raw[1:])
	case strings.HasPrefix(raw, "^"):
		return opCaret, strings.TrimSpace(raw[1:])
	case strings.HasPrefix(raw, "~"):
		return opTilde, strings.TrimSpace(raw[1:])
	default:
		return opExact, raw
	}
}

// findTag matches the anchor against the version tags. Tags carry a
// leading v by convention while constraints are written both ways, so
// the lookup tolerates the prefix without parsing anything else.
func findTag(versions []*api.ExampleVersion, tag string) *api.ExampleVersion {
	alternate := "v" + tag
	if strings.HasPrefix(tag, "v") {
		alternate = strings.TrimPrefix(tag, "v")
	}
	for _, candidate := range []string{tag, alternate} {
		for _, version := range versions {
			if version.VersionTag == candidate {
				return version
			}
		}
	}
	return nil
}

// pick applies the constraint grammar. versions must be sorted by
// ascending version_number, which is how the repository lists them.
func pick(exampleID uuid.UUID, versions []*api.ExampleVersion, constraint string) (*api.ExampleVersion, error) {
	op, anchor := parseConstraint(constraint)
	if len(versions) == 0 {
		return nil, results.ForReason(results.ReasonNoMatchingVersion).WithError(fmt.Errorf("example %s has no versions", exampleID)).Errorf("cannot satisfy %q", constraint)
	}

	switch op {
	case opLatest:
		return versions[len(versions)-1], nil
	case opExact:
		if version := findTag(versions, anchor); version != nil {
			return version, nil
		}
		return nil, results.ForReason(results.ReasonUnknownTag).WithError(fmt.Errorf("example %s has no version tagged %q", exampleID, anchor)).Errorf("cannot satisfy %q", constraint)
	case opCaret, opTilde:
		return pickCompatible(exampleID, versions, constraint, op, anchor)
	}

	// The remaining operators range over version_number relative to the
	// anchor tag's number. A missing anchor means nothing can satisfy
	// the range.
	anchorVersion := findTag(versions, anchor)
	if anchorVersion == nil {
		return nil, noMatch(exampleID, constraint)
	}
	switch op {
	case opGTE, opLTE:
		// The smallest number >= the anchor's (and the largest <=) is
		// the anchor itself.
		return anchorVersion, nil
	case opGT:
		for _, version := range versions {
			if version.VersionNumber > anchorVersion.VersionNumber {
				return version, nil
			}
		}
	case opLT:
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].VersionNumber < anchorVersion.VersionNumber {
				return versions[i], nil
			}
		}
	}
	return nil, noMatch(exampleID, constraint)
}

// pickCompatible implements ^ and ~: among versions whose tags parse as
// semver with the anchor's major (and minor, for ~) and that are not
// below the anchor, the highest version_number wins. When semver cannot
// be applied because the anchor or all tags fail to parse, the
// constraint degrades to plain >= semantics.
func pickCompatible(exampleID uuid.UUID, versions []*api.ExampleVersion, constraint string, op operator, anchor string) (*api.ExampleVersion, error) {
	fallback := func() (*api.ExampleVersion, error) {
		if anchorVersion := findTag(versions, anchor); anchorVersion != nil {
			return anchorVersion, nil
		}
		return nil, noMatch(exampleID, constraint)
	}

	anchorSemver, err := semver.ParseTolerant(anchor)
	if err != nil {
		return fallback()
	}
	var best *api.ExampleVersion
	parsedAny := false
	for _, version := range versions {
		parsed, err := semver.ParseTolerant(version.VersionTag)
		if err != nil {
			continue
		}
		parsedAny = true
		if parsed.Major != anchorSemver.Major {
			continue
		}
		if op == opTilde && parsed.Minor != anchorSemver.Minor {
			continue
		}
		if parsed.LT(anchorSemver) {
			continue
		}
		best = version
	}
	if !parsedAny {
		return fallback()
	}
	if best == nil {
		return nil, noMatch(exampleID, constraint)
	}
	return best, nil
}

func noMatch(exampleID uuid.UUID, constraint string) error {
	return results.ForReason(results.ReasonNoMatchingVersion).WithError(fmt.Errorf("no version of example %s satisfies %q", exampleID, constraint)).Errorf("cannot satisfy %q", constraint)
}
