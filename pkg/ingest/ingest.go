// Package ingest turns source trees into catalog state: it discovers
// example directories by their meta.yaml, uploads their content to the
// object store and records examples, versions and dependency edges in
// the database. Ingestion is idempotent per content: a directory whose
// canonical hash already has a version is skipped, and re-using a tag
// for different content is a conflict.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/catalog"
	"github.com/computor/course-tools/pkg/db"
	"github.com/computor/course-tools/pkg/metrics"
	"github.com/computor/course-tools/pkg/objstore"
	"github.com/computor/course-tools/pkg/results"
)

type repositoryGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*api.ExampleRepository, error)
}

type exampleStore interface {
	Create(ctx context.Context, example *api.Example) error
	Update(ctx context.Context, example *api.Example) error
	GetByIdentifier(ctx context.Context, repositoryID uuid.UUID, identifier api.Path) (*api.Example, error)
}

type versionStore interface {
	Create(ctx context.Context, version *api.ExampleVersion) error
	GetByTag(ctx context.Context, exampleID uuid.UUID, tag string) (*api.ExampleVersion, error)
	FindByContentHash(ctx context.Context, exampleID uuid.UUID, hash string) (*api.ExampleVersion, error)
}

type dependencyStore interface {
	ReplaceForExample(ctx context.Context, exampleID uuid.UUID, edges []*api.ExampleDependency) error
	ListByExample(ctx context.Context, exampleID uuid.UUID) ([]*api.ExampleDependency, error)
	ListByRepository(ctx context.Context, repositoryID uuid.UUID) ([]*api.ExampleDependency, error)
}

type dependencyNormalizer interface {
	NormalizeDependencies(ctx context.Context, repositoryID, exampleID uuid.UUID, deps []api.TestDependency) ([]*api.ExampleDependency, error)
}

type uploader interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error
}

// Options configures the ingester.
type Options struct {
	// Policy guards every file before it reaches the store. The zero
	// value means the default policy.
	Policy  objstore.UploadPolicy
	Metrics *metrics.Metrics
}

// Ingester writes example uploads into the catalog.
type Ingester struct {
	repositories repositoryGetter
	examples     exampleStore
	versions     versionStore
	dependencies dependencyStore
	resolver     dependencyNormalizer
	files        uploader
	bucket       string
	policy       objstore.UploadPolicy
	metrics      *metrics.Metrics
	logger       *logrus.Entry
}

// New assembles the ingester over the database, the constraint
// resolver and the object store gateway.
func New(database *db.Database, resolver *catalog.Resolver, files *objstore.Client, logger *logrus.Entry, opts Options) *Ingester {
	policy := opts.Policy
	if policy.AllowedExtensions == nil {
		policy = objstore.DefaultUploadPolicy()
	}
	return &Ingester{
		repositories: database.ExampleRepositories,
		examples:     database.Examples,
		versions:     database.Versions,
		dependencies: database.Dependencies,
		resolver:     resolver,
		files:        files,
		bucket:       files.Bucket,
		policy:       policy,
		metrics:      opts.Metrics,
		logger:       logger,
	}
}

// Outcome is the per-example result of an ingestion run.
type Outcome struct {
	Directory     string    `json:"directory,omitempty"`
	Identifier    api.Path  `json:"identifier,omitempty"`
	ExampleID     uuid.UUID `json:"example_id,omitempty"`
	VersionID     uuid.UUID `json:"version_id,omitempty"`
	VersionTag    string    `json:"version_tag,omitempty"`
	VersionNumber int       `json:"version_number,omitempty"`
	StoragePath   string    `json:"storage_path,omitempty"`
	Files         int       `json:"files,omitempty"`
	// Skipped marks an upload whose content hash already has a
	// version; nothing was written for it.
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func (o Outcome) failed() bool { return o.Error != "" }

// Report is the result of ingesting one source tree into a repository.
type Report struct {
	RepositoryID uuid.UUID `json:"repository_id"`
	Examples     []Outcome `json:"examples,omitempty"`
}

// FailureCount counts the examples that did not ingest.
func (r *Report) FailureCount() int {
	failed := 0
	for _, example := range r.Examples {
		if example.failed() {
			failed++
		}
	}
	return failed
}

// FirstFailureReason returns the classified reason of the first failed
// example, which callers map to exit codes and response statuses.
func (r *Report) FirstFailureReason() results.Reason {
	for _, example := range r.Examples {
		if example.failed() {
			return results.Reason(example.ErrorKind)
		}
	}
	return results.ReasonUnknown
}

// IngestRepository ingests the uploads into the repository. Examples
// fail individually; one broken meta.yaml never blocks its siblings.
// Dependency edges are reconciled in a second phase after every example
// row exists, so uploads in one batch may reference each other in
// either direction.
func (i *Ingester) IngestRepository(ctx context.Context, repositoryID uuid.UUID, uploads []ExampleUpload) (*Report, error) {
	if _, err := i.repositories.Get(ctx, repositoryID); err != nil {
		return nil, err
	}

	sorted := append([]ExampleUpload(nil), uploads...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Directory < sorted[b].Directory })

	report := &Report{RepositoryID: repositoryID}
	type reconcileItem struct {
		index        int
		exampleID    uuid.UUID
		dependencies []api.TestDependency
	}
	var queue []reconcileItem
	for _, upload := range sorted {
		outcome, meta := i.ingestExample(ctx, repositoryID, upload)
		if meta != nil && !outcome.failed() {
			queue = append(queue, reconcileItem{
				index:        len(report.Examples),
				exampleID:    outcome.ExampleID,
				dependencies: meta.TestDependencies,
			})
		}
		report.Examples = append(report.Examples, outcome)
	}

	// Edges are reconciled for skipped uploads too: content hashes
	// cover meta.yaml, so identical content implies identical edges,
	// and re-writing them heals a run that recorded the version but
	// failed before its edges.
	for _, item := range queue {
		if err := i.reconcileDependencies(ctx, repositoryID, item.exampleID, item.dependencies); err != nil {
			outcome := &report.Examples[item.index]
			outcome.Error = err.Error()
			outcome.ErrorKind = string(results.ReasonFor(err))
		}
	}

	for _, outcome := range report.Examples {
		switch {
		case outcome.failed():
			i.metrics.RecordIngestOutcome("failed")
			i.logger.WithField("example", outcome.Directory).
				WithField("kind", outcome.ErrorKind).
				Warn("Example did not ingest")
		case outcome.Skipped:
			i.metrics.RecordIngestOutcome("skipped")
		default:
			i.metrics.RecordIngestOutcome("created")
		}
	}
	return report, nil
}

// ingestExample runs the per-example phase: metadata, policy and
// declared-file checks, the example row, the content hash gate and the
// upload plus version row. The returned metadata is non-nil whenever
// the example row exists, signalling that edges can be reconciled.
func (i *Ingester) ingestExample(ctx context.Context, repositoryID uuid.UUID, upload ExampleUpload) (Outcome, *api.Meta) {
	outcome := Outcome{Directory: upload.Directory}
	fail := func(err error) (Outcome, *api.Meta) {
		outcome.Error = err.Error()
		outcome.ErrorKind = string(results.ReasonFor(err))
		return outcome, nil
	}

	raw, ok := upload.Files[api.MetaFileName]
	if !ok {
		return fail(results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("upload %q carries no %s", upload.Directory, api.MetaFileName)))
	}
	meta, err := api.ParseMeta(raw)
	if err != nil {
		return fail(results.ForReason(results.ReasonValidation).ForError(err))
	}
	identifier, err := identifierFor(upload.Directory, meta)
	if err != nil {
		return fail(err)
	}
	outcome.Identifier = identifier
	if meta.Version == "" {
		return fail(results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("example %s declares no version", identifier)))
	}
	if meta.CourseContentID != "" {
		return fail(results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("example %s sets courseContentId, which is stamped on deployment and must not appear in source metadata", identifier)))
	}
	for name, data := range upload.Files {
		if err := i.policy.CheckUpload(name, int64(len(data))); err != nil {
			return fail(err)
		}
	}
	if err := checkDeclaredFiles(meta, upload.Files); err != nil {
		return fail(err)
	}

	example, err := i.ensureExample(ctx, repositoryID, identifier, upload.Directory, meta)
	if err != nil {
		return fail(err)
	}
	outcome.ExampleID = example.ID

	hash := contentHash(upload.Files)
	existing, err := i.versions.FindByContentHash(ctx, example.ID, hash)
	switch {
	case err == nil:
		outcome.Skipped = true
		outcome.VersionID = existing.ID
		outcome.VersionTag = existing.VersionTag
		outcome.VersionNumber = existing.VersionNumber
		outcome.StoragePath = existing.StoragePath
		return outcome, meta
	case results.ReasonFor(err) != results.ReasonNotFound:
		return fail(err)
	}

	// The tag is checked before anything is uploaded so that a
	// collision leaves no stray objects behind.
	if _, err := i.versions.GetByTag(ctx, example.ID, meta.Version); err == nil {
		return fail(results.ForReason(results.ReasonConflict).
			ForError(fmt.Errorf("version %q of %s already exists with different content, bump the version in %s", meta.Version, identifier, api.MetaFileName)))
	} else if results.ReasonFor(err) != results.ReasonNotFound {
		return fail(err)
	}

	prefix := objstore.VersionPrefix(repositoryID, example.ID, meta.Version)
	names := make([]string, 0, len(upload.Files))
	for name := range upload.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		contentType := mime.TypeByExtension(path.Ext(name))
		if err := i.files.Put(ctx, i.bucket, objstore.ObjectKey(prefix, name), upload.Files[name], contentType, nil); err != nil {
			return fail(err)
		}
	}

	// The version row is written after the upload; a row must never
	// point at a prefix that is still incomplete.
	version := &api.ExampleVersion{
		ExampleID:   example.ID,
		VersionTag:  meta.Version,
		StoragePath: prefix,
		ContentHash: hash,
		Meta:        meta,
	}
	if err := i.versions.Create(ctx, version); err != nil {
		return fail(err)
	}
	outcome.VersionID = version.ID
	outcome.VersionTag = version.VersionTag
	outcome.VersionNumber = version.VersionNumber
	outcome.StoragePath = prefix
	outcome.Files = len(upload.Files)
	i.logger.WithField("example", string(identifier)).
		WithField("version", version.VersionTag).
		WithField("files", len(upload.Files)).
		Info("Ingested example version")
	return outcome, meta
}

// ensureExample finds or creates the example row and refreshes its
// descriptive fields from the metadata.
func (i *Ingester) ensureExample(ctx context.Context, repositoryID uuid.UUID, identifier api.Path, directory string, meta *api.Meta) (*api.Example, error) {
	title := meta.Title
	if title == "" {
		title = identifier.Leaf()
	}
	existing, err := i.examples.GetByIdentifier(ctx, repositoryID, identifier)
	if err == nil {
		if existing.Title != title || existing.Description != meta.Description {
			existing.Title = title
			existing.Description = meta.Description
			if err := i.examples.Update(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	if results.ReasonFor(err) != results.ReasonNotFound {
		return nil, err
	}
	example := &api.Example{
		ExampleRepositoryID: repositoryID,
		Directory:           directory,
		Identifier:          identifier,
		Title:               title,
		Description:         meta.Description,
	}
	if err := i.examples.Create(ctx, example); err != nil {
		return nil, err
	}
	return example, nil
}

// reconcileDependencies swaps the example's outgoing edges for the
// declared set, refusing edges that would close a cycle.
func (i *Ingester) reconcileDependencies(ctx context.Context, repositoryID, exampleID uuid.UUID, declared []api.TestDependency) error {
	edges, err := i.resolver.NormalizeDependencies(ctx, repositoryID, exampleID, declared)
	if err != nil {
		return err
	}
	if err := catalog.CheckAcyclic(ctx, i.dependencies, repositoryID, exampleID, edges); err != nil {
		return err
	}
	return i.dependencies.ReplaceForExample(ctx, exampleID, edges)
}

// identifierFor derives the catalog identifier: an explicit slug wins,
// otherwise the directory path maps label by label.
func identifierFor(directory string, meta *api.Meta) (api.Path, error) {
	raw := meta.Slug
	if raw == "" {
		if directory == "" {
			return "", results.ForReason(results.ReasonValidation).
				ForError(fmt.Errorf("an example at the source root must declare a slug in %s", api.MetaFileName))
		}
		raw = strings.ReplaceAll(directory, "/", ".")
	}
	identifier, err := api.ParsePath(raw)
	if err != nil {
		return "", results.ForReason(results.ReasonValidation).
			WithError(err).Errorf("directory %q does not map to a valid identifier, declare a slug in %s", directory, api.MetaFileName)
	}
	return identifier, nil
}

// checkDeclaredFiles verifies that every file the metadata assigns a
// role to actually ships with the upload. Submission files are exempt:
// they name what students hand in and need not exist in the source.
func checkDeclaredFiles(meta *api.Meta, files map[string][]byte) error {
	var missing []string
	for field, declared := range map[string][]string{
		"additionalFiles":  meta.Properties.AdditionalFiles,
		"testFiles":        meta.Properties.TestFiles,
		"studentTemplates": meta.Properties.StudentTemplates,
	} {
		for _, name := range declared {
			if _, ok := files[name]; !ok {
				missing = append(missing, fmt.Sprintf("properties.%s lists %q", field, name))
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return results.ForReason(results.ReasonValidation).
		ForError(fmt.Errorf("%s declares files the upload does not ship: %s", api.MetaFileName, strings.Join(missing, "; ")))
}

// contentHash computes the canonical hash of an upload: file paths and
// contents in lexical path order, NUL-separated.
func contentHash(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	digest := sha256.New()
	for _, name := range names {
		digest.Write([]byte(name))
		digest.Write([]byte{0})
		digest.Write(files[name])
		digest.Write([]byte{0})
	}
	return hex.EncodeToString(digest.Sum(nil))
}
