package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/objstore"
	"github.com/computor/course-tools/pkg/results"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func TestScanFS(t *testing.T) {
	fsys := fstest.MapFS{
		"README.md":                    {Data: []byte("about the repository")},
		".git/config":                  {Data: []byte("noise")},
		"math/trig/meta.yaml":          {Data: []byte("title: Trig")},
		"math/trig/task.py":            {Data: []byte("print(1)")},
		"math/trig/extra/notes.md":     {Data: []byte("notes")},
		"math/trig/.secret":            {Data: []byte("hidden")},
		"math/trig/advanced/meta.yaml": {Data: []byte("title: Advanced")},
		"math/trig/advanced/task.py":   {Data: []byte("print(2)")},
	}
	uploads, err := ScanFS(fsys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []ExampleUpload{
		{
			Directory: "math/trig",
			Files: map[string][]byte{
				"meta.yaml":      []byte("title: Trig"),
				"task.py":        []byte("print(1)"),
				"extra/notes.md": []byte("notes"),
			},
		},
		{
			Directory: "math/trig/advanced",
			Files: map[string][]byte{
				"meta.yaml": []byte("title: Advanced"),
				"task.py":   []byte("print(2)"),
			},
		},
	}
	if diff := cmp.Diff(expected, uploads); diff != "" {
		t.Errorf("uploads differ from expected: %s", diff)
	}
}

func TestScanFSWithoutExamples(t *testing.T) {
	fsys := fstest.MapFS{"README.md": {Data: []byte("nothing here")}}
	if _, err := ScanFS(fsys); results.ReasonFor(err) != results.ReasonValidation {
		t.Errorf("expected a validation error, got %v", err)
	}
}

func TestScanDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "math", "intro"), 0755); err != nil {
		t.Fatalf("could not create directories: %v", err)
	}
	for name, content := range map[string]string{
		"math/intro/meta.yaml": "title: Intro",
		"math/intro/task.py":   "print()",
	} {
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), []byte(content), 0644); err != nil {
			t.Fatalf("could not write %s: %v", name, err)
		}
	}
	uploads, err := ScanDir(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(uploads) != 1 || uploads[0].Directory != "math/intro" || len(uploads[0].Files) != 2 {
		t.Errorf("expected one upload for math/intro with two files, got %+v", uploads)
	}
}

func TestScanArchive(t *testing.T) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, entry := range []struct{ name, content string }{
		{"course/intro/meta.yaml", "title: Intro"},
		{"course/intro/task.py", "print()"},
		{"course/README.md", "stray file outside any example"},
	} {
		file, err := writer.Create(entry.name)
		if err != nil {
			t.Fatalf("could not add %s: %v", entry.name, err)
		}
		if _, err := file.Write([]byte(entry.content)); err != nil {
			t.Fatalf("could not write %s: %v", entry.name, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("could not close the archive: %v", err)
	}

	uploads, err := ScanArchive(buf.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []ExampleUpload{{
		Directory: "course/intro",
		Files: map[string][]byte{
			"meta.yaml": []byte("title: Intro"),
			"task.py":   []byte("print()"),
		},
	}}
	if diff := cmp.Diff(expected, uploads); diff != "" {
		t.Errorf("uploads differ from expected: %s", diff)
	}

	if _, err := ScanArchive([]byte("not an archive")); results.ReasonFor(err) != results.ReasonValidation {
		t.Errorf("expected a validation error for garbage input, got %v", err)
	}
}

func TestContentHash(t *testing.T) {
	base := map[string][]byte{"a.py": []byte("bc"), "meta.yaml": []byte("v")}
	if contentHash(base) != contentHash(map[string][]byte{"meta.yaml": []byte("v"), "a.py": []byte("bc")}) {
		t.Error("hash depends on insertion order")
	}
	if contentHash(base) == contentHash(map[string][]byte{"a.p": []byte("ybc"), "meta.yaml": []byte("v")}) {
		t.Error("hash does not separate names from contents")
	}
	if contentHash(base) == contentHash(map[string][]byte{"a.py": []byte("bd"), "meta.yaml": []byte("v")}) {
		t.Error("hash ignores content changes")
	}
}

type fakeRepositoryStore struct {
	repositories map[uuid.UUID]*api.ExampleRepository
}

func (f *fakeRepositoryStore) Get(_ context.Context, id uuid.UUID) (*api.ExampleRepository, error) {
	if repository, ok := f.repositories[id]; ok {
		return repository, nil
	}
	return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no repository %s", id))
}

// fakeExampleStore keys examples by identifier only; every test runs
// against a single repository.
type fakeExampleStore struct {
	byIdentifier map[api.Path]*api.Example
	updates      []api.Path
}

func newFakeExampleStore() *fakeExampleStore {
	return &fakeExampleStore{byIdentifier: map[api.Path]*api.Example{}}
}

func (f *fakeExampleStore) Create(_ context.Context, example *api.Example) error {
	if _, ok := f.byIdentifier[example.Identifier]; ok {
		return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("example %s already exists", example.Identifier))
	}
	example.ID = uuid.New()
	stored := *example
	f.byIdentifier[example.Identifier] = &stored
	return nil
}

func (f *fakeExampleStore) Update(_ context.Context, example *api.Example) error {
	f.updates = append(f.updates, example.Identifier)
	stored := *example
	f.byIdentifier[example.Identifier] = &stored
	return nil
}

func (f *fakeExampleStore) GetByIdentifier(_ context.Context, _ uuid.UUID, identifier api.Path) (*api.Example, error) {
	if example, ok := f.byIdentifier[identifier]; ok {
		copied := *example
		return &copied, nil
	}
	return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no example %s", identifier))
}

type fakeVersionStore struct {
	byExample map[uuid.UUID][]*api.ExampleVersion
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{byExample: map[uuid.UUID][]*api.ExampleVersion{}}
}

func (f *fakeVersionStore) Create(_ context.Context, version *api.ExampleVersion) error {
	for _, existing := range f.byExample[version.ExampleID] {
		if existing.VersionTag == version.VersionTag {
			return results.ForReason(results.ReasonConflict).ForError(fmt.Errorf("tag %s already exists", version.VersionTag))
		}
	}
	version.ID = uuid.New()
	version.VersionNumber = len(f.byExample[version.ExampleID]) + 1
	stored := *version
	f.byExample[version.ExampleID] = append(f.byExample[version.ExampleID], &stored)
	return nil
}

func (f *fakeVersionStore) GetByTag(_ context.Context, exampleID uuid.UUID, tag string) (*api.ExampleVersion, error) {
	for _, version := range f.byExample[exampleID] {
		if version.VersionTag == tag {
			copied := *version
			return &copied, nil
		}
	}
	return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no version tagged %s", tag))
}

func (f *fakeVersionStore) FindByContentHash(_ context.Context, exampleID uuid.UUID, hash string) (*api.ExampleVersion, error) {
	versions := f.byExample[exampleID]
	for index := len(versions) - 1; index >= 0; index-- {
		if versions[index].ContentHash == hash {
			copied := *versions[index]
			return &copied, nil
		}
	}
	return nil, results.ForReason(results.ReasonNotFound).ForError(fmt.Errorf("no version with hash %s", hash))
}

type fakeDependencyStore struct {
	byExample map[uuid.UUID][]*api.ExampleDependency
	replaces  int
}

func newFakeDependencyStore() *fakeDependencyStore {
	return &fakeDependencyStore{byExample: map[uuid.UUID][]*api.ExampleDependency{}}
}

func (f *fakeDependencyStore) ReplaceForExample(_ context.Context, exampleID uuid.UUID, edges []*api.ExampleDependency) error {
	f.replaces++
	f.byExample[exampleID] = edges
	return nil
}

func (f *fakeDependencyStore) ListByExample(_ context.Context, exampleID uuid.UUID) ([]*api.ExampleDependency, error) {
	return f.byExample[exampleID], nil
}

func (f *fakeDependencyStore) ListByRepository(context.Context, uuid.UUID) ([]*api.ExampleDependency, error) {
	var all []*api.ExampleDependency
	for _, edges := range f.byExample {
		all = append(all, edges...)
	}
	return all, nil
}

// fakeNormalizer resolves dependency slugs against the example store
// the way the catalog resolver does.
type fakeNormalizer struct {
	examples *fakeExampleStore
}

func (f *fakeNormalizer) NormalizeDependencies(ctx context.Context, repositoryID, exampleID uuid.UUID, deps []api.TestDependency) ([]*api.ExampleDependency, error) {
	edges := make([]*api.ExampleDependency, 0, len(deps))
	for _, dep := range deps {
		depends, err := f.examples.GetByIdentifier(ctx, repositoryID, api.Path(dep.Slug))
		if err != nil {
			return nil, results.ForReason(results.ReasonUnknownSlug).WithError(err).Errorf("no example %q in the repository", dep.Slug)
		}
		if depends.ID == exampleID {
			return nil, results.ForReason(results.ReasonDependencyCycle).ForError(fmt.Errorf("example %s depends on itself", dep.Slug))
		}
		edges = append(edges, &api.ExampleDependency{ExampleID: exampleID, DependsID: depends.ID, VersionConstraint: dep.Version})
	}
	return edges, nil
}

type fakeUploads struct {
	objects map[string][]byte
	err     error
}

func (f *fakeUploads) Put(_ context.Context, bucket, key string, data []byte, _ string, _ map[string]string) error {
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeUploads) keys() []string {
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type ingestFixture struct {
	repositoryID uuid.UUID
	examples     *fakeExampleStore
	versions     *fakeVersionStore
	dependencies *fakeDependencyStore
	uploads      *fakeUploads
	ingester     *Ingester
}

func newIngestFixture() *ingestFixture {
	repositoryID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	examples := newFakeExampleStore()
	versions := newFakeVersionStore()
	dependencies := newFakeDependencyStore()
	uploads := &fakeUploads{}
	ingester := &Ingester{
		repositories: &fakeRepositoryStore{repositories: map[uuid.UUID]*api.ExampleRepository{
			repositoryID: {ID: repositoryID, Name: "course-examples"},
		}},
		examples:     examples,
		versions:     versions,
		dependencies: dependencies,
		resolver:     &fakeNormalizer{examples: examples},
		files:        uploads,
		bucket:       "examples",
		policy:       objstore.DefaultUploadPolicy(),
		logger:       testLogger(),
	}
	return &ingestFixture{
		repositoryID: repositoryID,
		examples:     examples,
		versions:     versions,
		dependencies: dependencies,
		uploads:      uploads,
		ingester:     ingester,
	}
}

func exampleUpload(t *testing.T, directory string, meta api.Meta, files map[string]string) ExampleUpload {
	t.Helper()
	encoded, err := meta.Encode()
	if err != nil {
		t.Fatalf("could not encode metadata: %v", err)
	}
	upload := ExampleUpload{Directory: directory, Files: map[string][]byte{api.MetaFileName: encoded}}
	for name, content := range files {
		upload.Files[name] = []byte(content)
	}
	return upload
}

func TestIngestRepository(t *testing.T) {
	fixture := newIngestFixture()
	uploads := []ExampleUpload{
		exampleUpload(t, "math/algebra", api.Meta{
			Title:            "Algebra",
			Version:          "1.0",
			TestDependencies: []api.TestDependency{{Slug: "math.trig", Version: ">=1.0"}},
			Properties:       api.MetaProperties{TestFiles: []string{"test_algebra.py"}},
		}, map[string]string{"task.py": "solve()", "test_algebra.py": "assert solve()"}),
		exampleUpload(t, "math/trig", api.Meta{
			Title:   "Trigonometry",
			Version: "2.1.0",
		}, map[string]string{"task.py": "sine()"}),
	}

	report, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, uploads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed := report.FailureCount(); failed != 0 {
		t.Fatalf("expected no failures, got %d: %+v", failed, report.Examples)
	}
	if len(report.Examples) != 2 {
		t.Fatalf("expected two outcomes, got %d", len(report.Examples))
	}

	algebra, trig := report.Examples[0], report.Examples[1]
	if algebra.Identifier != "math.algebra" || trig.Identifier != "math.trig" {
		t.Errorf("unexpected identifiers: %q, %q", algebra.Identifier, trig.Identifier)
	}
	if algebra.VersionTag != "1.0" || algebra.VersionNumber != 1 || algebra.Files != 3 || algebra.Skipped {
		t.Errorf("unexpected algebra outcome: %+v", algebra)
	}
	expectedPrefix := objstore.VersionPrefix(fixture.repositoryID, algebra.ExampleID, "1.0")
	if algebra.StoragePath != expectedPrefix {
		t.Errorf("expected storage path %q, got %q", expectedPrefix, algebra.StoragePath)
	}

	expectedKeys := []string{
		"examples/" + objstore.ObjectKey(expectedPrefix, "meta.yaml"),
		"examples/" + objstore.ObjectKey(expectedPrefix, "task.py"),
		"examples/" + objstore.ObjectKey(expectedPrefix, "test_algebra.py"),
		"examples/" + objstore.ObjectKey(trig.StoragePath, "meta.yaml"),
		"examples/" + objstore.ObjectKey(trig.StoragePath, "task.py"),
	}
	sort.Strings(expectedKeys)
	if diff := cmp.Diff(expectedKeys, fixture.uploads.keys()); diff != "" {
		t.Errorf("uploaded objects differ from expected: %s", diff)
	}

	stored := fixture.versions.byExample[algebra.ExampleID]
	if len(stored) != 1 || stored[0].ContentHash == "" || stored[0].Meta == nil || stored[0].Meta.Title != "Algebra" {
		t.Errorf("unexpected stored version: %+v", stored)
	}

	expectedEdges := []*api.ExampleDependency{{
		ExampleID:         algebra.ExampleID,
		DependsID:         trig.ExampleID,
		VersionConstraint: ">=1.0",
	}}
	if diff := cmp.Diff(expectedEdges, fixture.dependencies.byExample[algebra.ExampleID]); diff != "" {
		t.Errorf("algebra edges differ from expected: %s", diff)
	}
	if edges := fixture.dependencies.byExample[trig.ExampleID]; len(edges) != 0 {
		t.Errorf("expected no edges for trig, got %+v", edges)
	}
	if fixture.dependencies.replaces != 2 {
		t.Errorf("expected edges of both examples reconciled, got %d calls", fixture.dependencies.replaces)
	}
}

func TestIngestRepositorySkipsUnchangedContent(t *testing.T) {
	fixture := newIngestFixture()
	uploads := []ExampleUpload{exampleUpload(t, "math/intro", api.Meta{Title: "Intro", Version: "1.0"}, map[string]string{"task.py": "print()"})}

	first, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, uploads)
	if err != nil {
		t.Fatalf("unexpected error on the first run: %v", err)
	}
	uploaded := len(fixture.uploads.objects)

	second, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, uploads)
	if err != nil {
		t.Fatalf("unexpected error on the second run: %v", err)
	}
	outcome := second.Examples[0]
	if !outcome.Skipped || outcome.failed() {
		t.Fatalf("expected the unchanged upload to be skipped, got %+v", outcome)
	}
	if outcome.VersionID != first.Examples[0].VersionID {
		t.Errorf("expected the skip to report the existing version %s, got %s", first.Examples[0].VersionID, outcome.VersionID)
	}
	if len(fixture.uploads.objects) != uploaded {
		t.Errorf("expected no new objects, had %d, have %d", uploaded, len(fixture.uploads.objects))
	}
	if versions := fixture.versions.byExample[outcome.ExampleID]; len(versions) != 1 {
		t.Errorf("expected one stored version, got %d", len(versions))
	}
	// Unchanged content still reconciles edges so a previously failed
	// edge write heals.
	if fixture.dependencies.replaces != 2 {
		t.Errorf("expected one edge reconciliation per run, got %d", fixture.dependencies.replaces)
	}
}

func TestIngestRepositoryRejectsTagReuse(t *testing.T) {
	fixture := newIngestFixture()
	original := exampleUpload(t, "math/intro", api.Meta{Title: "Intro", Version: "1.0"}, map[string]string{"task.py": "print(1)"})
	if _, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, []ExampleUpload{original}); err != nil {
		t.Fatalf("unexpected error on the first run: %v", err)
	}
	uploaded := len(fixture.uploads.objects)

	changed := exampleUpload(t, "math/intro", api.Meta{Title: "Intro", Version: "1.0"}, map[string]string{"task.py": "print(2)"})
	report, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, []ExampleUpload{changed})
	if err != nil {
		t.Fatalf("unexpected error on the second run: %v", err)
	}
	outcome := report.Examples[0]
	if outcome.ErrorKind != string(results.ReasonConflict) || !strings.Contains(outcome.Error, "already exists with different content") {
		t.Errorf("expected a tag conflict, got %+v", outcome)
	}
	if len(fixture.uploads.objects) != uploaded {
		t.Error("expected the conflict to be detected before anything is uploaded")
	}
	if report.FirstFailureReason() != results.ReasonConflict {
		t.Errorf("expected the report to surface the conflict, got %s", report.FirstFailureReason())
	}
}

func TestIngestRepositoryAllocatesVersionNumbers(t *testing.T) {
	fixture := newIngestFixture()
	first := exampleUpload(t, "math/intro", api.Meta{Title: "Intro", Version: "1.0"}, map[string]string{"task.py": "print(1)"})
	if _, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, []ExampleUpload{first}); err != nil {
		t.Fatalf("unexpected error on the first run: %v", err)
	}

	second := exampleUpload(t, "math/intro", api.Meta{Title: "Intro", Version: "1.1"}, map[string]string{"task.py": "print(2)"})
	report, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, []ExampleUpload{second})
	if err != nil {
		t.Fatalf("unexpected error on the second run: %v", err)
	}
	outcome := report.Examples[0]
	if outcome.failed() || outcome.Skipped {
		t.Fatalf("expected a new version, got %+v", outcome)
	}
	if outcome.VersionNumber != 2 || outcome.VersionTag != "1.1" {
		t.Errorf("expected version 1.1 as number 2, got %+v", outcome)
	}
	if !strings.HasSuffix(outcome.StoragePath, "/1.1") {
		t.Errorf("expected a per-tag storage prefix, got %q", outcome.StoragePath)
	}
	if versions := fixture.versions.byExample[outcome.ExampleID]; len(versions) != 2 {
		t.Errorf("expected two stored versions, got %d", len(versions))
	}
}

func TestIngestRepositoryValidation(t *testing.T) {
	testCases := []struct {
		name     string
		upload   func(t *testing.T) ExampleUpload
		fragment string
	}{
		{
			name: "missing meta.yaml",
			upload: func(*testing.T) ExampleUpload {
				return ExampleUpload{Directory: "math/intro", Files: map[string][]byte{"task.py": []byte("print()")}}
			},
			fragment: "carries no meta.yaml",
		},
		{
			name: "unparseable metadata",
			upload: func(*testing.T) ExampleUpload {
				return ExampleUpload{Directory: "math/intro", Files: map[string][]byte{api.MetaFileName: []byte("\ttitle: [")}}
			},
			fragment: "could not parse",
		},
		{
			name: "no version",
			upload: func(t *testing.T) ExampleUpload {
				return exampleUpload(t, "math/intro", api.Meta{Title: "Intro"}, nil)
			},
			fragment: "declares no version",
		},
		{
			name: "course content id in source metadata",
			upload: func(t *testing.T) ExampleUpload {
				return exampleUpload(t, "math/intro", api.Meta{Version: "1.0", CourseContentID: "d4c0ffee"}, nil)
			},
			fragment: "courseContentId",
		},
		{
			name: "directory not mappable to an identifier",
			upload: func(t *testing.T) ExampleUpload {
				return exampleUpload(t, "week-1", api.Meta{Version: "1.0"}, nil)
			},
			fragment: "does not map to a valid identifier",
		},
		{
			name: "root example without a slug",
			upload: func(t *testing.T) ExampleUpload {
				return exampleUpload(t, "", api.Meta{Version: "1.0"}, nil)
			},
			fragment: "must declare a slug",
		},
		{
			name: "disallowed file extension",
			upload: func(t *testing.T) ExampleUpload {
				return exampleUpload(t, "math/intro", api.Meta{Version: "1.0"}, map[string]string{"solver.exe": "MZ"})
			},
			fragment: "not allowed for upload",
		},
		{
			name: "declared file not shipped",
			upload: func(t *testing.T) ExampleUpload {
				return exampleUpload(t, "math/intro", api.Meta{
					Version:    "1.0",
					Properties: api.MetaProperties{TestFiles: []string{"test_missing.py"}},
				}, nil)
			},
			fragment: "does not ship",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newIngestFixture()
			report, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, []ExampleUpload{testCase.upload(t)})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			outcome := report.Examples[0]
			if outcome.ErrorKind != string(results.ReasonValidation) {
				t.Errorf("expected a validation failure, got %+v", outcome)
			}
			if !strings.Contains(outcome.Error, testCase.fragment) {
				t.Errorf("expected the error to contain %q, got %q", testCase.fragment, outcome.Error)
			}
			if len(fixture.uploads.objects) != 0 {
				t.Error("expected nothing to be uploaded")
			}
			if len(fixture.examples.byIdentifier) != 0 {
				t.Error("expected no example row for a rejected upload")
			}
		})
	}
}

func TestIngestRepositoryIsolatesFailures(t *testing.T) {
	fixture := newIngestFixture()
	uploads := []ExampleUpload{
		exampleUpload(t, "math/broken", api.Meta{Version: "1.0"}, map[string]string{"solver.exe": "MZ"}),
		exampleUpload(t, "math/intro", api.Meta{Title: "Intro", Version: "1.0"}, map[string]string{"task.py": "print()"}),
	}
	report, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, uploads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed := report.FailureCount(); failed != 1 {
		t.Fatalf("expected one failure, got %d: %+v", failed, report.Examples)
	}
	if report.Examples[0].ErrorKind != string(results.ReasonValidation) {
		t.Errorf("expected the broken upload to fail validation, got %+v", report.Examples[0])
	}
	intro := report.Examples[1]
	if intro.failed() || intro.VersionID == uuid.Nil {
		t.Errorf("expected the sibling to ingest cleanly, got %+v", intro)
	}
	if len(fixture.uploads.objects) != intro.Files {
		t.Errorf("expected only the clean example's %d files in the store, got %d objects", intro.Files, len(fixture.uploads.objects))
	}
}

func TestIngestRepositoryRejectsUnknownDependency(t *testing.T) {
	fixture := newIngestFixture()
	uploads := []ExampleUpload{exampleUpload(t, "math/algebra", api.Meta{
		Version:          "1.0",
		TestDependencies: []api.TestDependency{{Slug: "math.none"}},
	}, map[string]string{"task.py": "solve()"})}

	report, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, uploads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome := report.Examples[0]
	if outcome.ErrorKind != string(results.ReasonUnknownSlug) {
		t.Fatalf("expected an unknown-slug failure, got %+v", outcome)
	}
	// The version itself was recorded; only the edges were refused.
	if outcome.VersionID == uuid.Nil {
		t.Error("expected the version to be recorded before edge reconciliation failed")
	}
}

func TestIngestRepositoryRejectsDependencyCycles(t *testing.T) {
	fixture := newIngestFixture()
	uploads := []ExampleUpload{
		exampleUpload(t, "math/algebra", api.Meta{
			Version:          "1.0",
			TestDependencies: []api.TestDependency{{Slug: "math.trig"}},
		}, map[string]string{"task.py": "solve()"}),
		exampleUpload(t, "math/self", api.Meta{
			Version:          "1.0",
			TestDependencies: []api.TestDependency{{Slug: "math.self"}},
		}, map[string]string{"task.py": "loop()"}),
		exampleUpload(t, "math/trig", api.Meta{
			Version:          "1.0",
			TestDependencies: []api.TestDependency{{Slug: "math.algebra"}},
		}, map[string]string{"task.py": "sine()"}),
	}

	report, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, uploads)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Examples) != 3 {
		t.Fatalf("expected three outcomes, got %d", len(report.Examples))
	}
	algebra, self, trig := report.Examples[0], report.Examples[1], report.Examples[2]
	if algebra.failed() {
		t.Errorf("expected the first edge of the cycle to be accepted, got %+v", algebra)
	}
	if self.ErrorKind != string(results.ReasonDependencyCycle) {
		t.Errorf("expected the self-dependency to be rejected, got %+v", self)
	}
	if trig.ErrorKind != string(results.ReasonDependencyCycle) {
		t.Errorf("expected the closing edge of the cycle to be rejected, got %+v", trig)
	}
	if edges := fixture.dependencies.byExample[trig.ExampleID]; len(edges) != 0 {
		t.Errorf("expected no edges stored for the rejected example, got %+v", edges)
	}
}

func TestIngestRepositoryUpdatesDescriptiveFields(t *testing.T) {
	fixture := newIngestFixture()
	first := exampleUpload(t, "math/intro", api.Meta{Title: "Old Title", Version: "1.0"}, map[string]string{"task.py": "print()"})
	if _, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, []ExampleUpload{first}); err != nil {
		t.Fatalf("unexpected error on the first run: %v", err)
	}

	second := exampleUpload(t, "math/intro", api.Meta{Title: "New Title", Description: "refreshed", Version: "2.0"}, map[string]string{"task.py": "print()"})
	if _, err := fixture.ingester.IngestRepository(context.Background(), fixture.repositoryID, []ExampleUpload{second}); err != nil {
		t.Fatalf("unexpected error on the second run: %v", err)
	}

	example := fixture.examples.byIdentifier["math.intro"]
	if example.Title != "New Title" || example.Description != "refreshed" {
		t.Errorf("expected the descriptive fields to be refreshed, got %+v", example)
	}
	if len(fixture.examples.updates) != 1 {
		t.Errorf("expected exactly one update, got %v", fixture.examples.updates)
	}
}

func TestIngestRepositoryUnknownRepository(t *testing.T) {
	fixture := newIngestFixture()
	_, err := fixture.ingester.IngestRepository(context.Background(), uuid.New(), nil)
	if results.ReasonFor(err) != results.ReasonNotFound {
		t.Errorf("expected a not-found error, got %v", err)
	}
}
