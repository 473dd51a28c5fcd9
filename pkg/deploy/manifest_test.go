package deploy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
	"github.com/computor/course-tools/pkg/testhelper"
)

func version(tag string) *api.ExampleVersion {
	return &api.ExampleVersion{
		ID:         uuid.New(),
		ExampleID:  uuid.New(),
		VersionTag: tag,
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	tree := map[string]string{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("could not read tree under %s: %v", dir, err)
	}
	return tree
}

func TestMaterialize(t *testing.T) {
	t.Parallel()

	t.Run("fresh deployment writes files and manifest", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		v := version("v1.0")
		manifest, err := materialize(dir, v, map[string][]byte{
			"main.py":       []byte("print('hi')"),
			"docs/notes.md": []byte("notes"),
		}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"docs/notes.md", "main.py"}, manifest.Files); diff != "" {
			t.Errorf("manifest files differ: %s", diff)
		}
		if manifest.ExampleVersionID != v.ID {
			t.Errorf("expected manifest to pin version %s, got %s", v.ID, manifest.ExampleVersionID)
		}
		stored, err := ReadManifest(dir)
		if err != nil {
			t.Fatalf("could not read back manifest: %v", err)
		}
		if diff := cmp.Diff(manifest, stored); diff != "" {
			t.Errorf("stored manifest differs: %s", diff)
		}
		if _, err := os.Stat(filepath.Join(dir, "docs", "notes.md")); err != nil {
			t.Errorf("expected docs/notes.md to exist: %v", err)
		}
	})

	t.Run("version change removes files the new version dropped", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		if _, err := materialize(dir, version("v1.0"), map[string][]byte{
			"main.py":   []byte("one"),
			"legacy.py": []byte("old"),
		}, nil); err != nil {
			t.Fatalf("unexpected error on first deployment: %v", err)
		}
		// A file the deployer never wrote must survive the upgrade.
		if err := os.WriteFile(filepath.Join(dir, "instructor-notes.txt"), []byte("keep"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := materialize(dir, version("v2.0"), map[string][]byte{
			"main.py": []byte("two"),
		}, nil); err != nil {
			t.Fatalf("unexpected error on second deployment: %v", err)
		}
		tree := readTree(t, dir)
		if _, stale := tree["legacy.py"]; stale {
			t.Error("expected legacy.py to be removed")
		}
		if tree["main.py"] != "two" {
			t.Errorf("expected main.py to carry the new bytes, got %q", tree["main.py"])
		}
		if tree["instructor-notes.txt"] != "keep" {
			t.Error("expected unmanaged instructor-notes.txt to survive")
		}
	})

	t.Run("redeploying the same version is a no-op", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		v := version("v1.0")
		files := map[string][]byte{"main.py": []byte("same")}
		if _, err := materialize(dir, v, files, nil); err != nil {
			t.Fatalf("unexpected error on first deployment: %v", err)
		}
		before := readTree(t, dir)
		if _, err := materialize(dir, v, files, nil); err != nil {
			t.Fatalf("unexpected error on rerun: %v", err)
		}
		if diff := cmp.Diff(before, readTree(t, dir)); diff != "" {
			t.Errorf("rerun changed the tree: %s", diff)
		}
	})

	t.Run("unsafe paths are rejected", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{"../escape.py", "/etc/passwd", ManifestFileName} {
			if _, err := materialize(t.TempDir(), version("v1.0"), map[string][]byte{name: []byte("x")}, nil); err == nil {
				t.Errorf("expected %q to be rejected", name)
			} else if reason := results.ReasonFor(err); reason != results.ReasonIntegrity {
				t.Errorf("expected reason %q for %q, got %q", results.ReasonIntegrity, name, reason)
			}
		}
	})

	t.Run("metadata rewrite is applied", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		source, err := (&api.Meta{Title: "Hello"}).Encode()
		if err != nil {
			t.Fatal(err)
		}
		contentID := uuid.New().String()
		if _, err := materialize(dir, version("v1.0"), map[string][]byte{api.MetaFileName: source}, func(meta *api.Meta) {
			meta.Slug = "progs.hello"
			meta.Version = "v1.0"
			meta.CourseContentID = contentID
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		written, err := os.ReadFile(filepath.Join(dir, api.MetaFileName))
		if err != nil {
			t.Fatal(err)
		}
		meta, err := api.ParseMeta(written)
		if err != nil {
			t.Fatalf("written metadata does not parse: %v", err)
		}
		if meta.Slug != "progs.hello" || meta.Version != "v1.0" || meta.CourseContentID != contentID {
			t.Errorf("rewrite incomplete: slug=%q version=%q contentID=%q", meta.Slug, meta.Version, meta.CourseContentID)
		}
	})

	t.Run("metadata rewrite without meta.yaml fails", func(t *testing.T) {
		t.Parallel()
		_, err := materialize(t.TempDir(), version("v1.0"), map[string][]byte{"main.py": []byte("x")}, func(*api.Meta) {})
		if err == nil {
			t.Fatal("expected an error, got none")
		}
		if reason := results.ReasonFor(err); reason != results.ReasonIntegrity {
			t.Errorf("expected reason %q, got %q", results.ReasonIntegrity, reason)
		}
	})
}

func TestManifestFixture(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	manifest := &Manifest{
		ExampleID:        uuid.MustParse("9d9f5f4e-8c27-4a79-b0a5-0d62629f6c51"),
		ExampleVersionID: uuid.MustParse("3f8a1e37-95a1-4d01-9c44-2a4eb22b673a"),
		VersionTag:       "v1.0",
		DeployedAt:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Files:            []string{"test_main.py", "main.py", "meta.yaml"},
	}
	if err := manifest.Write(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		t.Fatal(err)
	}
	testhelper.CompareWithFixture(t, raw, testhelper.WithExtension(".json"))
}

func TestPruneStaleDependencies(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	deploy := func(identifier, tag string) {
		t.Helper()
		dir := filepath.Join(root, depsDir, identifier, tag)
		if _, err := materialize(dir, version(tag), map[string][]byte{"lib.py": []byte(tag)}, nil); err != nil {
			t.Fatalf("could not seed dependency %s@%s: %v", identifier, tag, err)
		}
	}
	deploy("progs.strings", "v1.0")
	deploy("progs.strings", "v2.0")
	deploy("progs.io", "v1.0")
	// Hand-placed trees without a manifest are not ours to remove.
	manual := filepath.Join(root, depsDir, "progs.manual", "v9")
	if err := os.MkdirAll(manual, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(manual, "keep.txt"), []byte("manual"), 0o644); err != nil {
		t.Fatal(err)
	}

	pruned, err := pruneStaleDependencies(root, map[string]bool{"progs.strings@v2.0": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"progs.io@v1.0", "progs.strings@v1.0"}, pruned); diff != "" {
		t.Errorf("pruned set differs: %s", diff)
	}
	if _, err := os.Stat(filepath.Join(root, depsDir, "progs.strings", "v2.0", "lib.py")); err != nil {
		t.Errorf("expected kept dependency to survive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, depsDir, "progs.io")); !os.IsNotExist(err) {
		t.Error("expected emptied identifier directory to be removed")
	}
	if _, err := os.Stat(filepath.Join(manual, "keep.txt")); err != nil {
		t.Errorf("expected hand-placed tree to survive: %v", err)
	}

	t.Run("missing deps directory is fine", func(t *testing.T) {
		t.Parallel()
		pruned, err := pruneStaleDependencies(t.TempDir(), nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(pruned) != 0 {
			t.Errorf("expected nothing pruned, got %v", pruned)
		}
	})
}
