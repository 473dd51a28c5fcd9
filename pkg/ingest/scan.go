package ingest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

// ExampleUpload is one example directory found in a source tree: its
// location relative to the scan root and the content of every file
// beneath it, keyed by path relative to the example directory. The
// meta.yaml that marked the directory is part of Files.
type ExampleUpload struct {
	Directory string
	Files     map[string][]byte
}

// ScanDir scans a tree on disk, see ScanFS.
func ScanDir(root string) ([]ExampleUpload, error) {
	return ScanFS(os.DirFS(root))
}

// ScanArchive scans a zip archive the same way ScanFS scans a tree,
// which is the shape uploads arrive in over the API.
func ScanArchive(data []byte) ([]ExampleUpload, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, results.ForReason(results.ReasonValidation).WithError(err).Errorf("could not open the archive")
	}
	return ScanFS(reader)
}

// ScanFS discovers the examples in a source tree: every directory
// holding a meta.yaml becomes one upload containing all files beneath
// it. When examples nest, a file belongs to its deepest marked
// ancestor, so parents never swallow the content of nested examples.
// Dot-prefixed directories and files are skipped; files outside any
// example directory are ignored. A tree without a single meta.yaml is
// a Validation error.
func ScanFS(fsys fs.FS) ([]ExampleUpload, error) {
	roots := sets.New[string]()
	var files []string
	if err := fs.WalkDir(fsys, ".", func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if name != "." && strings.HasPrefix(entry.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		files = append(files, name)
		if entry.Name() == api.MetaFileName {
			roots.Insert(path.Dir(name))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("could not walk the source tree: %w", err)
	}
	if roots.Len() == 0 {
		return nil, results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("the source tree contains no %s, nothing to ingest", api.MetaFileName))
	}

	uploads := map[string]*ExampleUpload{}
	for _, root := range sets.List(roots) {
		directory := root
		if directory == "." {
			directory = ""
		}
		uploads[root] = &ExampleUpload{Directory: directory, Files: map[string][]byte{}}
	}
	for _, file := range files {
		root := owningRoot(roots, file)
		if root == "" {
			continue
		}
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", file, err)
		}
		relative := file
		if root != "." {
			relative = strings.TrimPrefix(file, root+"/")
		}
		uploads[root].Files[relative] = data
	}

	out := make([]ExampleUpload, 0, len(uploads))
	for _, root := range sets.List(roots) {
		out = append(out, *uploads[root])
	}
	return out, nil
}

// owningRoot returns the deepest example root containing file, or ""
// when no ancestor is marked.
func owningRoot(roots sets.Set[string], file string) string {
	dir := path.Dir(file)
	for {
		if roots.Has(dir) {
			return dir
		}
		if dir == "." {
			return ""
		}
		dir = path.Dir(dir)
	}
}
