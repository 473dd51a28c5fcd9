package objstore

import (
	"fmt"
	"path"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/computor/course-tools/pkg/results"
)

// UploadPolicy is the whitelist-based safety check applied to every
// file before it reaches the store. Extensions not on the list are
// refused, which keeps executables out without maintaining a denylist.
type UploadPolicy struct {
	MaxSizeBytes      int64
	AllowedExtensions sets.Set[string]
}

// DefaultMaxUploadBytes caps single files at 50 MiB.
const DefaultMaxUploadBytes = 50 << 20

// DefaultUploadPolicy covers the documents, source files, archives and
// media commonly found in educational content.
func DefaultUploadPolicy() UploadPolicy {
	return UploadPolicy{
		MaxSizeBytes: DefaultMaxUploadBytes,
		AllowedExtensions: sets.New[string](
			// documents
			".md", ".rst", ".adoc", ".txt", ".pdf", ".tex", ".bib", ".csv", ".tsv",
			".json", ".yaml", ".yml", ".toml", ".xml", ".ipynb", ".html", ".css",
			// source
			".py", ".go", ".c", ".h", ".cpp", ".cc", ".hpp", ".java", ".kt",
			".js", ".ts", ".rs", ".rb", ".hs", ".ml", ".m", ".r", ".jl",
			".sql", ".sh", ".mod", ".sum", ".gradle", ".cmake", ".mk",
			// archives
			".zip", ".tar", ".gz", ".tgz", ".xz", ".bz2",
			// media
			".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".mp3", ".mp4",
			".wav", ".ogg", ".webm",
		),
	}
}

// CheckUpload validates a single file against the policy. Violations
// are Validation errors and never retried.
func (p UploadPolicy) CheckUpload(name string, size int64) error {
	if err := checkPortableName(name); err != nil {
		return results.ForReason(results.ReasonValidation).ForError(err)
	}
	extension := strings.ToLower(path.Ext(name))
	if extension == "" || !p.AllowedExtensions.Has(extension) {
		return results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("file %q has extension %q which is not allowed for upload", name, extension))
	}
	if p.MaxSizeBytes > 0 && size > p.MaxSizeBytes {
		return results.ForReason(results.ReasonValidation).
			ForError(fmt.Errorf("file %q is %d bytes, exceeding the %d byte limit", name, size, p.MaxSizeBytes))
	}
	return nil
}

// checkPortableName rejects traversal sequences and characters that do
// not survive the trip across object store keys, git trees and student
// filesystems.
func checkPortableName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("file name must not be empty")
	case strings.HasPrefix(name, "/"):
		return fmt.Errorf("file name %q must be relative", name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("file name %q must not contain traversal sequences", name)
	case strings.Contains(name, "\\"):
		return fmt.Errorf("file name %q must use forward slashes", name)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`<>:"|?*`, r) {
			return fmt.Errorf("file name %q contains non-portable character %q", name, r)
		}
	}
	return nil
}
