// Package template derives the student-facing file tree of an example
// version. The derivation is pure: it maps the stored files of a
// version to the files a student receives, applying the roles declared
// in the version's metadata.
package template

import (
	"fmt"
	"path"
	"strings"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

const contentPrefix = "content/"

// Render builds the student template tree for one example version.
// files maps the version's stored paths to their bytes; identifier and
// versionTag are stamped into the generated metadata. The rules apply
// in order, later rules overwriting earlier ones:
//
//  1. content/index[_LANG].md becomes README[_LANG].md at the root,
//     every other file below content/ keeps its path minus the prefix.
//  2. additionalFiles land at the root under their basename.
//  3. studentSubmissionFiles are guaranteed to exist, filled from a
//     studentTemplates source with the same basename or left empty.
//  4. testFiles and reference solutions are never written.
//  5. meta.yaml is replaced with its student-safe derivative.
func Render(files map[string][]byte, identifier api.Path, versionTag string) (map[string][]byte, error) {
	raw, ok := files[api.MetaFileName]
	if !ok {
		return nil, results.ForReason(results.ReasonIntegrity).
			ForError(fmt.Errorf("version ships no %s", api.MetaFileName))
	}
	meta, err := api.ParseMeta(raw)
	if err != nil {
		return nil, results.ForReason(results.ReasonIntegrity).
			WithError(err).Errorf("stored %s is invalid", api.MetaFileName)
	}

	excluded := basenames(meta.Properties.TestFiles)
	submissions := basenames(meta.Properties.StudentSubmissionFiles)

	rendered := map[string][]byte{}
	for name, data := range files {
		if !strings.HasPrefix(name, contentPrefix) {
			continue
		}
		rendered[contentTarget(strings.TrimPrefix(name, contentPrefix))] = data
	}

	for _, entry := range meta.Properties.AdditionalFiles {
		base := path.Base(entry)
		// Root-level copies of submission files are the reference
		// solutions; students get the starter variant instead.
		if excluded[base] || submissions[base] {
			continue
		}
		data, ok := files[entry]
		if !ok {
			continue
		}
		rendered[base] = data
	}

	for _, entry := range meta.Properties.StudentSubmissionFiles {
		base := path.Base(entry)
		if excluded[base] {
			continue
		}
		rendered[path.Clean(entry)] = starterContent(files, meta.Properties.StudentTemplates, base)
	}

	for _, entry := range meta.Properties.TestFiles {
		delete(rendered, path.Clean(entry))
		delete(rendered, path.Base(entry))
	}

	if identifier != "" {
		meta.Slug = identifier.String()
	}
	meta.Version = versionTag
	encoded, err := meta.StudentSafe().Encode()
	if err != nil {
		return nil, fmt.Errorf("could not encode %s: %w", api.MetaFileName, err)
	}
	rendered[api.MetaFileName] = encoded

	return rendered, nil
}

// contentTarget maps a path below content/ to its place in the
// template. Root-level index markdowns become READMEs; everything else
// keeps its relative path.
func contentTarget(rel string) string {
	if strings.Contains(rel, "/") {
		return rel
	}
	if rel == "index.md" {
		return "README.md"
	}
	if suffix, ok := strings.CutPrefix(rel, "index_"); ok && strings.HasSuffix(suffix, ".md") {
		return "README_" + suffix
	}
	return rel
}

// starterContent resolves the bytes a submission file starts out with:
// the matching studentTemplates source when one exists, an empty file
// otherwise. Sources living under a studentTemplate directory win over
// same-named files elsewhere.
func starterContent(files map[string][]byte, templates []string, base string) []byte {
	var match string
	found := false
	for _, candidate := range templates {
		if path.Base(candidate) != base {
			continue
		}
		if !found || (isTemplatePath(candidate) && !isTemplatePath(match)) {
			match, found = candidate, true
		}
	}
	if found {
		if data, ok := files[match]; ok {
			return data
		}
	}
	return []byte{}
}

func isTemplatePath(p string) bool {
	for _, component := range strings.Split(p, "/") {
		if strings.Contains(component, "studentTemplate") {
			return true
		}
	}
	return false
}

func basenames(entries []string) map[string]bool {
	set := make(map[string]bool, len(entries))
	for _, entry := range entries {
		set[path.Base(entry)] = true
	}
	return set
}
