package api

import (
	"encoding/json"
	"fmt"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"
)

// MetaFileName marks a directory as an example during ingestion and is
// rewritten with course-specific values on deployment.
const MetaFileName = "meta.yaml"

// Meta is the parsed form of an example's meta.yaml. It declares the
// role of every file the example ships: what students receive, what
// they must hand in, and what stays on the grading side.
type Meta struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Slug        string   `json:"slug,omitempty"`
	Version     string   `json:"version,omitempty"`
	Language    string   `json:"language,omitempty"`
	License     string   `json:"license,omitempty"`
	Authors     []Author `json:"authors,omitempty"`

	// CourseContentID is stamped on deployment into a course
	// repository; source metadata never carries it.
	CourseContentID string `json:"courseContentId,omitempty"`

	Properties MetaProperties `json:"properties,omitempty"`

	// TestDependencies name other examples required at test time,
	// either as a bare slug or as a slug plus version constraint.
	TestDependencies []TestDependency `json:"testDependencies,omitempty"`
}

// Author identifies a person credited in example metadata.
type Author struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// MetaProperties groups the file-role lists of an example.
type MetaProperties struct {
	// StudentSubmissionFiles must exist in every generated student
	// template; students are expected to fill them in and hand them
	// back.
	StudentSubmissionFiles []string `json:"studentSubmissionFiles,omitempty"`
	// AdditionalFiles are copied verbatim into the assignment root.
	AdditionalFiles []string `json:"additionalFiles,omitempty"`
	// TestFiles are reference tests. They are deployed to the
	// assignments repository but never reach the student template.
	TestFiles []string `json:"testFiles,omitempty"`
	// StudentTemplates hold starter content for submission files
	// with a matching basename.
	StudentTemplates []string `json:"studentTemplates,omitempty"`

	ExecutionBackend *ExecutionBackend `json:"executionBackend,omitempty"`
}

// ExecutionBackend selects the grading backend an example runs on.
type ExecutionBackend struct {
	Slug     string                 `json:"slug"`
	Version  string                 `json:"version,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// TestDependency references another example by its hierarchical slug,
// optionally pinned by a version constraint. In metadata it may be
// written as a bare string or as an object.
type TestDependency struct {
	Slug    string `json:"slug"`
	Version string `json:"version,omitempty"`
}

func (d *TestDependency) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &d.Slug)
	}
	type alias TestDependency
	var parsed alias
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*d = TestDependency(parsed)
	return nil
}

// MarshalJSON keeps the compact string form for dependencies without a
// constraint so metadata round-trips the way authors wrote it.
func (d TestDependency) MarshalJSON() ([]byte, error) {
	if d.Version == "" {
		return json.Marshal(d.Slug)
	}
	type alias TestDependency
	return json.Marshal(alias(d))
}

// Validate checks that the dependency names a hierarchical slug: at
// least two labels, each a valid path label.
func (d *TestDependency) Validate() error {
	slug, err := ParsePath(d.Slug)
	if err != nil {
		return fmt.Errorf("invalid dependency slug: %w", err)
	}
	if slug.NLevel() < 2 {
		return fmt.Errorf("dependency slug %q must be hierarchical (at least two labels)", d.Slug)
	}
	return nil
}

// ParseMeta decodes and validates a meta.yaml document.
func ParseMeta(data []byte) (*Meta, error) {
	meta := &Meta{}
	if err := yaml.UnmarshalStrict(data, meta); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", MetaFileName, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Validate checks the structural invariants of the metadata. File
// lists are validated for portability, not existence; existence is
// checked against actual content at ingestion time.
func (m *Meta) Validate() error {
	var errs []error
	if m.Slug != "" {
		if _, err := ParsePath(m.Slug); err != nil {
			errs = append(errs, fmt.Errorf("invalid slug: %w", err))
		}
	}
	for i, dependency := range m.TestDependencies {
		if err := dependency.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("testDependencies[%d]: %w", i, err))
		}
	}
	for field, files := range map[string][]string{
		"studentSubmissionFiles": m.Properties.StudentSubmissionFiles,
		"additionalFiles":        m.Properties.AdditionalFiles,
		"testFiles":              m.Properties.TestFiles,
		"studentTemplates":       m.Properties.StudentTemplates,
	} {
		for i, file := range files {
			if err := validateRelativeFile(file); err != nil {
				errs = append(errs, fmt.Errorf("properties.%s[%d]: %w", field, i, err))
			}
		}
	}
	return utilerrors.NewAggregate(errs)
}

func validateRelativeFile(file string) error {
	switch {
	case file == "":
		return fmt.Errorf("file entry must not be empty")
	case strings.HasPrefix(file, "/"):
		return fmt.Errorf("file %q must be relative", file)
	case strings.Contains(file, ".."):
		return fmt.Errorf("file %q must not contain traversal sequences", file)
	}
	return nil
}

// StudentSafe derives the metadata written into generated student
// templates: grading internals and source-side file roles are dropped,
// while the descriptive fields and the submission contract remain.
func (m *Meta) StudentSafe() *Meta {
	return &Meta{
		Title:       m.Title,
		Description: m.Description,
		Slug:        m.Slug,
		Version:     m.Version,
		Language:    m.Language,
		License:     m.License,
		Authors:     append([]Author(nil), m.Authors...),
		Properties: MetaProperties{
			StudentSubmissionFiles: append([]string(nil), m.Properties.StudentSubmissionFiles...),
			AdditionalFiles:        append([]string(nil), m.Properties.AdditionalFiles...),
		},
	}
}

// Encode renders the metadata back to YAML for writing into a
// repository.
func (m *Meta) Encode() ([]byte, error) {
	return yaml.Marshal(m)
}
