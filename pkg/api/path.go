package api

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PathSeparator joins the labels of a Path. It matches the separator
// Postgres uses for ltree values so that stored paths can be compared
// with the native label-path operators rather than string equality.
const PathSeparator = "."

var labelRegexp = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Path is an ordered sequence of labels, each matching [A-Za-z0-9_]+,
// joined by dots. Course content trees, example identifiers and
// dependency slugs are all addressed through this one type so that a
// label-path column is never compared against a raw string.
type Path string

// ParsePath validates raw as a dot-separated label path and returns it
// as a Path. The empty string is not a valid path.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	for _, label := range strings.Split(raw, PathSeparator) {
		if !labelRegexp.MatchString(label) {
			return "", fmt.Errorf("invalid label %q in path %q: labels must match %s", label, raw, labelRegexp.String())
		}
	}
	return Path(raw), nil
}

// MustParsePath parses raw and panics when it is not a valid path. It
// is intended for constants and tests, not for user input.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// NewPath assembles a path from individual labels, validating each.
func NewPath(labels ...string) (Path, error) {
	if len(labels) == 0 {
		return "", fmt.Errorf("path must have at least one label")
	}
	for _, label := range labels {
		if !labelRegexp.MatchString(label) {
			return "", fmt.Errorf("invalid label %q: labels must match %s", label, labelRegexp.String())
		}
	}
	return Path(strings.Join(labels, PathSeparator)), nil
}

func (p Path) String() string {
	return string(p)
}

// Labels returns the individual labels of the path, root first.
func (p Path) Labels() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), PathSeparator)
}

// NLevel returns the number of labels in the path, named after the
// ltree function computing the same value in the database.
func (p Path) NLevel() int {
	return len(p.Labels())
}

// Parent returns the path with its last label removed, or the empty
// path when p has a single label.
func (p Path) Parent() Path {
	idx := strings.LastIndex(string(p), PathSeparator)
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

// Leaf returns the last label of the path.
func (p Path) Leaf() string {
	labels := p.Labels()
	if len(labels) == 0 {
		return ""
	}
	return labels[len(labels)-1]
}

// Concat appends other to p. Either side may be empty, in which case
// the other side is returned unchanged.
func (p Path) Concat(other Path) Path {
	switch {
	case p == "":
		return other
	case other == "":
		return p
	default:
		return p + PathSeparator + other
	}
}

// Child appends a single validated label to the path.
func (p Path) Child(label string) (Path, error) {
	if !labelRegexp.MatchString(label) {
		return "", fmt.Errorf("invalid label %q: labels must match %s", label, labelRegexp.String())
	}
	return p.Concat(Path(label)), nil
}

// IsAncestorOf reports whether other is a strict descendant of p. A
// path is not its own ancestor.
func (p Path) IsAncestorOf(other Path) bool {
	if p == "" || other == "" || p == other {
		return false
	}
	return strings.HasPrefix(string(other), string(p)+PathSeparator)
}

// IsDescendantOf reports whether p is a strict descendant of other.
func (p Path) IsDescendantOf(other Path) bool {
	return other.IsAncestorOf(p)
}

// Filesystem renders the path as a relative slash-separated directory
// path, the form used inside working trees and object store keys.
func (p Path) Filesystem() string {
	return strings.ReplaceAll(string(p), PathSeparator, "/")
}

// PathFromFilesystem converts a relative slash-separated directory
// path back into a label path, validating every component. Leading and
// trailing slashes are ignored.
func PathFromFilesystem(fsPath string) (Path, error) {
	trimmed := strings.Trim(fsPath, "/")
	if trimmed == "" {
		return "", fmt.Errorf("filesystem path must not be empty")
	}
	return NewPath(strings.Split(trimmed, "/")...)
}

// SanitizeLabel lowercases raw and maps spaces and hyphens to
// underscores so that human-entered names become valid labels. Any
// other character outside [a-z0-9_] is dropped. An error is returned
// when nothing valid remains.
func SanitizeLabel(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-', r == ' ', r == '.':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("name %q contains no characters usable in a label", raw)
	}
	return b.String(), nil
}

// Value implements driver.Valuer so a Path can be written to an ltree
// column. Empty paths persist as NULL.
func (p Path) Value() (driver.Value, error) {
	if p == "" {
		return nil, nil
	}
	if _, err := ParsePath(string(p)); err != nil {
		return nil, err
	}
	return string(p), nil
}

// Scan implements sql.Scanner for reading ltree columns.
func (p *Path) Scan(src interface{}) error {
	switch value := src.(type) {
	case nil:
		*p = ""
		return nil
	case string:
		parsed, err := ParsePath(value)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	case []byte:
		parsed, err := ParsePath(string(value))
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into a path", src)
	}
}

// UnmarshalJSON validates the path while decoding.
func (p *Path) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParsePath(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
