// Package deploy implements the deployment pipeline: durable workflows
// that materialize assigned example versions into the course
// repositories and record every outcome on the deployment rows.
package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/computor/course-tools/pkg/api"
	"github.com/computor/course-tools/pkg/results"
)

// ManifestFileName is written next to every managed deployment so that
// later runs know which files the deployer owns at that location.
const ManifestFileName = ".deployment.json"

// Manifest tracks one managed deployment inside a working tree.
// Deletions are driven by it: a file it lists that the next deployment
// of the same location no longer ships gets removed, while files the
// deployer never wrote are left alone.
type Manifest struct {
	ExampleID        uuid.UUID `json:"example_id"`
	ExampleVersionID uuid.UUID `json:"example_version_id"`
	VersionTag       string    `json:"version_tag"`
	DeployedAt       time.Time `json:"deployed_at"`
	// Files lists the managed paths relative to the manifest's
	// directory, sorted.
	Files []string `json:"files"`
}

// ReadManifest loads the manifest of a directory. A directory without
// one returns nil: the location was never deployed to or is not
// managed by the deployer.
func ReadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", ManifestFileName, err)
	}
	manifest := &Manifest{}
	if err := json.Unmarshal(raw, manifest); err != nil {
		return nil, fmt.Errorf("could not parse %s in %s: %w", ManifestFileName, dir, err)
	}
	return manifest, nil
}

// Write persists the manifest into dir. The file list is sorted first
// so the rendered bytes are deterministic.
func (m *Manifest) Write(dir string) error {
	sort.Strings(m.Files)
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", ManifestFileName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", ManifestFileName, err)
	}
	return nil
}

// materialize writes the files of one example version into dir,
// removing files a previous deployment managed there that the new set
// no longer contains, and records the new manifest. rewriteMeta, when
// non-nil, edits the parsed meta.yaml before it is written.
//
// The deployment timestamp is carried over from the previous manifest
// when the version is unchanged, so re-running an unchanged deployment
// produces a byte-identical tree and therefore no commit.
func materialize(dir string, version *api.ExampleVersion, files map[string][]byte, rewriteMeta func(*api.Meta)) (*Manifest, error) {
	previous, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	if rewriteMeta != nil {
		raw, ok := files[api.MetaFileName]
		if !ok {
			return nil, results.ForReason(results.ReasonIntegrity).
				ForError(fmt.Errorf("version %s ships no %s", version.VersionTag, api.MetaFileName))
		}
		meta, err := api.ParseMeta(raw)
		if err != nil {
			return nil, results.ForReason(results.ReasonIntegrity).
				WithError(err).Errorf("stored %s of version %s is invalid", api.MetaFileName, version.VersionTag)
		}
		rewriteMeta(meta)
		encoded, err := meta.Encode()
		if err != nil {
			return nil, fmt.Errorf("could not encode %s: %w", api.MetaFileName, err)
		}
		files[api.MetaFileName] = encoded
	}

	names := make([]string, 0, len(files))
	for name := range files {
		if !fs.ValidPath(name) || name == ManifestFileName {
			return nil, results.ForReason(results.ReasonIntegrity).
				ForError(fmt.Errorf("version %s ships an unsafe file path %q", version.VersionTag, name))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("could not create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(target, files[name], 0o644); err != nil {
			return nil, fmt.Errorf("could not write %s: %w", name, err)
		}
	}

	if previous != nil {
		for _, name := range previous.Files {
			if _, stillManaged := files[name]; stillManaged {
				continue
			}
			if !fs.ValidPath(name) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, filepath.FromSlash(name))); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("could not remove stale file %s: %w", name, err)
			}
		}
	}

	manifest := &Manifest{
		ExampleID:        version.ExampleID,
		ExampleVersionID: version.ID,
		VersionTag:       version.VersionTag,
		DeployedAt:       time.Now().UTC().Truncate(time.Second),
		Files:            names,
	}
	if previous != nil && previous.ExampleVersionID == version.ID && !previous.DeployedAt.IsZero() {
		manifest.DeployedAt = previous.DeployedAt
	}
	if err := manifest.Write(dir); err != nil {
		return nil, err
	}
	return manifest, nil
}

// depsDir hosts the implicit dependency deployments inside a course
// repository, laid out as _deps/<identifier>/<version_tag>/.
const depsDir = "_deps"

// pruneStaleDependencies removes managed dependency trees the current
// plan no longer needs. keep maps "identifier@version_tag" to true for
// every dependency that stays. Only directories carrying a deployment
// manifest are touched; anything placed under _deps by hand survives.
func pruneStaleDependencies(root string, keep map[string]bool) ([]string, error) {
	base := filepath.Join(root, depsDir)
	identifiers, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %w", depsDir, err)
	}

	var pruned []string
	for _, identifier := range identifiers {
		if !identifier.IsDir() {
			continue
		}
		identifierDir := filepath.Join(base, identifier.Name())
		versions, err := os.ReadDir(identifierDir)
		if err != nil {
			return nil, fmt.Errorf("could not list %s: %w", identifierDir, err)
		}
		for _, version := range versions {
			if !version.IsDir() {
				continue
			}
			versionDir := filepath.Join(identifierDir, version.Name())
			manifest, err := ReadManifest(versionDir)
			if err != nil || manifest == nil {
				continue
			}
			key := identifier.Name() + "@" + version.Name()
			if keep[key] {
				continue
			}
			if err := os.RemoveAll(versionDir); err != nil {
				return nil, fmt.Errorf("could not prune %s: %w", versionDir, err)
			}
			pruned = append(pruned, key)
		}
		// Drop the identifier directory once its last version is gone.
		if remaining, err := os.ReadDir(identifierDir); err == nil && len(remaining) == 0 {
			if err := os.Remove(identifierDir); err != nil {
				return nil, fmt.Errorf("could not prune %s: %w", identifierDir, err)
			}
		}
	}
	sort.Strings(pruned)
	return pruned, nil
}
