// Package workspace discovers the packages under a workspace root and
// builds the directed dependency graph over them: internal edges only,
// strongly connected components detected but tolerated, all queries
// answered from one immutable index per invocation.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/verso-tools/verso/internal/manifest"
)

// DefaultConcurrency bounds parallel manifest reads during discovery.
const DefaultConcurrency = 10

// ConfigFilename is the sibling workspace configuration consulted when
// the root manifest has no workspaces array.
const ConfigFilename = "workspace.yaml"

// DuplicateNameError is fatal: two package directories declare the same name.
type DuplicateNameError struct {
	Name string
	Dirs []string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate package name %q in %s", e.Name, strings.Join(e.Dirs, ", "))
}

// ErrNoWorkspaceConfig is returned when neither the root manifest nor a
// sibling workspace.yaml declares package globs.
var ErrNoWorkspaceConfig = errors.New("no workspace configuration found")

type workspaceYAML struct {
	Packages []string `yaml:"packages"`
}

// Discover builds the index for the workspace rooted at root.
// concurrency caps parallel manifest reads; <= 0 means DefaultConcurrency.
func Discover(ctx context.Context, root string, concurrency int) (*Index, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	globs, err := readGlobs(root)
	if err != nil {
		return nil, err
	}

	dirs, err := matchPackageDirs(root, globs)
	if err != nil {
		return nil, err
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var mu sync.Mutex
	docs := make(map[string]*manifest.Document)
	dirOf := make(map[string][]string)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := manifest.LoadDir(dir)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			dirOf[doc.Name] = append(dirOf[doc.Name], dir)
			docs[doc.Name] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for name, where := range dirOf {
		if len(where) > 1 {
			sort.Strings(where)
			return nil, &DuplicateNameError{Name: name, Dirs: where}
		}
	}

	return buildIndex(root, docs)
}

// readGlobs resolves the workspace package globs: the root manifest's
// "workspaces" array, else a sibling workspace.yaml.
func readGlobs(root string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(root, manifest.Filename))
	if err == nil {
		var doc struct {
			Workspaces []string `json:"workspaces"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("root manifest: %w", err)
		}
		if len(doc.Workspaces) > 0 {
			return doc.Workspaces, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read root manifest: %w", err)
	}

	data, err = os.ReadFile(filepath.Join(root, ConfigFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", root, ErrNoWorkspaceConfig)
		}
		return nil, fmt.Errorf("read %s: %w", ConfigFilename, err)
	}
	var wy workspaceYAML
	if err := yaml.Unmarshal(data, &wy); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFilename, err)
	}
	if len(wy.Packages) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNoWorkspaceConfig)
	}
	return wy.Packages, nil
}

// matchPackageDirs walks the workspace and returns every directory that
// matches a glob and contains a manifest. Results are sorted.
func matchPackageDirs(root string, globs []string) ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (name == "node_modules" || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		for _, glob := range globs {
			if matchGlob(glob, rel) {
				if _, statErr := os.Stat(filepath.Join(path, manifest.Filename)); statErr == nil {
					if !seen[path] {
						seen[path] = true
						dirs = append(dirs, path)
					}
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// matchGlob matches a slash-separated relative path against a glob
// pattern with standard per-segment semantics plus "**" spanning any
// number of segments.
func matchGlob(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, parts []string) bool {
	if len(pat) == 0 {
		return len(parts) == 0
	}
	if pat[0] == "**" {
		for skip := 0; skip <= len(parts); skip++ {
			if matchSegments(pat[1:], parts[skip:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, err := filepath.Match(pat[0], parts[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], parts[1:])
}
