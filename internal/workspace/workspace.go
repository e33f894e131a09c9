package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Root is the directory under which every run workdir is allocated.
type Root struct {
	Path string
}

func NewRoot(path string) (Root, error) {
	if !filepath.IsAbs(path) {
		return Root{}, fmt.Errorf("workdir root must be absolute: %q", path)
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return Root{}, fmt.Errorf("failed to create workdir root: %w", err)
	}
	return Root{Path: clean}, nil
}

// Allocate creates a fresh, empty workdir for runID. The random suffix keeps
// names unique even if run ids are reused after a database reset.
func (r Root) Allocate(runID int64) (string, error) {
	path := filepath.Join(r.Path, fmt.Sprintf("run-%d-%s", runID, uuid.NewString()[:8]))
	if err := os.Mkdir(path, 0o700); err != nil {
		return "", fmt.Errorf("failed to create workdir: %w", err)
	}
	return path, nil
}

// Contains reports whether path lies strictly inside the root.
func (r Root) Contains(path string) bool {
	rel, err := filepath.Rel(r.Path, filepath.Clean(path))
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Remove deletes a workdir. Paths outside the root are refused.
func (r Root) Remove(path string) error {
	if !r.Contains(path) {
		return fmt.Errorf("refusing to remove %s: outside %s", path, r.Path)
	}
	return os.RemoveAll(path)
}

// EnsureEmpty fails unless dir exists and has no entries.
func EnsureEmpty(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err == nil {
		return fmt.Errorf("workdir %s is not empty", dir)
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Files lists regular files under dir relative to it, sorted. Hidden
// directories are skipped, as are the names in exclude.
func Files(dir string, exclude ...string) ([]string, error) {
	skip := map[string]bool{}
	for _, e := range exclude {
		skip[e] = true
	}
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip[rel] {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
