// Package storage is the file tree handler units live in, backed by an
// afero filesystem so tests can run against memory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
	"github.com/spf13/afero"
)

// Store reads and writes units relative to root.
type Store struct {
	fs     afero.Fs
	root   string
	mapper namespace.Mapper
}

func New(fsys afero.Fs, root string, mapper namespace.Mapper) *Store {
	return &Store{fs: fsys, root: filepath.Clean(root), mapper: mapper}
}

// NewOS returns a Store on the host filesystem, creating root if needed.
func NewOS(root string, mapper namespace.Mapper) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsys := afero.NewOsFs()
	if err := fsys.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create modules dir: %w", err)
	}
	return New(fsys, abs, mapper), nil
}

func (s *Store) Root() string { return s.root }
func (s *Store) Fs() afero.Fs { return s.fs }

// Rel converts an absolute filesystem path under root to a relative unit path.
func (s *Store) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// ListUnits walks the tree and returns every unit path in lexical order.
// Reserved directories, dotfiles and package markers are skipped.
func (s *Store) ListUnits(ctx context.Context) ([]string, error) {
	var out []string
	err := afero.Walk(s.fs, s.root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			if p != s.root && namespace.ReservedDir(info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, ok := s.Rel(p)
		if !ok || !s.mapper.IsUnitFile(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ListFiles returns unit and marker paths, for display.
func (s *Store) ListFiles(ctx context.Context) ([]string, error) {
	units, err := s.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := append([]string(nil), units...)
	for _, u := range units {
		for _, m := range s.mapper.MarkerPaths(u) {
			if seen[m] {
				continue
			}
			seen[m] = true
			if ok, _ := s.Exists(ctx, m); ok {
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Read(_ context.Context, rel string) ([]byte, error) {
	p, err := s.abs(rel)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, p)
}

// Write replaces rel atomically: data goes to a temp file in the same
// directory which is then renamed over the target.
func (s *Store) Write(_ context.Context, rel string, data []byte) error {
	p, err := s.abs(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(p)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		_ = s.fs.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Store) Delete(_ context.Context, rel string) error {
	p, err := s.abs(rel)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", rel, fs.ErrNotExist)
		}
		return err
	}
	return nil
}

// Exists reports whether rel is a regular file.
func (s *Store) Exists(_ context.Context, rel string) (bool, error) {
	p, err := s.abs(rel)
	if err != nil {
		return false, err
	}
	fi, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

// abs resolves rel below root, refusing anything that would escape it.
func (s *Store) abs(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, `\`) {
		return "", &namespace.InvalidPathError{Path: rel, Reason: "not a relative slash path"}
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &namespace.InvalidPathError{Path: rel, Reason: "path escapes the modules root"}
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
