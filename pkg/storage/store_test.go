package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func memStore(t *testing.T, files map[string]string) *Store {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for p, body := range files {
		require.NoError(t, afero.WriteFile(fsys, "/modules/"+p, []byte(body), 0o644))
	}
	return New(fsys, "/modules", namespace.New("", "", ""))
}

func TestStore_ListUnits(t *testing.T) {
	ctx := context.Background()
	s := memStore(t, map[string]string{
		"example_service.hcl":     "",
		"billing/_package.hcl":    "",
		"billing/invoices.hcl":    "",
		"billing/lines/items.hcl": "",
		"billing/README.md":       "",
		".git/config.hcl":         "",
		"a/_cache/stale.hcl":      "",
		".hidden.hcl":             "",
	})

	got, err := s.ListUnits(ctx)
	require.NoError(t, err)
	want := []string{
		"billing/invoices.hcl",
		"billing/lines/items.hcl",
		"example_service.hcl",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ListUnits mismatch (-want +got):\n%s", diff)
	}

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	require.Contains(t, files, "billing/_package.hcl")
	require.NotContains(t, files, "billing/lines/_package.hcl")
}

func TestStore_ListUnitsMissingRoot(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/nowhere", namespace.New("", "", ""))
	got, err := s.ListUnits(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStore_ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	s := memStore(t, nil)

	ok, err := s.Exists(ctx, "a/b/c.hcl")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Write(ctx, "a/b/c.hcl", []byte("one")))
	require.NoError(t, s.Write(ctx, "a/b/c.hcl", []byte("two")))

	b, err := s.Read(ctx, "a/b/c.hcl")
	require.NoError(t, err)
	require.Equal(t, "two", string(b))

	ok, err = s.Exists(ctx, "a/b/c.hcl")
	require.NoError(t, err)
	require.True(t, ok)

	// directories are not units
	ok, err = s.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.False(t, ok)

	// no temp files left behind
	entries, err := afero.ReadDir(s.Fs(), "/modules/a/b")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.Delete(ctx, "a/b/c.hcl"))
	err = s.Delete(ctx, "a/b/c.hcl")
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestStore_RejectsEscapes(t *testing.T) {
	ctx := context.Background()
	s := memStore(t, nil)

	for _, p := range []string{"", "/etc/passwd", "../x.hcl", "a/../../x.hcl", `a\b.hcl`} {
		_, err := s.Read(ctx, p)
		require.ErrorIs(t, err, namespace.ErrInvalidPath, p)
		require.ErrorIs(t, s.Write(ctx, p, nil), namespace.ErrInvalidPath, p)
	}
}

func TestStore_Rel(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/modules", namespace.New("", "", ""))

	rel, ok := s.Rel("/modules/a/b.hcl")
	require.True(t, ok)
	require.Equal(t, "a/b.hcl", rel)

	_, ok = s.Rel("/elsewhere/b.hcl")
	require.False(t, ok)
	_, ok = s.Rel("/modules")
	require.False(t, ok)
}

func TestWatcher_DeliversBatches(t *testing.T) {
	root := t.TempDir()
	s, err := NewOS(root, namespace.New("", "", ""))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "billing"), 0o755))

	var (
		mu  sync.Mutex
		got = map[string]bool{}
	)
	w, err := NewWatcher(s, func(_ context.Context, paths []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range paths {
			got[p] = true
		}
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "invoices.hcl"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "_package.hcl"), nil, 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["billing/invoices.hcl"]
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.False(t, got["billing/notes.txt"])
	require.False(t, got["billing/_package.hcl"])
}

// runWatcher starts a watcher on a fresh OS store and returns the root plus
// a snapshot function of every path delivered so far.
func runWatcher(t *testing.T, seed map[string]string) (string, func() map[string]bool) {
	t.Helper()
	root := t.TempDir()
	for p, body := range seed {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, p)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, p), []byte(body), 0o644))
	}
	s, err := NewOS(root, namespace.New("", "", ""))
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got = map[string]bool{}
	)
	w, err := NewWatcher(s, func(_ context.Context, paths []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range paths {
			got[p] = true
		}
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return s.Root(), func() map[string]bool {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]bool, len(got))
		for k, v := range got {
			out[k] = v
		}
		return out
	}
}

func TestWatcher_DirectoryMovedIn(t *testing.T) {
	root, delivered := runWatcher(t, nil)

	staging := filepath.Join(t.TempDir(), "billing")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "archive"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "invoices.hcl"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "archive", "old.hcl"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "notes.txt"), []byte("x"), 0o644))

	if err := os.Rename(staging, filepath.Join(root, "billing")); err != nil {
		t.Skipf("temp dirs on different filesystems: %v", err)
	}

	require.Eventually(t, func() bool {
		got := delivered()
		return got["billing/invoices.hcl"] && got["billing/archive/old.hcl"]
	}, 3*time.Second, 20*time.Millisecond)
	require.False(t, delivered()["billing/notes.txt"])

	// the moved-in tree is watched too
	require.NoError(t, os.WriteFile(filepath.Join(root, "billing", "archive", "new.hcl"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return delivered()["billing/archive/new.hcl"] }, 3*time.Second, 20*time.Millisecond)
}

func TestWatcher_DirectoryMovedOut(t *testing.T) {
	root, delivered := runWatcher(t, map[string]string{
		"billing/invoices.hcl":    "x",
		"billing/archive/old.hcl": "x",
		"reports.hcl":             "x",
	})

	if err := os.Rename(filepath.Join(root, "billing"), filepath.Join(t.TempDir(), "gone")); err != nil {
		t.Skipf("temp dirs on different filesystems: %v", err)
	}

	require.Eventually(t, func() bool {
		got := delivered()
		return got["billing/invoices.hcl"] && got["billing/archive/old.hcl"]
	}, 3*time.Second, 20*time.Millisecond)
	require.False(t, delivered()["reports.hcl"])
}
