// core/registry.go
package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joeydtaylor/steeze-hotload/pkg/unit"
	"go.uber.org/zap"
)

// Surface is the HTTP layer handler sets are mounted on. It is append-only:
// a prefix registered once stays routed for the life of the process, and a
// second registration of the same prefix returns ErrAlreadyRegistered.
type Surface interface {
	RegisterHandlerSet(prefix string, hs *unit.HandlerSet, tag string) error
}

// Entry is the bookkeeping for one mounted prefix.
type Entry struct {
	Prefix     string           `json:"prefix"`
	SourcePath string           `json:"path"`
	Key        string           `json:"key"`
	HandlerSet *unit.HandlerSet `json:"-"`
	MountedAt  time.Time        `json:"mountedAt"`
	Mounts     int              `json:"mounts"`
}

// Routes lists "METHOD /prefix/path" for every route of the entry.
func (e Entry) Routes() []string {
	if e.HandlerSet == nil {
		return nil
	}
	out := make([]string, 0, len(e.HandlerSet.Routes))
	for _, rt := range e.HandlerSet.Routes {
		p := e.Prefix
		if rt.Path != "/" {
			p += rt.Path
		}
		out = append(out, rt.Method+" "+p)
	}
	return out
}

// Registry tracks which handler set is mounted at which prefix. It is the
// single process-wide table; it is rebuilt by reconciliation on startup and
// never persisted.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	surface Surface
	log     *zap.Logger
	now     func() time.Time
}

func NewRegistry(surface Surface, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: map[string]Entry{},
		surface: surface,
		log:     log,
		now:     time.Now,
	}
}

// Mount records hs at prefix and registers it with the surface. Mounting a
// prefix that is already tracked overwrites the entry and returns the
// restart warning: the surface keeps serving whatever it registered first.
func (r *Registry) Mount(prefix string, hs *unit.HandlerSet, sourcePath string) ([]string, error) {
	if hs == nil {
		return nil, &NoHandlerSetError{Path: sourcePath}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.entries[prefix]
	if existed && prev.SourcePath != sourcePath {
		return nil, &MountConflictError{Prefix: prefix, Path: sourcePath, Existing: prev.SourcePath}
	}

	var warnings []string
	for p, e := range r.entries {
		if p != prefix && strings.EqualFold(p, prefix) {
			w := fmt.Sprintf("prefix %s differs only in case from %s (%s); they collide on case-insensitive storage", prefix, p, e.SourcePath)
			warnings = append(warnings, w)
			r.log.Warn("case-insensitive prefix collision",
				zap.String("prefix", prefix), zap.String("path", sourcePath),
				zap.String("otherPrefix", p), zap.String("otherPath", e.SourcePath))
		}
	}

	replaced := existed
	if r.surface != nil {
		err := r.surface.RegisterHandlerSet(prefix, hs, hs.Key)
		switch {
		case errors.Is(err, ErrAlreadyRegistered):
			replaced = true
		case err != nil:
			return nil, err
		}
	}
	if replaced {
		warnings = append(warnings, fmt.Sprintf("%s: %s", prefix, RestartWarning))
		r.log.Warn("prefix already registered; replacement requires restart",
			zap.String("prefix", prefix), zap.String("path", sourcePath))
	}

	r.entries[prefix] = Entry{
		Prefix:     prefix,
		SourcePath: sourcePath,
		Key:        hs.Key,
		HandlerSet: hs,
		MountedAt:  r.now(),
		Mounts:     prev.Mounts + 1,
	}
	r.log.Info("handler set mounted",
		zap.String("prefix", prefix), zap.String("path", sourcePath),
		zap.String("key", hs.Key), zap.Int("routes", len(hs.Routes)))
	return warnings, nil
}

func (r *Registry) Get(prefix string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[prefix]
	return e, ok
}

// Forget drops the bookkeeping for prefix. It cannot unregister anything
// from the surface, so the returned warning says the route may still answer.
func (r *Registry) Forget(prefix string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[prefix]
	if !ok {
		return "", false
	}
	delete(r.entries, prefix)
	r.log.Warn("handler set forgotten; route still served until restart",
		zap.String("prefix", prefix), zap.String("path", e.SourcePath))
	return fmt.Sprintf("%s: %s", prefix, RestartWarning), true
}

// List returns every entry sorted by prefix.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
