// core/loader.go
package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeydtaylor/steeze-hotload/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
	"github.com/joeydtaylor/steeze-hotload/pkg/unit"
	"go.uber.org/zap"
)

// Storage is the file tree units are read from. Paths are relative to the
// modules root and slash separated.
type Storage interface {
	ListUnits(ctx context.Context) ([]string, error)
	Read(ctx context.Context, rel string) ([]byte, error)
	Write(ctx context.Context, rel string, data []byte) error
	Delete(ctx context.Context, rel string) error
	Exists(ctx context.Context, rel string) (bool, error)
}

// Loader turns one unit into a mounted handler set. Every operation is
// serialised; a load is fully visible to requests arriving after it returns.
type Loader struct {
	mu       sync.Mutex
	mapper   namespace.Mapper
	store    Storage
	registry *Registry
	log      *zap.Logger
	contexts map[string]*unit.Context
}

func NewLoader(mapper namespace.Mapper, store Storage, registry *Registry, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		mapper:   mapper,
		store:    store,
		registry: registry,
		log:      log,
		contexts: map[string]*unit.Context{},
	}
}

func (l *Loader) Mapper() namespace.Mapper { return l.mapper }
func (l *Loader) Registry() *Registry      { return l.registry }

// Context returns the live execution context for a namespace key.
func (l *Loader) Context(key string) (*unit.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contexts[key]
	return c, ok
}

// Load executes rel and mounts its handler set. It never returns an error or
// panics; failures come back as a Failed result.
func (l *Loader) Load(ctx context.Context, rel string) LoadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observe(l.load(ctx, rel))
}

// Save writes data to rel and loads it. When rel did not exist before and the
// load fails, the file is removed again so a broken upload leaves no trace.
func (l *Loader) Save(ctx context.Context, rel string, data []byte) LoadResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.mapper.Validate(rel); err != nil {
		return l.observe(failedResult(rel, err))
	}
	existed, err := l.store.Exists(ctx, rel)
	if err != nil {
		return l.observe(failedResult(rel, fmt.Errorf("stat %s: %w", rel, err)))
	}
	if err := l.store.Write(ctx, rel, data); err != nil {
		return l.observe(failedResult(rel, fmt.Errorf("write %s: %w", rel, err)))
	}

	res := l.load(ctx, rel)
	if res.Kind == Failed && !existed {
		if err := l.store.Delete(ctx, rel); err != nil {
			l.log.Warn("cleanup of failed upload", zap.String("path", rel), zap.Error(err))
		} else {
			l.log.Info("removed unit that failed to load", zap.String("path", rel))
		}
	}
	return l.observe(res)
}

// Remove drops the execution context and registry entry of a unit whose
// file is gone. The route itself stays served until restart.
func (l *Loader) Remove(ctx context.Context, rel string) LoadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observe(l.remove(rel))
}

// Delete removes rel from storage and forgets it.
func (l *Loader) Delete(ctx context.Context, rel string) LoadResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.mapper.Validate(rel); err != nil {
		return l.observe(failedResult(rel, err))
	}
	ok, err := l.store.Exists(ctx, rel)
	if err != nil {
		return l.observe(failedResult(rel, fmt.Errorf("stat %s: %w", rel, err)))
	}
	if !ok {
		return l.observe(failedResult(rel, &NotFoundError{Path: rel}))
	}
	if err := l.store.Delete(ctx, rel); err != nil {
		return l.observe(failedResult(rel, fmt.Errorf("delete %s: %w", rel, err)))
	}
	res := l.remove(rel)
	if res.Kind == Skipped {
		// file existed but never mounted
		res = LoadResult{Kind: Removed, Path: rel}
	}
	return l.observe(res)
}

func (l *Loader) load(ctx context.Context, rel string) (res LoadResult) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("panic while loading unit", zap.String("path", rel), zap.Any("panic", rec))
			res = failedResult(rel, &ExecutionError{Path: rel, Err: fmt.Errorf("panic: %v", rec)})
		}
	}()

	if l.mapper.IsMarker(rel) {
		return skippedResult(rel, "marker file")
	}
	key, err := l.mapper.ToKey(rel)
	if err != nil {
		return failedResult(rel, err)
	}
	prefix, err := l.mapper.ToPrefix(rel)
	if err != nil {
		return failedResult(rel, err)
	}

	ok, err := l.store.Exists(ctx, rel)
	if err != nil {
		return failedResult(rel, fmt.Errorf("stat %s: %w", rel, err))
	}
	if !ok {
		return failedResult(rel, &NotFoundError{Path: rel})
	}

	if err := l.ensureMarkers(ctx, rel); err != nil {
		return failedResult(rel, err)
	}

	src, err := l.store.Read(ctx, rel)
	if err != nil {
		return failedResult(rel, &ExecutionError{Path: rel, Err: err})
	}

	// Always a fresh context; the previous one is only replaced once the
	// unit is skipped or mounted.
	uc, err := unit.Compile(key, rel, src)
	if err != nil {
		l.log.Warn("unit failed to execute", zap.String("path", rel), zap.String("key", key), zap.Error(err))
		return failedResult(rel, &ExecutionError{Path: rel, Err: err})
	}

	hs, ok := uc.HandlerSet()
	if !ok {
		l.contexts[key] = uc
		res := skippedResult(rel, "no handler set")
		res.Key = key
		res.Err = &NoHandlerSetError{Path: rel}
		if e, had := l.registry.Get(prefix); had && e.SourcePath == rel {
			if w, ok := l.registry.Forget(prefix); ok {
				res.Warnings = append(res.Warnings, w)
			}
		}
		return res
	}
	if n := len(uc.Routers()); n > 1 {
		l.log.Debug("unit declares several routers; using the first exported",
			zap.String("path", rel), zap.String("router", hs.Name), zap.Int("routers", n))
	}

	warnings, err := l.registry.Mount(prefix, hs, rel)
	if err != nil {
		return failedResult(rel, err)
	}
	l.contexts[key] = uc
	return mountedResult(rel, key, prefix, warnings)
}

func (l *Loader) remove(rel string) LoadResult {
	key, err := l.mapper.ToKey(rel)
	if err != nil {
		return failedResult(rel, err)
	}
	prefix, _ := l.mapper.ToPrefix(rel)

	_, hadContext := l.contexts[key]
	delete(l.contexts, key)

	res := LoadResult{Kind: Removed, Path: rel, Key: key}
	if e, ok := l.registry.Get(prefix); ok && e.SourcePath == rel {
		if w, ok := l.registry.Forget(prefix); ok {
			res.Prefix = prefix
			res.Warnings = append(res.Warnings, w)
		}
	} else if !hadContext {
		return skippedResult(rel, "not loaded")
	}
	l.log.Info("unit removed", zap.String("path", rel), zap.String("key", key))
	return res
}

// ensureMarkers creates an empty package marker at every directory level of
// rel that lacks one.
func (l *Loader) ensureMarkers(ctx context.Context, rel string) error {
	for _, m := range l.mapper.MarkerPaths(rel) {
		ok, err := l.store.Exists(ctx, m)
		if err != nil {
			return fmt.Errorf("stat marker %s: %w", m, err)
		}
		if ok {
			continue
		}
		if err := l.store.Write(ctx, m, nil); err != nil {
			return fmt.Errorf("create marker %s: %w", m, err)
		}
		l.log.Debug("package marker created", zap.String("path", m))
	}
	return nil
}

func (l *Loader) observe(res LoadResult) LoadResult {
	metrics.ObserveLoad(res.Kind.String())
	metrics.SetMountedHandlerSets(l.registry.Len())

	fields := []zap.Field{
		zap.String("path", res.Path),
		zap.String("result", res.Kind.String()),
	}
	if res.Prefix != "" {
		fields = append(fields, zap.String("prefix", res.Prefix))
	}
	switch {
	case res.Kind == Failed:
		l.log.Warn("unit load failed", append(fields, zap.Error(res.Err))...)
	case len(res.Warnings) > 0:
		l.log.Warn("unit load", append(fields, zap.Strings("warnings", res.Warnings))...)
	default:
		l.log.Info("unit load", fields...)
	}
	return res
}
