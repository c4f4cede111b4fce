// core/reconcile.go
package core

import (
	"context"
	"fmt"

	"github.com/joeydtaylor/steeze-hotload/pkg/namespace"
	"go.uber.org/zap"
)

// Reconciler brings the registry in line with the storage tree, either for
// the whole tree or for a batch of paths reported by a watcher or a sync.
type Reconciler struct {
	loader *Loader
	store  Storage
	log    *zap.Logger
}

func NewReconciler(loader *Loader, store Storage, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{loader: loader, store: store, log: log}
}

// ReconcileAll loads every unit in storage. Only a failure to list the tree
// is returned as an error; per-unit failures are Failed results.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]LoadResult, error) {
	paths, err := r.store.ListUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	results := make([]LoadResult, 0, len(paths))
	for _, p := range paths {
		results = append(results, r.loader.Load(ctx, p))
	}
	r.logSummary("reconcile all", results)
	return results, nil
}

// ReconcileBatch loads the units among paths that exist and removes the ones
// that no longer do. Markers, non-unit files and reserved directories are
// ignored; duplicates are processed once.
func (r *Reconciler) ReconcileBatch(ctx context.Context, paths []string) []LoadResult {
	m := r.loader.Mapper()
	seen := make(map[string]struct{}, len(paths))
	var results []LoadResult
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if !m.IsUnitFile(p) || namespace.InReservedDir(p) {
			continue
		}

		ok, err := r.store.Exists(ctx, p)
		switch {
		case err != nil:
			results = append(results, failedResult(p, fmt.Errorf("stat %s: %w", p, err)))
		case ok:
			results = append(results, r.loader.Load(ctx, p))
		default:
			res := r.loader.Remove(ctx, p)
			if res.Kind == Skipped {
				continue
			}
			results = append(results, res)
		}
	}
	r.logSummary("reconcile batch", results)
	return results
}

func (r *Reconciler) logSummary(msg string, results []LoadResult) {
	s := Summarize(results)
	r.log.Info(msg,
		zap.Int("mounted", s.Mounted),
		zap.Int("skipped", s.Skipped),
		zap.Int("failed", s.Failed),
		zap.Int("removed", s.Removed))
}
