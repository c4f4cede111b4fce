// Package api is the host's admin surface: upload, edit and delete units,
// list routes, and trigger reconciliation or a Git sync.
package api

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"path"

	"github.com/joeydtaylor/steeze-hotload/pkg/core"
	"github.com/joeydtaylor/steeze-hotload/pkg/storage"
	"github.com/joeydtaylor/steeze-hotload/pkg/transport/httpx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

//go:embed static/index.html
var indexHTML []byte

const defaultMaxUpload = 4 << 20

// ReservedPrefixes are first path segments units may not mount under.
var ReservedPrefixes = []string{"upload", "files", "routes", "reconcile", "sync", "metrics", "ping", "static"}

// Syncer delivers the paths a remote sync changed on disk.
type Syncer interface {
	FetchBatch(ctx context.Context) ([]string, error)
}

// Committer records API edits in version control.
type Committer interface {
	Commit(ctx context.Context, paths []string, msg string) error
}

type Deps struct {
	Loader     *core.Loader
	Reconciler *core.Reconciler
	Store      *storage.Store
	Syncer     Syncer    // nil disables /sync
	Committer  Committer // nil disables commit-on-write
	Log        *zap.Logger
	MaxUpload  int64
}

type Handler struct {
	loader     *core.Loader
	reconciler *core.Reconciler
	store      *storage.Store
	syncer     Syncer
	committer  Committer
	log        *zap.Logger
	maxUpload  int64
	group      singleflight.Group
}

func New(d Deps) *Handler {
	h := &Handler{
		loader:     d.Loader,
		reconciler: d.Reconciler,
		store:      d.Store,
		syncer:     d.Syncer,
		committer:  d.Committer,
		log:        d.Log,
		maxUpload:  d.MaxUpload,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.maxUpload <= 0 {
		h.maxUpload = defaultMaxUpload
	}
	return h
}

// Register adds the admin routes to r.
func (h *Handler) Register(r httpx.Router) {
	r.Get("/", http.HandlerFunc(h.index))
	r.Post("/upload", http.HandlerFunc(h.upload))
	r.Get("/files", http.HandlerFunc(h.listFiles))
	r.Get("/files/*", http.HandlerFunc(h.getFile))
	r.Post("/files/*", http.HandlerFunc(h.saveFile))
	r.Delete("/files/*", http.HandlerFunc(h.deleteFile))
	r.Get("/routes", http.HandlerFunc(h.routes))
	r.Post("/reconcile", http.HandlerFunc(h.reconcile))
	r.Post("/sync", http.HandlerFunc(h.sync))
}

// ErrSyncDisabled is returned by Sync when no Git remote is configured.
var ErrSyncDisabled = errors.New("git sync is disabled")

// SyncResult is one fetch plus the reconciliation of what it delivered.
type SyncResult struct {
	Batch   []string          `json:"batch"`
	Summary core.Summary      `json:"summary"`
	Results []core.LoadResult `json:"results"`
}

// Sync fetches from the remote and reconciles the batch. Concurrent callers
// (the endpoint and the background poller) share one in-flight sync.
func (h *Handler) Sync(ctx context.Context) (SyncResult, error) {
	if h.syncer == nil {
		return SyncResult{}, ErrSyncDisabled
	}
	ctx = context.WithoutCancel(ctx)
	v, err, shared := h.group.Do("sync", func() (any, error) {
		batch, err := h.syncer.FetchBatch(ctx)
		if err != nil {
			return SyncResult{}, err
		}
		results := h.reconciler.ReconcileBatch(ctx, batch)
		return SyncResult{Batch: batch, Summary: core.Summarize(results), Results: results}, nil
	})
	if shared {
		h.log.Debug("joined in-flight sync")
	}
	if err != nil {
		return SyncResult{}, err
	}
	return v.(SyncResult), nil
}

// commit records rel (and any package markers beside it) when
// commit-on-write is enabled. Failure is a warning, not an error.
func (h *Handler) commit(ctx context.Context, rel, msg string) []string {
	if h.committer == nil {
		return nil
	}
	paths := []string{rel}
	for _, m := range h.loader.Mapper().MarkerPaths(rel) {
		if ok, _ := h.store.Exists(ctx, m); ok {
			paths = append(paths, m)
		}
	}
	if err := h.committer.Commit(ctx, paths, msg); err != nil {
		h.log.Warn("commit failed", zap.String("path", rel), zap.Error(err))
		return []string{"commit failed: " + err.Error()}
	}
	return nil
}

func joinRel(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join(dir, name)
}
