package httpx

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joeydtaylor/steeze-hotload/pkg/core"
	"github.com/joeydtaylor/steeze-hotload/pkg/unit"
	"go.uber.org/zap"
)

type mounted struct {
	prefix string
	tag    string
	hs     *unit.HandlerSet
}

// Surface serves mounted handler sets. Registration is append-only: once a
// prefix is routed it keeps its first handler set until the process exits.
// Every registration builds a new chi mux and swaps it in atomically, so a
// request sees either the old or the new routing table.
type Surface struct {
	mu       sync.Mutex
	mounts   []mounted
	byPrefix map[string]int
	reserved map[string]struct{}
	mux      atomic.Pointer[chi.Mux]
	log      *zap.Logger
}

// NewSurface returns an empty surface. reserved lists first path segments
// owned by the host (admin API), which units may not mount under.
func NewSurface(reserved []string, log *zap.Logger) *Surface {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Surface{
		byPrefix: map[string]int{},
		reserved: map[string]struct{}{},
		log:      log,
	}
	for _, r := range reserved {
		r = strings.Trim(r, "/")
		if r != "" {
			s.reserved[r] = struct{}{}
		}
	}
	s.mux.Store(chi.NewRouter())
	return s
}

func (s *Surface) RegisterHandlerSet(prefix string, hs *unit.HandlerSet, tag string) error {
	if !strings.HasPrefix(prefix, "/") || prefix == "/" {
		return &core.MountConflictError{Prefix: prefix, Reason: "prefix must be a non-root absolute path"}
	}
	first := strings.SplitN(strings.TrimPrefix(prefix, "/"), "/", 2)[0]
	if _, ok := s.reserved[first]; ok {
		return &core.MountConflictError{Prefix: prefix, Reason: fmt.Sprintf("/%s is reserved by the host", first)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.byPrefix[prefix]; ok {
		s.log.Warn("prefix already served; keeping first registration",
			zap.String("prefix", prefix), zap.String("tag", s.mounts[i].tag), zap.String("newTag", tag))
		return fmt.Errorf("%s: %w", prefix, core.ErrAlreadyRegistered)
	}

	next := append(append([]mounted(nil), s.mounts...), mounted{prefix: prefix, tag: tag, hs: hs})
	mux, err := buildMux(next)
	if err != nil {
		return &core.MountConflictError{Prefix: prefix, Reason: err.Error()}
	}
	s.mounts = next
	s.byPrefix[prefix] = len(next) - 1
	s.mux.Store(mux)

	s.log.Info("handler set registered",
		zap.String("prefix", prefix), zap.String("tag", tag), zap.Int("routes", len(hs.Routes)))
	return nil
}

// ServeHTTP routes r through the current mux on a fresh routing context, so
// the unit mux matches from the root even behind an outer chi router. The
// matched pattern (prefix plus route path) is copied back to the outer
// context for access logs and metrics.
func (s *Surface) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outer := chi.RouteContext(r.Context())
	inner := chi.NewRouteContext()
	s.mux.Load().ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, inner)))
	if outer != nil {
		outer.RoutePatterns = nil
		if p := inner.RoutePattern(); p != "" {
			outer.RoutePatterns = []string{p}
		}
	}
}

// Prefixes returns every registered prefix, sorted.
func (s *Surface) Prefixes() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.mounts))
	for _, m := range s.mounts {
		out = append(out, m.prefix)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// buildMux mounts every handler set on a fresh router. chi reports pattern
// conflicts by panicking, which is turned into an error here.
func buildMux(mounts []mounted) (mux *chi.Mux, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	mux = chi.NewRouter()
	for _, m := range mounts {
		sub := chi.NewRouter()
		for _, rt := range m.hs.Routes {
			var h http.Handler = rt
			if rt.Timeout > 0 {
				h = withTimeout(h, rt.Timeout)
			}
			sub.Method(rt.Method, rt.Path, h)
		}
		mux.Mount(m.prefix, sub)
	}
	return mux, nil
}

func withTimeout(next http.Handler, d time.Duration) http.Handler {
	return http.TimeoutHandler(next, d, `{"error":"handler timed out"}`)
}
