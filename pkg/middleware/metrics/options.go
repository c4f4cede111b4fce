package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// unmatchedURI labels requests no admin route or mounted unit route matched.
const unmatchedURI = "unmatched"

var (
	skipMu    sync.RWMutex
	skipPaths = map[string]struct{}{"/metrics": {}}
)

// AddMetricsSkipPaths extends the skip list (default keeps only "/metrics").
func AddMetricsSkipPaths(paths ...string) {
	skipMu.Lock()
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p != "" {
			skipPaths[p] = struct{}{}
		}
	}
	skipMu.Unlock()
}

func isSkipPath(r *http.Request) bool {
	skipMu.RLock()
	_, ok := skipPaths[r.URL.Path]
	skipMu.RUnlock()
	return ok
}

// routeLabel is the uri label of a finished request: the chi pattern it
// matched, so "/billing/invoices/{id}" stays one series however many ids are
// requested. Unit routes get their pattern from the handler-set surface.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" && p != "/*" {
			return p
		}
	}
	return unmatchedURI
}
