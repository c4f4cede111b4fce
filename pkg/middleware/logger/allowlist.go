package logger

import (
	"net/http"
	"strings"
	"sync"
)

var (
	bodyLogMu    sync.RWMutex
	bodyLogPaths = map[string]struct{}{}
)

// AddBodyLogPaths extends the allowlist of paths whose JSON bodies are logged.
func AddBodyLogPaths(paths ...string) {
	bodyLogMu.Lock()
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p != "" {
			bodyLogPaths[p] = struct{}{}
		}
	}
	bodyLogMu.Unlock()
}

func allowlisted(path string) bool {
	bodyLogMu.RLock()
	_, ok := bodyLogPaths[path]
	bodyLogMu.RUnlock()
	return ok
}

func shouldReadBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") && allowlisted(r.URL.Path)
}

// Only log small JSON request bodies on allowlisted routes.
func shouldLogBody(r *http.Request, body []byte) bool {
	if len(body) == 0 || len(body) > 1<<16 { // 64 KiB cap
		return false
	}
	return shouldReadBody(r)
}
