// api/router.go
package api

import (
	"net/http"

	chimd "github.com/go-chi/chi/v5/middleware"
	"github.com/joeydtaylor/steeze-hotload/pkg/middleware/logger"
	hmetrics "github.com/joeydtaylor/steeze-hotload/pkg/middleware/metrics"
	"github.com/joeydtaylor/steeze-hotload/pkg/transport/httpx"
)

type BuildDeps struct {
	LogMW   *logger.Middleware
	Metrics http.Handler
	Router  httpx.Router
	Admin   *Handler
	// Surface serves every path the admin API does not own.
	Surface http.Handler
}

// BuildRouter wires middleware, the admin API and the handler-set surface
// into one handler.
func BuildRouter(d BuildDeps) http.Handler {
	r := d.Router
	r.Use(chimd.RequestID, chimd.Recoverer, chimd.Heartbeat("/ping"))
	if d.LogMW != nil {
		r.Use(d.LogMW.Middleware())
	}
	hmetrics.AddMetricsSkipPaths("/ping")
	r.Use(hmetrics.Collect())

	if d.Metrics != nil {
		r.Handle(http.MethodGet, "/metrics", d.Metrics)
	}
	d.Admin.Register(r)
	if d.Surface != nil {
		r.NotFound(d.Surface)
	}
	return r.Mux()
}

