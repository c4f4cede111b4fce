// bundlefx/bundlefx.go
package bundlefx

import (
	"github.com/joeydtaylor/steeze-hotload/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-hotload/pkg/middleware/metrics"
	"go.uber.org/fx"
)

// Module provides the system logger, the access-log middleware and the named
// /metrics handler. It needs a config.Config in the graph.
var Module = fx.Options(
	logger.Module,
	metrics.Module,
)
