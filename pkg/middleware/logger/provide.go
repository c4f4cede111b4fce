package logger

import (
	"github.com/joeydtaylor/steeze-hotload/pkg/config"
	"go.uber.org/zap"
)

func ProvideLogger(cfg config.Config) *zap.Logger {
	return NewLog(cfg.Log.Dir, "system.log", cfg.Log.Level)
}

func ProvideLoggerMiddleware(cfg config.Config) *Middleware {
	AddBodyLogPaths(cfg.Log.BodyPaths...)
	return NewMiddleware(NewLog(cfg.Log.Dir, "http-access.log", "info"))
}
