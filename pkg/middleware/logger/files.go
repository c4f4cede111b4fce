package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLog tees JSON lines to a rotated file under dir and to stdout.
func NewLog(dir, name, level string) *zap.Logger {
	if dir == "" {
		dir = "log"
	}
	_ = os.MkdirAll(dir, 0o755)

	lvl := zap.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil || level == "" {
		lvl = zap.InfoLevel
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	console := zapcore.Lock(os.Stdout)

	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
	})

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(cfg), w, lvl),
		zapcore.NewCore(zapcore.NewJSONEncoder(cfg), console, lvl),
	)
	return zap.New(core)
}
