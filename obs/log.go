package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logOnce sync.Once

// InitLogger builds the process-wide logger and installs it as the zap
// global. level accepts the usual zap names ("debug", "info", ...); an
// unknown value falls back to info.
func InitLogger(level string, development bool) *zap.Logger {
	var logger *zap.Logger
	logOnce.Do(func() {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			lvl = zapcore.InfoLevel
		}

		var cfg zap.Config
		if development {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)

		logger, err = cfg.Build()
		if err != nil {
			logger = zap.NewNop()
		}
		zap.ReplaceGlobals(logger)
	})
	if logger == nil {
		logger = zap.L()
	}
	return logger
}
