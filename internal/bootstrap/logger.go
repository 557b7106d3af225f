package bootstrap

import (
	"gridengine/internal/core"
	"gridengine/pkg/logging"
)

// InitLogger builds the process-wide structured logger from configuration.
func InitLogger(cfg *Config) core.ILogger {
	zl, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		zl, _ = logging.NewZapLogger("INFO")
	}
	logging.SetGlobalLogger(zl)
	return zl
}
