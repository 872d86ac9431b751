// Package logging provides the zap-backed logger used across the core.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// L returns the process-wide sugared logger, building a sensible production
// config on first use.
func L() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stdout"}
		logger, err := cfg.Build()
		if err != nil {
			// Fall back to a basic logger rather than panic; logging must
			// never be the reason the control plane fails to start.
			logger = zap.NewExample()
		}
		global = logger.Sugar()
	})
	return global
}

// Named returns a child logger scoped to a component, e.g. Named("state-machine").
func Named(component string) *zap.SugaredLogger {
	return L().Named(component)
}

// SetForTest swaps the global logger, used by tests that want to assert on
// captured output or silence logging entirely.
func SetForTest(l *zap.SugaredLogger) { global = l }
