// Package logging builds the single root zap.Logger used throughout
// deltaic. Every subsystem narrows it with .Named(...) rather than
// constructing its own logger, so a single -v/--verbose flag and a
// single output format apply everywhere.
package logging

import "go.uber.org/zap"

// Build constructs the root logger. verbose selects development mode
// (console-friendly, debug level) over production mode
// (JSON, info level) — the same two-mode split the scheduler's child
// re-invocations and the top-level CLI both rely on, since child
// processes inherit the parent's verbosity via the reconstructed
// command line.
func Build(verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
