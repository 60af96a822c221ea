// Package logging provides the structured logging system shared by all
// xzbridge subsystems.
//
// It is a thin wrapper over Go's standard slog package that adds a subsystem
// identifier to every entry and a printf-style call surface:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//	logging.Info("ServiceManager", "started %d services", n)
//	logging.Error("Endpoint", err, "connection to %s lost", url)
//
// Subsystem names in use include Bootstrap, Config, Transport, Downstream,
// ServiceManager, CustomTool, ToolCache, ToolSync, Endpoint, EndpointManager,
// Protocol, Status and Metrics. Logs are filtered at the handler level, so
// suppressed messages cost no allocation beyond the call itself.
//
// The package is safe for concurrent use from multiple goroutines.
package logging
