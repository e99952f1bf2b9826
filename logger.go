package treelock

import (
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging installs a TextHandler on the default slog logger. The level comes from
// TREELOCK_LOG_LEVEL (DEBUG, WARN or ERROR) and defaults to INFO.
//
// Applications call it once at startup; library packages only use the package-level slog
// functions and never configure handlers themselves.
func ConfigureLogging() {
	logLevel.Set(slog.LevelInfo)

	switch os.Getenv("TREELOCK_LOG_LEVEL") {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel changes the level of the logger installed by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
