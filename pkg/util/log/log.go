package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a shared go-kit logger. Components should prefer a non-global
// logger received through their constructor; this exists for the few places
// where threading one through is not worth it.
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global gokit logger and returns it. format is
// "logfmt" or "json", logLevel one of debug/info/warn/error.
func InitLogger(format, logLevel string) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)

	var logger kitlog.Logger
	if format == "json" {
		logger = kitlog.NewJSONLogger(writer)
	} else {
		logger = kitlog.NewLogfmtLogger(writer)
	}

	// use UTC timestamps and skip 5 stack frames.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// Must put the level filter last for efficiency.
	logger = level.NewFilter(logger, levelOption(logLevel))

	Logger = logger
	return logger
}

func levelOption(logLevel string) level.Option {
	switch logLevel {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
