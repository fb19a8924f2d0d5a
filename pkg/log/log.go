package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It defaults to a console
// writer on stderr so code paths that log before Init (config loading,
// flag errors) still produce readable output; Init replaces it once the
// resolved configuration is known.
var Logger = newLogger(os.Stderr, false)

// Init configures the root logger: a level name (debug, info, warn,
// error — anything else falls back to info), JSON or console output,
// and an optional writer override used by tests. The ARCHIVIST_LOG_LEVEL
// environment variable wins over the level argument, mirroring how
// pkg/config layers env overrides on top of file values.
func Init(level string, jsonOutput bool, out io.Writer) {
	if v := os.Getenv("ARCHIVIST_LOG_LEVEL"); v != "" {
		level = v
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if out == nil {
		out = os.Stdout
	}
	Logger = newLogger(out, jsonOutput)
}

func newLogger(out io.Writer, jsonOutput bool) zerolog.Logger {
	if !jsonOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent derives a child logger scoped to one pipeline component
// (blocks-indexer, scheduler, database-actor, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithBlock derives a child logger carrying block context, so every
// per-block error record has the number and hash attached.
func WithBlock(number uint32, hash string) zerolog.Logger {
	return Logger.With().Uint32("block_num", number).Str("block_hash", hash).Logger()
}

// WithSpecVersion derives a child logger tagged with a runtime spec
// version, used by the metadata and version-cache stages.
func WithSpecVersion(specVersion uint32) zerolog.Logger {
	return Logger.With().Uint32("spec_version", specVersion).Logger()
}
