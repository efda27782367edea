// Package log provides the structured logger shared by every replica and
// client process in QuorumKV.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Components derive scoped child
// loggers from it via WithComponent/WithReplica rather than logging
// directly against it.
var Logger zerolog.Logger

// Level names accepted by --log-level / config files.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the global Logger. Call once at process startup,
// before any replica or client goroutine starts logging.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sane default so packages can log before a CLI entrypoint calls Init
	// (e.g. in tests).
	Init(Config{Level: InfoLevel})
}

// WithComponent returns a child logger tagged with the given component
// name (e.g. "occsm", "depgraph", "validation").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithReplica returns a child logger tagged with group/replica indices.
func WithReplica(groupIdx, replicaIdx int) zerolog.Logger {
	return Logger.With().Int("group", groupIdx).Int("replica", replicaIdx).Logger()
}

// WithTxn returns a child logger tagged with a transaction id.
func WithTxn(clientID, seqNum uint64) zerolog.Logger {
	return Logger.With().Uint64("txn_client", clientID).Uint64("txn_seq", seqNum).Logger()
}
