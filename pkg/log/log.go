// Package log provides structured logging for Tenement using zerolog.
// Warn-and-above records additionally feed the log plane as
// stream=system entries once AttachPlane has run.
package log

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/tenement/pkg/types"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	plane atomic.Pointer[Sink]
)

// Sink receives supervisory log records. Implemented by the log plane.
type Sink interface {
	Append(rec types.LogRecord)
}

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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

	Logger = Logger.Hook(planeHook{})
}

// AttachPlane tees warn+ supervisory records into the log plane as
// stream=system records. Safe to call once the plane exists; records
// emitted before attachment go to the process log only.
func AttachPlane(s Sink) {
	plane.Store(&s)
}

// DetachPlane disconnects the log plane, for shutdown ordering.
func DetachPlane() {
	plane.Store(nil)
}

type planeHook struct{}

func (planeHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if msg == "" || level < zerolog.WarnLevel {
		return
	}
	p := plane.Load()
	if p == nil {
		return
	}
	sev := types.SeverityWarn
	if level >= zerolog.ErrorLevel {
		sev = types.SeverityError
	}
	(*p).Append(types.LogRecord{
		Timestamp: time.Now(),
		Service:   "tenement",
		Stream:    types.StreamSystem,
		Severity:  sev,
		Message:   msg,
	})
}

// WithComponent creates a child logger with component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithInstance creates a child logger with service and instance fields
func WithInstance(id types.InstanceID) *zerolog.Logger {
	l := Logger.With().Str("service", id.Service).Str("instance", id.Label).Logger()
	return &l
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
