package telemetry

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with station-specific fields.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
	out    io.Writer
	level  zerolog.Level
}

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		// Anything else is a file path.
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		writer = file
	}
	return NewLoggerWithWriter(cfg, writer), nil
}

// consoleTimeFormat is the timestamp layout of console output.
const consoleTimeFormat = "15:04:05.000"

// NewLoggerWithWriter creates a logger that writes to w.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	}

	level := parseLogLevel(cfg.Level)
	zlog := zerolog.New(w).With().Timestamp().Logger().Level(level)
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{
		zlog:   zlog,
		config: cfg,
		out:    w,
		level:  level,
	}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{
		zlog:  zerolog.Nop(),
		out:   io.Discard,
		level: zerolog.Disabled,
	}
}

func (l *Logger) derive(zlog zerolog.Logger) *Logger {
	return &Logger{
		zlog:   zlog,
		config: l.config,
		out:    l.out,
		level:  l.level,
	}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// NewComponentLogger creates a child logger for a specific component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(l.zlog.With().Str("component", component).Logger())
}

// WithContext adds the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context.
// If no logger is found, it returns a logger that discards everything.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NopLogger()
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return l.derive(ctx.Logger())
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

// WithStation adds a station field to the logger.
func (l *Logger) WithStation(name string) *Logger {
	return l.derive(l.zlog.With().Str("station", name).Logger())
}

// WithCycleID adds a cycle_id field to the logger.
func (l *Logger) WithCycleID(cycleID string) *Logger {
	return l.derive(l.zlog.With().Str("cycle_id", cycleID).Logger())
}

// WithSlot adds a slot field to the logger.
func (l *Logger) WithSlot(slot string) *Logger {
	return l.derive(l.zlog.With().Str("slot", slot).Logger())
}

// WithError adds error information to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err).Logger())
}

// Capture returns a logger that hands every message at or above min to fn,
// independent of the output level. Output still honours the level of l.
func (l *Logger) Capture(min zerolog.Level, fn func(level zerolog.Level, msg string)) *Logger {
	level := l.level
	if min < level {
		level = min
	}
	zlog := l.zlog.Output(levelGate{w: l.out, min: l.level}).
		Level(level).
		Hook(zerolog.HookFunc(func(_ *zerolog.Event, lv zerolog.Level, msg string) {
			if lv >= min && lv != zerolog.NoLevel {
				fn(lv, msg)
			}
		}))
	return l.derive(zlog)
}

// levelGate drops writes below min.
type levelGate struct {
	w   io.Writer
	min zerolog.Level
}

func (g levelGate) Write(p []byte) (int, error) {
	return g.w.Write(p)
}

func (g levelGate) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < g.min || g.min == zerolog.Disabled {
		return len(p), nil
	}
	return g.w.Write(p)
}

// Trace logs a trace-level message.
func (l *Logger) Trace(msg string) {
	l.zlog.Trace().Msg(msg)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) {
	l.zlog.Debug().Msg(msg)
}

// Debugf logs a formatted debug-level message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Info logs an info-level message.
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Infof logs a formatted info-level message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(msg string) {
	l.zlog.Warn().Msg(msg)
}

// Warnf logs a formatted warning-level message.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// Error logs an error-level message.
func (l *Logger) Error(msg string) {
	l.zlog.Error().Msg(msg)
}

// Errorf logs a formatted error-level message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// AddHook adds a hook to the logger.
func (l *Logger) AddHook(hook zerolog.Hook) *Logger {
	return l.derive(l.zlog.Hook(hook))
}
