package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -----------------------------------------------------------------------------
// Log levels
// -----------------------------------------------------------------------------

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelNotice
	LogLevelInfo
	LogLevelDebug
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "notice", "warn", "warning":
		return LogLevelNotice
	default:
		return LogLevelError
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelNotice:
		return "notice"
	default:
		return "error"
	}
}

// zapLevel maps notice onto zap's warn level.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelNotice:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// raise moves the level up by n steps, capped at debug.
func (l LogLevel) raise(n int) LogLevel {
	r := l + LogLevel(n)
	if r > LogLevelDebug {
		return LogLevelDebug
	}
	return r
}

func fromZapLevel(l zapcore.Level) LogLevel {
	switch {
	case l <= zapcore.DebugLevel:
		return LogLevelDebug
	case l == zapcore.InfoLevel:
		return LogLevelInfo
	case l == zapcore.WarnLevel:
		return LogLevelNotice
	default:
		return LogLevelError
	}
}

// -----------------------------------------------------------------------------
// Root logger
// -----------------------------------------------------------------------------

var (
	logLevel   = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	rootLogger atomic.Pointer[zap.Logger]
)

func init() {
	rootLogger.Store(zap.NewNop())
}

func noticeLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == zapcore.WarnLevel {
		enc.AppendString("notice")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

// initLogging installs the process logger. It returns a flush func for main.
func initLogging(level LogLevel, format string) (func(), error) {
	logLevel.SetLevel(level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "event"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = noticeLevelEncoder

	var enc zapcore.Encoder
	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), logLevel)
	l := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	rootLogger.Store(l)
	return func() { _ = l.Sync() }, nil
}

func currentLogLevel() LogLevel {
	return fromZapLevel(logLevel.Level())
}

// -----------------------------------------------------------------------------
// Component loggers
// -----------------------------------------------------------------------------

// ComponentLogger tags every entry with a component name and takes the event
// name plus alternating key/value pairs.
type ComponentLogger struct {
	component string
}

var (
	logCollector = ComponentLogger{component: "collector"}
	logScheduler = ComponentLogger{component: "scheduler"}
	logTenant    = ComponentLogger{component: "tenant_cache"}
	logLibvirt   = ComponentLogger{component: "libvirt"}
	logOpenstack = ComponentLogger{component: "openstack"}
	logConfig    = ComponentLogger{component: "config"}
	logHTTP      = ComponentLogger{component: "http"}
)

func (c ComponentLogger) Error(event string, kv ...any)  { c.write(zapcore.ErrorLevel, event, kv) }
func (c ComponentLogger) Notice(event string, kv ...any) { c.write(zapcore.WarnLevel, event, kv) }
func (c ComponentLogger) Info(event string, kv ...any)   { c.write(zapcore.InfoLevel, event, kv) }
func (c ComponentLogger) Debug(event string, kv ...any)  { c.write(zapcore.DebugLevel, event, kv) }

func (c ComponentLogger) Enabled(l LogLevel) bool {
	return logLevel.Enabled(l.zapLevel())
}

func (c ComponentLogger) write(level zapcore.Level, event string, kv []any) {
	ce := rootLogger.Load().Check(level, event)
	if ce == nil {
		return
	}
	ce.Write(kvFields(c.component, kv)...)
}

func kvFields(component string, kv []any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2+1)
	fields = append(fields, zap.String("component", component))
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			fields = append(fields, zap.String(key, "(MISSING)"))
			break
		}
		if err, isErr := kv[i+1].(error); isErr {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

// -----------------------------------------------------------------------------
// Runtime level endpoint
// -----------------------------------------------------------------------------

// logLevelHandler serves /debug/log-level. GET reports the level, ?level=
// changes it.
func logLevelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet && r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	levelStr := r.URL.Query().Get("level")
	if levelStr == "" {
		fmt.Fprintf(w, "current log level: %v\n", currentLogLevel())
		return
	}
	lvl := parseLogLevel(levelStr)
	logLevel.SetLevel(lvl.zapLevel())
	logHTTP.Info("log_level_changed", "level", lvl.String())
	fmt.Fprintf(w, "log level set to %s\n", lvl)
}
