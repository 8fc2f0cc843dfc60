package topology

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// hclogAdapter lets hashicorp/raft log through the service's zap logger.
type hclogAdapter struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

// NewRaftLogger wraps a zap logger in the hclog.Logger interface raft expects.
func NewRaftLogger(logger *zap.Logger) hclog.Logger {
	initial := zap.InfoLevel
	if logger.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &hclogAdapter{logger: logger, level: zap.NewAtomicLevelAt(initial)}
}

func (a *hclogAdapter) log(level zapcore.Level, msg string, args ...interface{}) {
	if !a.level.Enabled(level) {
		return
	}
	if ce := a.logger.Check(level, msg); ce != nil {
		ce.Write(argsToFields(args...)...)
	}
}

func (a *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		a.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		a.log(zap.ErrorLevel, msg, args...)
	default:
		a.log(zap.InfoLevel, msg, args...)
	}
}

func (a *hclogAdapter) Trace(msg string, args ...interface{}) { a.log(zap.DebugLevel, msg, args...) }
func (a *hclogAdapter) Debug(msg string, args ...interface{}) { a.log(zap.DebugLevel, msg, args...) }
func (a *hclogAdapter) Info(msg string, args ...interface{})  { a.log(zap.InfoLevel, msg, args...) }
func (a *hclogAdapter) Warn(msg string, args ...interface{})  { a.log(zap.WarnLevel, msg, args...) }
func (a *hclogAdapter) Error(msg string, args ...interface{}) { a.log(zap.ErrorLevel, msg, args...) }

func (a *hclogAdapter) IsTrace() bool { return a.level.Enabled(zap.DebugLevel) }
func (a *hclogAdapter) IsDebug() bool { return a.level.Enabled(zap.DebugLevel) }
func (a *hclogAdapter) IsInfo() bool  { return a.level.Enabled(zap.InfoLevel) }
func (a *hclogAdapter) IsWarn() bool  { return a.level.Enabled(zap.WarnLevel) }
func (a *hclogAdapter) IsError() bool { return a.level.Enabled(zap.ErrorLevel) }

func (a *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{logger: a.logger.With(argsToFields(args...)...), name: a.name, level: a.level}
}

func (a *hclogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return &hclogAdapter{logger: a.logger.Named(name), name: full, level: a.level}
}

func (a *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: a.logger.Named(name), name: name, level: a.level}
}

func (a *hclogAdapter) GetLevel() hclog.Level {
	switch a.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func (a *hclogAdapter) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		a.level.SetLevel(zap.WarnLevel)
	case hclog.Error:
		a.level.SetLevel(zap.ErrorLevel)
	default:
		a.level.SetLevel(zap.InfoLevel)
	}
}

func (a *hclogAdapter) ImpliedArgs() []interface{} { return nil }
func (a *hclogAdapter) Name() string               { return a.name }

func (a *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger { return nil }
func (a *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer   { return nil }

func argsToFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
