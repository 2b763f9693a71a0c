package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger.
//
// The "dev" environment gets a human-readable console encoder; every other
// environment gets JSON with ISO-8601 timestamps so log shippers can parse
// it.  Unknown levels fall back to info.  Every entry carries the service
// and environment fields.
func New(environment, level, serviceName string) (*zap.Logger, error) {
	lvl := parseLevel(level)

	var encoder zapcore.Encoder
	if environment == "dev" {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "time"
		ec.MessageKey = "msg"
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.EncodeDuration = zapcore.StringDurationEncoder
		ec.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(lvl))

	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	return l.With(
		zap.String("service", serviceName),
		zap.String("environment", environment),
	), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
