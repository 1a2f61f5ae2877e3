package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds a zap logger writing to stdout in JSON (default) or console format.
// Supported formats: "json", "text"/"console". Level defaults to info.
func Init(service, format, level string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevel()
	if level == "" {
		lvl.SetLevel(zapcore.InfoLevel)
	} else if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, err
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}

	format = strings.ToLower(strings.TrimSpace(format))
	var enc zapcore.Encoder
	switch format {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "text", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	logger := zap.New(zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl), zap.AddCaller()).
		With(zap.String("service", service))
	zap.ReplaceGlobals(logger)

	if format != "" && format != "json" && format != "text" && format != "console" {
		logger.Warn("unknown log format, defaulting to json", zap.String("format", format))
	}
	return logger, nil
}

// Tenant returns a child logger tagged with the tenant id.
func Tenant(l *zap.Logger, tenantID string) *zap.Logger {
	return l.With(zap.String("tenant_id", tenantID))
}
