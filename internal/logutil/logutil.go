package logutil

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(newLogger(os.Stderr, zapcore.InfoLevel))
}

// Configure replaces the process logger. Unknown levels fall back to info.
// Writes to w are serialized.
func Configure(w io.Writer, level string) {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		lvl = zapcore.InfoLevel
	}
	logger.Store(newLogger(w, lvl))
}

func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	)
	return zap.New(core)
}

// Debug logs a structured debug message.
func Debug(msg string, fields map[string]interface{}) {
	logger.Load().Debug(msg, toFields(fields)...)
}

// Info logs a structured info message.
func Info(msg string, fields map[string]interface{}) {
	logger.Load().Info(msg, toFields(fields)...)
}

// Warn logs a structured warning.
func Warn(msg string, fields map[string]interface{}) {
	logger.Load().Warn(msg, toFields(fields)...)
}

// Error logs a structured error message including the error string.
func Error(msg string, err error, fields map[string]interface{}) {
	zf := toFields(fields)
	if err != nil {
		zf = append(zf, zap.String("error", err.Error()))
	}
	logger.Load().Error(msg, zf...)
}

// Sync flushes buffered entries.
func Sync() {
	_ = logger.Load().Sync()
}

func toFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
