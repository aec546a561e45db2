package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the zap encoder, level and sink used by New
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	OutputPath string // stdout, stderr, or file path
}

// ZapLogger adapts a zap.SugaredLogger to the Logger interface
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a zap-backed Logger from cfg
func New(cfg Config) (*ZapLogger, error) {
	levelText := cfg.Level
	if levelText == "" {
		levelText = "info"
	}
	level, err := zapcore.ParseLevel(levelText)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var output zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "stdout", "":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, output, level)
	return NewZap(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))), nil
}

// NewZap wraps an existing zap logger
func NewZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

// With returns a logger that attaches key/value pairs to every entry
func (z *ZapLogger) With(keysAndValues ...any) *ZapLogger {
	return &ZapLogger{sugar: z.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries
func (z *ZapLogger) Sync() error {
	return z.sugar.Sync()
}

func (z *ZapLogger) Fatal(format string, a ...any) { z.sugar.Fatalf(format, a...) }
func (z *ZapLogger) Err(format string, a ...any)   { z.sugar.Errorf(format, a...) }
func (z *ZapLogger) Warn(format string, a ...any)  { z.sugar.Warnf(format, a...) }
func (z *ZapLogger) Info(format string, a ...any)  { z.sugar.Infof(format, a...) }
func (z *ZapLogger) Debug(format string, a ...any) { z.sugar.Debugf(format, a...) }
