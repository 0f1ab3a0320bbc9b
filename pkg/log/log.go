package log

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"promotion-shop/pkg/requestctx"
)

var (
	logger *logrus.Logger
	base   logrus.Fields
)

// Config log configuration
type Config struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, text
	Output     string `mapstructure:"output"`      // stdout, file
	Filename   string `mapstructure:"filename"`    // log file path
	MaxSize    int    `mapstructure:"max_size"`    // MB per file
	MaxAge     int    `mapstructure:"max_age"`     // days
	MaxBackups int    `mapstructure:"max_backups"` //
	Compress   bool   `mapstructure:"compress"`
	Service    string `mapstructure:"service"` // attached to every entry when set
}

// Init initialize logger
func Init(cfg Config) error {
	l := logrus.New()
	l.SetLevel(parseLevel(cfg.Level))

	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	var output io.Writer = os.Stdout
	if cfg.Output == "file" && cfg.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
			return err
		}
		output = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}
	l.SetOutput(output)

	base = nil
	if cfg.Service != "" {
		base = logrus.Fields{"service": cfg.Service}
	}
	logger = l
	return nil
}

// SetLevel changes the level of the running logger, used on config reload.
func SetLevel(level string) {
	GetLogger().SetLevel(parseLevel(level))
}

func parseLevel(level string) logrus.Level {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lv
}

// GetLogger get logger instance
func GetLogger() *logrus.Logger {
	if logger == nil {
		logger = logrus.New()
	}
	return logger
}

func entry() *logrus.Entry {
	return GetLogger().WithFields(base)
}

func Debug(args ...interface{}) { entry().Debug(args...) }

func Debugf(format string, args ...interface{}) { entry().Debugf(format, args...) }

func Info(args ...interface{}) { entry().Info(args...) }

func Infof(format string, args ...interface{}) { entry().Infof(format, args...) }

func Warn(args ...interface{}) { entry().Warn(args...) }

func Warnf(format string, args ...interface{}) { entry().Warnf(format, args...) }

func Error(args ...interface{}) { entry().Error(args...) }

func Errorf(format string, args ...interface{}) { entry().Errorf(format, args...) }

// Fatal logs and exits the process.
func Fatal(args ...interface{}) { entry().Fatal(args...) }

func Fatalf(format string, args ...interface{}) { entry().Fatalf(format, args...) }

// WithField add field
func WithField(key string, value interface{}) *logrus.Entry {
	return entry().WithField(key, value)
}

// WithFields add multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return entry().WithFields(fields)
}

// WithError add error field
func WithError(err error) *logrus.Entry {
	return entry().WithError(err)
}

// WithContext returns an entry carrying caller_id, saga_id and trace_id
// when ctx holds them.
func WithContext(ctx context.Context) *logrus.Entry {
	e := entry().WithContext(ctx)
	fields := logrus.Fields{}
	if id, ok := requestctx.CallerID(ctx); ok {
		fields["caller_id"] = id
	}
	if id, ok := requestctx.SagaID(ctx); ok {
		fields["saga_id"] = id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if len(fields) == 0 {
		return e
	}
	return e.WithFields(fields)
}
