package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggerConfig configures the logger sink.
type LoggerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Level is the logrus level records are logged at. Defaults to debug.
	Level string `yaml:"level"`
}

// Logger emits one structured log entry per record.
type Logger struct {
	log   logrus.FieldLogger
	level logrus.Level
}

// NewLogger creates a logger sink. An empty level means debug.
func NewLogger(log logrus.FieldLogger, level string) (*Logger, error) {
	lvl := logrus.DebugLevel

	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parsing logger sink level: %w", err)
		}

		lvl = parsed
	}

	return &Logger{
		log:   log.WithField("sink", "logger"),
		level: lvl,
	}, nil
}

func (l *Logger) Name() string { return "logger" }

func (l *Logger) Deliver(_ context.Context, bucket time.Time, records []map[string]any) error {
	for _, rec := range records {
		entry := l.log.WithFields(logrus.Fields(rec)).
			WithField("bucket_start", bucket.UTC().Format(time.RFC3339))

		switch l.level {
		case logrus.TraceLevel:
			entry.Trace("Request record")
		case logrus.DebugLevel:
			entry.Debug("Request record")
		case logrus.WarnLevel:
			entry.Warn("Request record")
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			entry.Error("Request record")
		default:
			entry.Info("Request record")
		}
	}

	return nil
}
