package sink

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

// LogFile appends structured alert lines to a local file through zap.
// Meant for minimal installs with no alerting endpoint; the audit log is
// still the authoritative trail.
type LogFile struct {
	logger *zap.Logger
}

// NewLogFile creates a logfile sink writing JSON lines to path.
func NewLogFile(path string) (*LogFile, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{path}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("open alert log file: %w", err)
	}
	return &LogFile{logger: logger}, nil
}

// Name implements domain.AlertSink.
func (l *LogFile) Name() string { return "logfile" }

// Send implements domain.AlertSink.
func (l *LogFile) Send(_ context.Context, alert domain.Alert) error {
	fields := []zap.Field{
		zap.String("hostname", alert.Hostname),
		zap.String("source", string(alert.Event.Source)),
		zap.String("severity", string(alert.Event.Severity)),
		zap.String("category", alert.Event.Category),
		zap.String("entity", alert.Event.Entity),
		zap.String("detail", alert.Event.Detail),
		zap.Time("detected_at", alert.Event.DetectedAt),
		zap.Bool("remediated", alert.Event.Remediated),
	}
	if alert.Summary {
		fields = append(fields,
			zap.Int("occurrences", alert.OccurrenceCount),
			zap.Time("window_start", alert.WindowStart))
		l.logger.Warn("tamper alert summary", fields...)
	} else {
		l.logger.Warn("tamper alert", fields...)
	}
	return l.logger.Sync()
}

// Close flushes the underlying logger.
func (l *LogFile) Close() error { return l.logger.Sync() }

// Ensure LogFile implements domain.AlertSink.
var _ domain.AlertSink = (*LogFile)(nil)
