package logger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"
)

// FluentConfig holds the fluent-bit connection settings
type FluentConfig struct {
	Host      string
	Port      int
	TagPrefix string
	Level     slog.Leveler
}

// poster is the part of *fluent.Fluent used by FluentLogger
type poster interface {
	Post(tag string, message interface{}) error
}

// FluentLogger ships log entries to fluent-bit
type FluentLogger struct {
	client   poster
	fields   Fields
	minLevel slog.Level
}

// NewFluentClient connects to fluent-bit. The client connects lazily, so
// errors only surface on the first post.
func NewFluentClient(cfg FluentConfig) (*fluent.Fluent, error) {
	if cfg.TagPrefix == "" {
		return nil, fmt.Errorf("fluent tag prefix is required")
	}

	client, err := fluent.New(fluent.Config{
		FluentHost: cfg.Host,
		FluentPort: cfg.Port,
		TagPrefix:  cfg.TagPrefix,
		Async:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fluent client: %w", err)
	}
	return client, nil
}

// NewFluent creates a logger posting to client
func NewFluent(client poster, minLevel slog.Leveler) (*FluentLogger, error) {
	if client == nil {
		return nil, fmt.Errorf("fluent client cannot be nil")
	}

	level := slog.LevelInfo
	if minLevel != nil {
		level = minLevel.Level()
	}

	return &FluentLogger{
		client:   client,
		fields:   make(Fields),
		minLevel: level,
	}, nil
}

func (l *FluentLogger) post(level slog.Level, tag, msg string, fields Fields) {
	if level < l.minLevel {
		return
	}
	data := mergeFields(l.fields, fields)
	data["level"] = tag
	data["message"] = msg
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)

	_ = l.client.Post(tag, data)
}

func (l *FluentLogger) Debug(msg string, fields Fields) {
	l.post(slog.LevelDebug, "debug", msg, fields)
}

func (l *FluentLogger) Info(msg string, fields Fields) {
	l.post(slog.LevelInfo, "info", msg, fields)
}

func (l *FluentLogger) Warn(msg string, fields Fields) {
	l.post(slog.LevelWarn, "warn", msg, fields)
}

func (l *FluentLogger) Error(msg string, err error, fields Fields) {
	if err != nil {
		fields = mergeFields(fields, Fields{"error": err.Error()})
	}
	l.post(slog.LevelError, "error", msg, fields)
}

func (l *FluentLogger) WithFields(fields Fields) Logger {
	return &FluentLogger{
		client:   l.client,
		fields:   mergeFields(l.fields, fields),
		minLevel: l.minLevel,
	}
}
