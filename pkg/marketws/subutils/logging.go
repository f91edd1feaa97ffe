package subutils

import (
	"context"

	"github.com/tsarna/marketws/pkg/marketws/bus"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingSubscriber logs every call and then passes it to the wrapped
// subscriber. With a nil wrapped subscriber it only logs.
type LoggingSubscriber struct {
	wrapped  bus.Subscriber
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

func NewLoggingSubscriber(wrapped bus.Subscriber, logger *zap.Logger, logLevel zapcore.Level) *LoggingSubscriber {
	return NewNamedLoggingSubscriber(wrapped, logger, logLevel, "LoggingSubscriber")
}

// NewNamedLoggingSubscriber is NewLoggingSubscriber with name in every log line.
func NewNamedLoggingSubscriber(wrapped bus.Subscriber, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSubscriber{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "OnSubscribe called",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
	)

	if l.wrapped != nil {
		return l.wrapped.OnSubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "OnUnsubscribe called",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
	)

	if l.wrapped != nil {
		return l.wrapped.OnUnsubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	fieldsLog := []zap.Field{
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
		zap.String("route", env.Route),
		zap.ByteString("payload", env.Payload),
	}
	if env.ID != "" {
		fieldsLog = append(fieldsLog, zap.String("id", env.ID))
	}
	if env.RefID != "" {
		fieldsLog = append(fieldsLog, zap.String("ref_id", env.RefID))
	}
	if len(fields) > 0 {
		fieldsLog = append(fieldsLog, zap.Any("fields", fields))
	}
	l.logger.Log(l.logLevel, "OnEvent called", fieldsLog...)

	if l.wrapped != nil {
		return l.wrapped.OnEvent(ctx, topic, env, fields)
	}
	return nil
}
