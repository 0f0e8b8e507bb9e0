package redisstream

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/pkg/logger"
)

// zapAdapter routes watermill logs into the component logger
type zapAdapter struct {
	log *logger.Logger
}

// NewLoggerAdapter wraps log as a watermill.LoggerAdapter
func NewLoggerAdapter(log *logger.Logger) watermill.LoggerAdapter {
	return &zapAdapter{log: log}
}

func (a *zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error(msg, append(toZap(fields), zap.Error(err))...)
}

func (a *zapAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info(msg, toZap(fields)...)
}

func (a *zapAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, toZap(fields)...)
}

// Trace is noisy per-message output; it goes to debug
func (a *zapAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Debug(msg, toZap(fields)...)
}

func (a *zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zapAdapter{log: &logger.Logger{Logger: a.log.With(toZap(fields)...)}}
}

func toZap(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
