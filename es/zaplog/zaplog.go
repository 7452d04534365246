// Package zaplog provides a zap-backed implementation of es.Logger.
package zaplog

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keyfold/keysourcing/es"
)

// Logger adapts a zap.SugaredLogger to the es.Logger interface.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ es.Logger = (*Logger)(nil)

// New builds a logger for the given environment.
// "production" yields JSON output at info level; anything else yields a
// colored development console at debug level.
func New(environment string) (*Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return Wrap(logger), nil
}

// Wrap adapts an existing zap.Logger.
func Wrap(logger *zap.Logger) *Logger {
	return &Logger{sugar: logger.Sugar()}
}

// Debug implements es.Logger.
func (l *Logger) Debug(_ context.Context, msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}

// Info implements es.Logger.
func (l *Logger) Info(_ context.Context, msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error implements es.Logger.
func (l *Logger) Error(_ context.Context, msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
