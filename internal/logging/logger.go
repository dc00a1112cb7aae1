package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// NewDevelopmentLogger is used by the CLI tools where human readable output matters.
func NewDevelopmentLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}

// WithSession scopes a logger to one wizard owner and its current verification session.
func WithSession(logger *zap.Logger, userID, verificationID string) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if verificationID != "" {
		fields = append(fields, zap.String("verification_id", verificationID))
	}
	return logger.With(fields...)
}
