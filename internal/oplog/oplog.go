// Package oplog adapts credits.OperationLogger to process-level sinks.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger writes every operation as one structured log line.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger. A nil logger discards everything.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("credits")}
}

// LogOperation implements credits.OperationLogger.
func (adapter *ZapLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
	}
	if entry.TransactionType != "" {
		fields = append(fields, zap.String("transaction_type", entry.TransactionType.String()))
	}
	if !entry.Reason.IsZero() {
		fields = append(fields, zap.String("reason", entry.Reason.String()))
	}
	if !entry.OrderReference.IsZero() {
		fields = append(fields, zap.String("order_reference", entry.OrderReference.String()))
	}
	if entry.TransactionID != 0 {
		fields = append(fields, zap.Int64("transaction_id", entry.TransactionID.Int64()))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		level = zapcore.WarnLevel
		if credits.ErrorCode(entry.Error) == credits.CodeLedgerError {
			level = zapcore.ErrorLevel
		}
	}
	adapter.logger.Log(level, "credit operation", fields...)
}

// Fanout forwards each entry to every logger in order.
type Fanout []credits.OperationLogger

// LogOperation implements credits.OperationLogger.
func (fanout Fanout) LogOperation(ctx context.Context, entry credits.OperationLog) {
	for _, logger := range fanout {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
