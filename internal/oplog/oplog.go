// Package oplog writes ledger operation events to a zap logger.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"go.uber.org/zap"
)

const messageOperation = "credit operation"

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger. A nil logger discards every entry.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation logs successful operations at info, expected domain outcomes
// at warn, and infrastructure failures and critical events at error.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if !entry.ReferenceID.IsZero() {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID.String()))
	}
	if entry.Replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}

	switch {
	case entry.Status == ledger.OperationStatusCritical:
		operationLogger.logger.Error(messageOperation, append(fields, zap.Bool("critical", true))...)
	case entry.Error == nil:
		operationLogger.logger.Info(messageOperation, fields...)
	case ledger.IsExpectedOutcome(entry.Error):
		operationLogger.logger.Warn(messageOperation, fields...)
	default:
		operationLogger.logger.Error(messageOperation, fields...)
	}
}
