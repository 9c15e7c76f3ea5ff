package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/fortuna-labs/creditgate/pkg/credits"
)

// OperationLogger adapts zap to the credits operation log callback.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps a zap logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation emits one structured entry per ledger operation.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reference_id", entry.ReferenceID),
		zap.String("status", entry.Status),
	}
	if entry.ServiceType.String() != "" {
		fields = append(fields, zap.String("service_type", entry.ServiceType.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
