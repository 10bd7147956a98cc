package app

import (
	"github.com/MarkoPoloResearchLab/envelopes/pkg/ledger"
	"go.uber.org/zap"
)

type operationLogger struct {
	logger *zap.Logger
}

func newOperationLogger(logger *zap.Logger) operationLogger {
	return operationLogger{logger: logger}
}

// LogOperation writes one structured line per ledger operation; failures are logged at warn.
func (adapter operationLogger) LogOperation(entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.EnvelopeID != "" {
		fields = append(fields, zap.String("envelope_id", entry.EnvelopeID))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	if entry.TemplateID != "" {
		fields = append(fields, zap.String("template_id", entry.TemplateID))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.Error != nil {
		adapter.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Debug("ledger operation", fields...)
}
