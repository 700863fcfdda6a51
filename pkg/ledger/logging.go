package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation and its outcome. Status is one of
// OperationStatusOK, OperationStatusError or OperationStatusCritical.
type OperationLog struct {
	Operation      string
	UserID         UserID
	ReservationID  ReservationID
	TransactionID  TransactionID
	Amount         CreditAmount
	IdempotencyKey IdempotencyKey
	ReferenceID    ReferenceID
	Replayed       bool
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSettlementRetries overrides how many times a failed consume is retried
// after a successful charged action.
func WithSettlementRetries(retries int) ServiceOption {
	return func(service *Service) {
		if retries >= 0 {
			service.settlementRetries = retries
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
