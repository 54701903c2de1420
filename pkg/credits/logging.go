package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation       string
	UserID          UserID
	TransactionType TransactionType
	Reason          ConsumptionReason
	Amount          int64
	OrderReference  OrderReference
	TransactionID   TransactionID
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator replaces the default snowflake generator.
func WithIDGenerator(generator IDGenerator) ServiceOption {
	return func(service *Service) {
		service.ids = generator
	}
}

// WithUserLocker adds a cross-process lock taken before every write.
func WithUserLocker(locker UserLocker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}
