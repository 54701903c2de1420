package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrStorageFailure           = errors.New("storage failure")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidConsumptionReason = errors.New("invalid consumption reason")
	ErrInvalidTransaction       = errors.New("invalid transaction")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrLockUnavailable          = errors.New("user lock unavailable")
)

// Stable codes exposed to API clients.
const (
	CodeInsufficientCredits    = "insufficient_credits"
	CodeInvalidAmount          = "invalid_amount"
	CodeInvalidUserID          = "invalid_user_id"
	CodeInvalidReason          = "invalid_reason"
	CodeInvalidTransactionType = "invalid_transaction_type"
	CodeInvalidTransaction     = "invalid_transaction"
	CodeLockUnavailable        = "lock_unavailable"
	CodeLedgerError            = "ledger_error"
)

// ErrorCode maps an error returned by this package to its stable client code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrStorageFailure):
		return CodeLedgerError
	case errors.Is(err, ErrInsufficientCredits):
		return CodeInsufficientCredits
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrInvalidUserID):
		return CodeInvalidUserID
	case errors.Is(err, ErrInvalidConsumptionReason):
		return CodeInvalidReason
	case errors.Is(err, ErrInvalidTransactionType):
		return CodeInvalidTransactionType
	case errors.Is(err, ErrLockUnavailable):
		return CodeLockUnavailable
	case errors.Is(err, ErrInvalidTransaction):
		return CodeInvalidTransaction
	default:
		return CodeLedgerError
	}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// WrapStorageError marks err as a storage failure while keeping the cause.
func WrapStorageError(subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError("store", subject, code, fmt.Errorf("%w: %w", ErrStorageFailure, err))
}
