package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service and its stores.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationConflict      = errors.New("reservation already processed")
	ErrChargeReplayed           = errors.New("charge already submitted")
	ErrServiceUnavailable       = errors.New("credit service unavailable")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidReferenceID       = errors.New("invalid reference id")
	ErrInvalidDescription       = errors.New("invalid description")
	ErrInvalidAmount            = errors.New("invalid credit amount")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

var domainErrors = []error{
	ErrInsufficientCredits,
	ErrReservationNotFound,
	ErrReservationConflict,
	ErrChargeReplayed,
	ErrServiceUnavailable,
	ErrInvalidUserID,
	ErrInvalidTransactionID,
	ErrInvalidReservationID,
	ErrInvalidIdempotencyKey,
	ErrInvalidReferenceID,
	ErrInvalidDescription,
	ErrInvalidAmount,
	ErrInvalidTransactionType,
	ErrInvalidTransactionStatus,
}

var validationErrors = []error{
	ErrInvalidUserID,
	ErrInvalidTransactionID,
	ErrInvalidReservationID,
	ErrInvalidIdempotencyKey,
	ErrInvalidReferenceID,
	ErrInvalidDescription,
	ErrInvalidAmount,
	ErrInvalidTransactionType,
	ErrInvalidTransactionStatus,
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

// SettlementError reports a metered action that completed but whose
// reservation could not be consumed afterwards.
type SettlementError struct {
	ReservationID ReservationID
	Err           error
}

func (settlementError *SettlementError) Error() string {
	return fmt.Sprintf("settlement of reservation %s failed: %v", settlementError.ReservationID.String(), settlementError.Err)
}

func (settlementError *SettlementError) Unwrap() error {
	return settlementError.Err
}

// IsValidationError reports whether err was caused by malformed caller input.
func IsValidationError(err error) bool {
	for _, candidate := range validationErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// IsExpectedOutcome reports whether err is a user-facing domain outcome
// rather than an infrastructure failure.
func IsExpectedOutcome(err error) bool {
	if errors.Is(err, ErrInsufficientCredits) || errors.Is(err, ErrReservationNotFound) || errors.Is(err, ErrReservationConflict) || errors.Is(err, ErrChargeReplayed) {
		return true
	}
	return IsValidationError(err)
}

// classifyStoreError keeps known domain conditions and degrades everything
// else to ErrServiceUnavailable.
func classifyStoreError(operation string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return WrapError(operation, errorSubjectStore, errorCodeUnavailable, fmt.Errorf("%w: %w", ErrServiceUnavailable, err))
}
