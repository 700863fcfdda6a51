package ledger

import (
	"errors"
	"testing"
)

func TestWrapErrorIncludesCode(test *testing.T) {
	test.Parallel()
	baseErr := errors.New("boom")
	wrapped := WrapError("store", "reservation", "insert", baseErr)
	var operationErr OperationError
	if !errors.As(wrapped, &operationErr) {
		test.Fatalf("expected OperationError")
	}
	if operationErr.Operation() != "store" || operationErr.Subject() != "reservation" || operationErr.Code() != "insert" {
		test.Fatalf("unexpected error metadata: %s.%s.%s", operationErr.Operation(), operationErr.Subject(), operationErr.Code())
	}
	if !errors.Is(wrapped, baseErr) {
		test.Fatalf("expected wrapped error to match base")
	}
	if wrapped.Error() != "store.reservation.insert: boom" {
		test.Fatalf("unexpected message %q", wrapped.Error())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("store", "reservation", "insert", nil) != nil {
		test.Fatalf("expected nil")
	}
}

func TestErrorClassificationHelpers(test *testing.T) {
	test.Parallel()
	if !IsExpectedOutcome(WrapError("store", "reservation", "update", ErrReservationConflict)) {
		test.Fatalf("wrapped conflict should be an expected outcome")
	}
	if IsExpectedOutcome(ErrServiceUnavailable) {
		test.Fatalf("unavailability is not an expected outcome")
	}
	if !IsValidationError(ErrInvalidAmount) || IsValidationError(ErrInsufficientCredits) {
		test.Fatalf("unexpected validation classification")
	}
}

func TestSettlementErrorUnwraps(test *testing.T) {
	test.Parallel()
	cause := classifyStoreError(operationConsume, errors.New("reset by peer"))
	settlementErr := &SettlementError{Err: cause}
	if !errors.Is(settlementErr, ErrServiceUnavailable) {
		test.Fatalf("expected settlement error to unwrap to ErrServiceUnavailable")
	}
}
