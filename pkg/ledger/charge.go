package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ChargeAction performs the metered work paid for by a reservation.
type ChargeAction[T any] func(ctx context.Context, reservationID ReservationID) (T, error)

// WithCreditCharge reserves amount, runs action and consumes the reservation
// when action succeeds. When action fails or panics the reservation is
// released and the action's outcome is propagated unchanged.
//
// A reservation replayed through options.IdempotencyKey belongs to an earlier
// charge, so action is not run and the error wraps ErrChargeReplayed.
//
// When action succeeds but the consume keeps failing, the result is returned
// together with a *SettlementError; the reservation then stays pending until
// the stale reservation sweep releases it.
func WithCreditCharge[T any](ctx context.Context, service *Service, userID UserID, amount CreditAmount, action ChargeAction[T], options ChargeOptions) (result T, err error) {
	if service == nil {
		return result, fmt.Errorf("%w: service is nil", ErrInvalidServiceConfig)
	}
	if action == nil {
		return result, fmt.Errorf("%w: charge action is nil", ErrInvalidServiceConfig)
	}
	reservation, err := service.placeReservation(ctx, userID, amount, options)
	if err != nil {
		return result, err
	}
	if reservation.Replayed {
		return result, fmt.Errorf("%w: reservation %s is %s", ErrChargeReplayed, reservation.ID.String(), reservation.Status.String())
	}
	reservationID := reservation.ID

	completed := false
	defer func() {
		if completed {
			return
		}
		recovered := recover()
		if recovered == nil {
			service.releaseAfterFailure(ctx, userID, reservationID, amount, errors.New("charged action exited without returning"))
			return
		}
		service.releaseAfterFailure(ctx, userID, reservationID, amount, fmt.Errorf("charged action panicked: %v", recovered))
		panic(recovered)
	}()

	result, actionErr := action(ctx, reservationID)
	completed = true
	if actionErr != nil {
		service.releaseAfterFailure(ctx, userID, reservationID, amount, actionErr)
		var zero T
		return zero, actionErr
	}

	if settleErr := service.consumeWithRetry(ctx, userID, reservationID, amount); settleErr != nil {
		return result, settleErr
	}
	return result, nil
}

// releaseAfterFailure runs detached from ctx so that a cancelled request still
// returns its hold.
func (service *Service) releaseAfterFailure(ctx context.Context, userID UserID, reservationID ReservationID, amount CreditAmount, cause error) {
	releaseErr := service.Release(context.WithoutCancel(ctx), userID, reservationID)
	if releaseErr == nil {
		return
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCharge,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        amount,
		Status:        operationStatusCritical,
		Error:         fmt.Errorf("release after failed action: %w (action error: %v)", releaseErr, cause),
	})
}

// consumeWithRetry retries consumes that failed with ErrServiceUnavailable. A
// conflict after such a failure means an earlier attempt may have committed,
// so the reservation counts as settled when it is confirmed.
func (service *Service) consumeWithRetry(ctx context.Context, userID UserID, reservationID ReservationID, amount CreditAmount) error {
	settleCtx := context.WithoutCancel(ctx)
	var consumeErr error
	attemptedUnavailable := false
	for attempt := 0; attempt <= service.settlementRetries; attempt++ {
		consumeErr = service.Consume(settleCtx, userID, reservationID)
		if consumeErr == nil {
			return nil
		}
		if errors.Is(consumeErr, ErrServiceUnavailable) {
			attemptedUnavailable = true
			continue
		}
		if attemptedUnavailable && errors.Is(consumeErr, ErrReservationConflict) {
			status, statusErr := service.reservationStatus(settleCtx, userID, reservationID)
			if statusErr == nil && status == TransactionStatusConfirmed {
				return nil
			}
			if statusErr != nil {
				consumeErr = errors.Join(consumeErr, statusErr)
			}
		}
		break
	}
	settlementErr := &SettlementError{ReservationID: reservationID, Err: consumeErr}
	service.logOperation(ctx, OperationLog{
		Operation:     operationCharge,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        amount,
		Status:        operationStatusCritical,
		Error:         settlementErr,
	})
	return settlementErr
}
