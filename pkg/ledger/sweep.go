package ledger

import (
	"context"
	"errors"
	"time"
)

// ExpireStaleReservations releases every pending reservation older than
// olderThan. Reservations settled concurrently are counted as skipped and
// other per-reservation failures do not stop the pass. A non-positive
// olderThan uses DefaultStaleReservationAge.
func (service *Service) ExpireStaleReservations(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleReservationAge
	}
	cutoff := service.now().Add(-olderThan)
	stale, err := service.store.ListStaleReservations(ctx, cutoff)
	if err != nil {
		return SweepResult{}, classifyStoreError(operationExpire, err)
	}
	result := SweepResult{Candidates: len(stale)}
	for _, reservation := range stale {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		releaseErr := service.release(ctx, reservation.UserID, reservation.ReservationID)
		service.logOperation(ctx, OperationLog{
			Operation:     operationExpire,
			UserID:        reservation.UserID,
			ReservationID: reservation.ReservationID,
			Amount:        reservation.Amount,
			Error:         releaseErr,
		})
		switch {
		case releaseErr == nil:
			result.Released++
		case errors.Is(releaseErr, ErrReservationConflict), errors.Is(releaseErr, ErrReservationNotFound):
			result.Skipped++
		default:
			result.Failed++
		}
	}
	return result, nil
}
