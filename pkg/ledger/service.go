package ledger

import (
	"context"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store.
type Service struct {
	store             Store
	nowFn             func() time.Time
	logger            OperationLogger
	settlementRetries int
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, settlementRetries: defaultSettlementRetries}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance derives the user's current balance from their transactions.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	balance, err := service.store.GetBalance(ctx, userID, monthStart(service.now()))
	if err != nil {
		return Balance{}, classifyStoreError(operationBalance, err)
	}
	return balance, nil
}

// Reserve places a pending hold on credits. A repeated idempotency key returns
// the existing non-released reservation for the same user.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount CreditAmount, options ReserveOptions) (ReservationID, error) {
	reservation, err := service.placeReservation(ctx, userID, amount, options)
	return reservation.ID, err
}

func (service *Service) placeReservation(ctx context.Context, userID UserID, amount CreditAmount, options ReserveOptions) (Reservation, error) {
	reservation, operationError := service.reserve(ctx, userID, amount, options)
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		UserID:         userID,
		ReservationID:  reservation.ID,
		Amount:         amount,
		IdempotencyKey: options.IdempotencyKey,
		ReferenceID:    options.ReferenceID,
		Replayed:       reservation.Replayed,
		Error:          operationError,
	})
	return reservation, operationError
}

func (service *Service) reserve(ctx context.Context, userID UserID, amount CreditAmount, options ReserveOptions) (Reservation, error) {
	if userID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	reservation, err := service.store.ReserveCredits(ctx, ReserveRequest{
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: options.IdempotencyKey,
		ReferenceID:    options.ReferenceID,
		Description:    options.Description,
		CreatedAt:      service.now(),
	})
	if err != nil {
		return Reservation{}, classifyStoreError(operationReserve, err)
	}
	return reservation, nil
}

// reservationStatus reads the current status of a reservation owned by userID.
func (service *Service) reservationStatus(ctx context.Context, userID UserID, reservationID ReservationID) (TransactionStatus, error) {
	status, err := service.store.ReservationStatus(ctx, userID, reservationID)
	if err != nil {
		return "", classifyStoreError(operationLookup, err)
	}
	return status, nil
}

// Consume confirms a pending reservation. A nil error means this call
// performed the transition.
func (service *Service) Consume(ctx context.Context, userID UserID, reservationID ReservationID) error {
	operationError := service.settle(ctx, operationConsume, userID, reservationID, service.store.ConsumeCredits)
	service.logOperation(ctx, OperationLog{
		Operation:     operationConsume,
		UserID:        userID,
		ReservationID: reservationID,
		Error:         operationError,
	})
	return operationError
}

// Release returns the credits of a pending reservation to the account.
func (service *Service) Release(ctx context.Context, userID UserID, reservationID ReservationID) error {
	operationError := service.release(ctx, userID, reservationID)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		UserID:        userID,
		ReservationID: reservationID,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) release(ctx context.Context, userID UserID, reservationID ReservationID) error {
	return service.settle(ctx, operationRelease, userID, reservationID, service.store.ReleaseCredits)
}

func (service *Service) settle(ctx context.Context, operation string, userID UserID, reservationID ReservationID, transition func(context.Context, SettleRequest) error) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if reservationID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	err := transition(ctx, SettleRequest{
		UserID:        userID,
		ReservationID: reservationID,
		SettledAt:     service.now(),
	})
	return classifyStoreError(operation, err)
}

// Grant adds confirmed credits. An empty grantType defaults to purchase and an
// empty description to DefaultGrantDescription.
func (service *Service) Grant(ctx context.Context, userID UserID, amount CreditAmount, grantType TransactionType, description Description) (TransactionID, error) {
	transactionID, operationError := service.grant(ctx, userID, amount, grantType, description)
	service.logOperation(ctx, OperationLog{
		Operation:     operationGrant,
		UserID:        userID,
		TransactionID: transactionID,
		Amount:        amount,
		Error:         operationError,
	})
	return transactionID, operationError
}

func (service *Service) grant(ctx context.Context, userID UserID, amount CreditAmount, grantType TransactionType, description Description) (TransactionID, error) {
	if userID.IsZero() {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount <= 0 {
		return TransactionID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	resolvedType, err := ParseGrantType(grantType.String())
	if err != nil {
		return TransactionID{}, err
	}
	if description.IsZero() {
		description = Description{value: DefaultGrantDescription}
	}
	transactionID, err := service.store.GrantCredits(ctx, GrantRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        resolvedType,
		Description: description,
		CreatedAt:   service.now(),
	})
	if err != nil {
		return TransactionID{}, classifyStoreError(operationGrant, err)
	}
	return transactionID, nil
}

// ListTransactions returns the user's transactions, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, page Page) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	transactions, err := service.store.ListTransactions(ctx, userID, NewPage(page.Limit, page.Offset))
	if err != nil {
		return nil, classifyStoreError(operationList, err)
	}
	return transactions, nil
}

// Ping reports whether the backing store is reachable.
func (service *Service) Ping(ctx context.Context) error {
	return classifyStoreError(operationBalance, service.store.Ping(ctx))
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

// monthStart returns the first instant of the UTC calendar month containing now.
func monthStart(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
}
