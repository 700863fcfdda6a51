package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// stubStore is an in-memory Store that mirrors the relational stores'
// semantics under a single mutex.
type stubStore struct {
	mutex        sync.Mutex
	transactions []Transaction
	statuses     map[string]TransactionStatus
	consumeErrs  []error
	releaseErrs  []error
	// lostAckErrs are returned after a consume has been committed.
	lostAckErrs  []error
	consumeCalls int
	releaseCalls int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{statuses: map[string]TransactionStatus{}}
}

func (store *stubStore) GetBalance(_ context.Context, userID UserID, monthStart time.Time) (Balance, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.balanceLocked(userID, monthStart), nil
}

func (store *stubStore) balanceLocked(userID UserID, monthStart time.Time) Balance {
	var granted int64
	var balance Balance
	for _, transaction := range store.transactions {
		if transaction.UserID != userID {
			continue
		}
		balance.TransactionCount++
		status := store.statuses[transaction.ID.String()]
		switch {
		case transaction.Type.IsGrant() && status == TransactionStatusConfirmed:
			granted += transaction.Amount.Int64()
		case transaction.Type == TransactionTypeConsume && status == TransactionStatusConfirmed:
			balance.TotalConsumed += transaction.Amount.Int64()
			if !transaction.CreatedAt.Before(monthStart) {
				balance.ConsumedThisMonth += transaction.Amount.Int64()
			}
		case transaction.Type == TransactionTypeReserve && status == TransactionStatusPending:
			balance.Reserved += transaction.Amount.Int64()
		}
	}
	balance.Available = granted - balance.TotalConsumed - balance.Reserved
	return balance
}

func (store *stubStore) ReserveCredits(_ context.Context, request ReserveRequest) (Reservation, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if !request.IdempotencyKey.IsZero() {
		for index := len(store.transactions) - 1; index >= 0; index-- {
			transaction := store.transactions[index]
			if transaction.UserID != request.UserID || transaction.Type != TransactionTypeReserve || transaction.IdempotencyKey != request.IdempotencyKey {
				continue
			}
			if status := store.statuses[transaction.ID.String()]; status != TransactionStatusReleased {
				return Reservation{ID: ReservationID{value: transaction.ID.String()}, Status: status, Replayed: true}, nil
			}
		}
	}
	if request.Amount.Int64() > store.balanceLocked(request.UserID, request.CreatedAt).Available {
		return Reservation{}, ErrInsufficientCredits
	}
	transactionID := store.appendLocked(Transaction{
		UserID:         request.UserID,
		Amount:         request.Amount,
		Type:           TransactionTypeReserve,
		Status:         TransactionStatusPending,
		IdempotencyKey: request.IdempotencyKey,
		ReferenceID:    request.ReferenceID,
		Description:    request.Description,
		CreatedAt:      request.CreatedAt,
	})
	return Reservation{ID: ReservationID{value: transactionID.String()}, Status: TransactionStatusPending}, nil
}

func (store *stubStore) ReservationStatus(_ context.Context, userID UserID, reservationID ReservationID) (TransactionStatus, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, transaction := range store.transactions {
		if transaction.ID.String() == reservationID.String() && transaction.Type == TransactionTypeReserve && transaction.UserID == userID {
			return store.statuses[transaction.ID.String()], nil
		}
	}
	return "", ErrReservationNotFound
}

func (store *stubStore) ConsumeCredits(_ context.Context, request SettleRequest) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.consumeCalls++
	if len(store.consumeErrs) > 0 {
		err := store.consumeErrs[0]
		store.consumeErrs = store.consumeErrs[1:]
		if err != nil {
			return err
		}
	}
	if err := store.settleLocked(request, TransactionTypeConsume, TransactionStatusConfirmed); err != nil {
		return err
	}
	if len(store.lostAckErrs) > 0 {
		err := store.lostAckErrs[0]
		store.lostAckErrs = store.lostAckErrs[1:]
		return err
	}
	return nil
}

func (store *stubStore) ReleaseCredits(_ context.Context, request SettleRequest) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.releaseCalls++
	if len(store.releaseErrs) > 0 {
		err := store.releaseErrs[0]
		store.releaseErrs = store.releaseErrs[1:]
		if err != nil {
			return err
		}
	}
	return store.settleLocked(request, TransactionTypeRelease, TransactionStatusReleased)
}

func (store *stubStore) settleLocked(request SettleRequest, rowType TransactionType, target TransactionStatus) error {
	for _, transaction := range store.transactions {
		if transaction.ID.String() != request.ReservationID.String() || transaction.Type != TransactionTypeReserve || transaction.UserID != request.UserID {
			continue
		}
		if store.statuses[transaction.ID.String()] != TransactionStatusPending {
			return ErrReservationConflict
		}
		store.statuses[transaction.ID.String()] = target
		store.appendLocked(Transaction{
			UserID:        request.UserID,
			Amount:        transaction.Amount,
			Type:          rowType,
			Status:        target,
			ReferenceID:   transaction.ReferenceID,
			ReservationID: request.ReservationID,
			CreatedAt:     request.SettledAt,
		})
		return nil
	}
	return ErrReservationNotFound
}

func (store *stubStore) GrantCredits(_ context.Context, request GrantRequest) (TransactionID, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.appendLocked(Transaction{
		UserID:      request.UserID,
		Amount:      request.Amount,
		Type:        request.Type,
		Status:      TransactionStatusConfirmed,
		Description: request.Description,
		CreatedAt:   request.CreatedAt,
	}), nil
}

func (store *stubStore) appendLocked(transaction Transaction) TransactionID {
	transaction.ID = TransactionID{value: uuid.NewString()}
	store.statuses[transaction.ID.String()] = transaction.Status
	store.transactions = append(store.transactions, transaction)
	return transaction.ID
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID, page Page) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var owned []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.UserID != userID {
			continue
		}
		transaction.Status = store.statuses[transaction.ID.String()]
		owned = append(owned, transaction)
	}
	if page.Offset >= len(owned) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(owned) {
		end = len(owned)
	}
	return owned[page.Offset:end], nil
}

func (store *stubStore) ListStaleReservations(_ context.Context, cutoff time.Time) ([]StaleReservation, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var stale []StaleReservation
	for _, transaction := range store.transactions {
		if transaction.Type != TransactionTypeReserve || store.statuses[transaction.ID.String()] != TransactionStatusPending {
			continue
		}
		if !transaction.CreatedAt.Before(cutoff) {
			continue
		}
		stale = append(stale, StaleReservation{
			UserID:        transaction.UserID,
			ReservationID: ReservationID{value: transaction.ID.String()},
			Amount:        transaction.Amount,
			CreatedAt:     transaction.CreatedAt,
		})
	}
	sort.SliceStable(stale, func(left, right int) bool {
		return stale[left].CreatedAt.Before(stale[right].CreatedAt)
	})
	return stale, nil
}

func (store *stubStore) Ping(context.Context) error {
	return nil
}

func (store *stubStore) status(reservationID ReservationID) TransactionStatus {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.statuses[reservationID.String()]
}

// failingStore returns err from every method.
type failingStore struct {
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{err: err}
}

func (store *failingStore) GetBalance(context.Context, UserID, time.Time) (Balance, error) {
	return Balance{}, store.err
}

func (store *failingStore) ReserveCredits(context.Context, ReserveRequest) (Reservation, error) {
	return Reservation{}, store.err
}

func (store *failingStore) ReservationStatus(context.Context, UserID, ReservationID) (TransactionStatus, error) {
	return "", store.err
}

func (store *failingStore) ConsumeCredits(context.Context, SettleRequest) error {
	return store.err
}

func (store *failingStore) ReleaseCredits(context.Context, SettleRequest) error {
	return store.err
}

func (store *failingStore) GrantCredits(context.Context, GrantRequest) (TransactionID, error) {
	return TransactionID{}, store.err
}

func (store *failingStore) ListTransactions(context.Context, UserID, Page) ([]Transaction, error) {
	return nil, store.err
}

func (store *failingStore) ListStaleReservations(context.Context, time.Time) ([]StaleReservation, error) {
	return nil, store.err
}

func (store *failingStore) Ping(context.Context) error {
	return store.err
}

type manualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, time.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustReferenceID(test *testing.T, raw string) ReferenceID {
	test.Helper()
	referenceID, err := NewReferenceID(raw)
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}
	return referenceID
}

func mustGrant(test *testing.T, service *Service, userID UserID, amount int64) {
	test.Helper()
	if _, err := service.Grant(context.Background(), userID, mustAmount(test, amount), TransactionTypePurchase, Description{}); err != nil {
		test.Fatalf("grant: %v", err)
	}
}

func mustBalance(test *testing.T, service *Service, userID UserID) Balance {
	test.Helper()
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}
