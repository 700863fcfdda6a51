package pgstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envTestPostgresURL = "CREDITD_TEST_POSTGRES_URL"

// newPostgresService migrates the database named by CREDITD_TEST_POSTGRES_URL
// and returns a service over it. Tests are skipped when the variable is unset.
func newPostgresService(test *testing.T) *ledger.Service {
	test.Helper()
	databaseURL := os.Getenv(envTestPostgresURL)
	if databaseURL == "" {
		test.Skipf("%s not set", envTestPostgresURL)
	}
	if err := Migrate(databaseURL); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		test.Fatalf("connect: %v", err)
	}
	test.Cleanup(pool.Close)
	service, err := ledger.NewService(New(pool), time.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func uniqueUserID(test *testing.T) ledger.UserID {
	test.Helper()
	return mustUserID(test, "pg-"+uuid.NewString())
}

func grantCredits(test *testing.T, service *ledger.Service, userID ledger.UserID, amount int64) {
	test.Helper()
	credits, err := ledger.NewCreditAmount(amount)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if _, err := service.Grant(context.Background(), userID, credits, ledger.TransactionTypePurchase, ledger.Description{}); err != nil {
		test.Fatalf("grant: %v", err)
	}
}

func TestPostgresConcurrentReservesNeverOverdraw(test *testing.T) {
	service := newPostgresService(test)
	userID := uniqueUserID(test)
	grantCredits(test, service, userID, 10)

	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	succeeded, insufficient := 0, 0
	for index := 0; index < 8; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Reserve(context.Background(), userID, 3, ledger.ReserveOptions{})
			mutex.Lock()
			defer mutex.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientCredits):
				insufficient++
			}
		}()
	}
	waitGroup.Wait()

	if succeeded != 3 || insufficient != 5 {
		test.Fatalf("expected 3 holds and 5 refusals, got %d and %d", succeeded, insufficient)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Available != 1 || balance.Reserved != 9 {
		test.Fatalf("unexpected balance %+v", balance)
	}
}

func TestPostgresConcurrentConsumeAndReleaseSettleOnce(test *testing.T) {
	service := newPostgresService(test)
	userID := uniqueUserID(test)
	grantCredits(test, service, userID, 10)
	reservationID, err := service.Reserve(context.Background(), userID, 4, ledger.ReserveOptions{})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	var waitGroup sync.WaitGroup
	results := make([]error, 6)
	for index := range results {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			if index%2 == 0 {
				results[index] = service.Consume(context.Background(), userID, reservationID)
				return
			}
			results[index] = service.Release(context.Background(), userID, reservationID)
		}(index)
	}
	waitGroup.Wait()

	winners := 0
	for _, result := range results {
		switch {
		case result == nil:
			winners++
		case !errors.Is(result, ledger.ErrReservationConflict):
			test.Fatalf("unexpected settle error %v", result)
		}
	}
	if winners != 1 {
		test.Fatalf("expected exactly one settlement, got %d", winners)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Reserved != 0 || balance.TransactionCount != 3 {
		test.Fatalf("unexpected balance after settlement %+v", balance)
	}
}

func TestPostgresReplayedChargeSkipsAction(test *testing.T) {
	service := newPostgresService(test)
	userID := uniqueUserID(test)
	grantCredits(test, service, userID, 10)
	key, err := ledger.NewIdempotencyKey("diag-1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	options := ledger.ChargeOptions{IdempotencyKey: key}

	calls := 0
	action := func(context.Context, ledger.ReservationID) (int, error) {
		calls++
		return calls, nil
	}
	if _, err := ledger.WithCreditCharge(context.Background(), service, userID, 2, action, options); err != nil {
		test.Fatalf("first charge: %v", err)
	}
	if _, err := ledger.WithCreditCharge(context.Background(), service, userID, 2, action, options); !errors.Is(err, ledger.ErrChargeReplayed) {
		test.Fatalf("expected replayed charge, got %v", err)
	}
	if calls != 1 {
		test.Fatalf("expected the action to run once, got %d", calls)
	}
}

func TestPostgresSettleUnknownReservation(test *testing.T) {
	service := newPostgresService(test)
	userID := uniqueUserID(test)
	missing := mustReservationID(test, uuid.NewString())

	if err := service.Consume(context.Background(), userID, missing); !errors.Is(err, ledger.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}
