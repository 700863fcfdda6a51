package pgstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	values []any
	err    error
}

func (row fakeRow) Scan(dest ...any) error {
	if row.err != nil {
		return row.err
	}
	for index, target := range dest {
		switch typed := target.(type) {
		case *string:
			*typed = row.values[index].(string)
		case *int64:
			*typed = row.values[index].(int64)
		case *bool:
			*typed = row.values[index].(bool)
		}
	}
	return nil
}

type fakeDatabase struct {
	row      fakeRow
	execErr  error
	pingErr  error
	lastSQL  string
	lastArgs []any
}

func (db *fakeDatabase) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.lastSQL = sql
	db.lastArgs = args
	return db.row
}

func (db *fakeDatabase) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *fakeDatabase) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.lastSQL = sql
	db.lastArgs = args
	return pgconn.NewCommandTag("SELECT 1"), db.execErr
}

func (db *fakeDatabase) Ping(context.Context) error {
	return db.pingErr
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustReservationID(test *testing.T, raw string) ledger.ReservationID {
	test.Helper()
	reservationID, err := ledger.NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func TestClassifyProcedureError(test *testing.T) {
	test.Parallel()
	cases := []struct {
		code string
		want error
	}{
		{code: sqlStateInsufficientCredits, want: ledger.ErrInsufficientCredits},
		{code: sqlStateReservationNotFound, want: ledger.ErrReservationNotFound},
		{code: sqlStateAlreadyProcessed, want: ledger.ErrReservationConflict},
		{code: sqlStateUniqueViolation, want: ledger.ErrReservationConflict},
		{code: sqlStateInvalidParameter, want: ledger.ErrInvalidAmount},
	}
	for _, tc := range cases {
		pgErr := &pgconn.PgError{Code: tc.code, Message: "raised"}
		classified := classifyProcedureError(pgErr)
		if !errors.Is(classified, tc.want) {
			test.Fatalf("code %s: expected %v, got %v", tc.code, tc.want, classified)
		}
		var preserved *pgconn.PgError
		if !errors.As(classified, &preserved) {
			test.Fatalf("code %s: expected original PgError to be preserved", tc.code)
		}
	}

	other := &pgconn.PgError{Code: "57P01"}
	if classified := classifyProcedureError(other); classified != error(other) {
		test.Fatalf("expected unknown codes to pass through, got %v", classified)
	}
}

func TestReserveCreditsMapsInsufficientCredits(test *testing.T) {
	test.Parallel()
	db := &fakeDatabase{row: fakeRow{err: &pgconn.PgError{Code: sqlStateInsufficientCredits}}}
	store := &Store{db: db}

	_, err := store.ReserveCredits(context.Background(), ledger.ReserveRequest{
		UserID:    mustUserID(test, "user"),
		Amount:    5,
		CreatedAt: time.Now(),
	})
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if !strings.Contains(db.lastSQL, "reserve_credits") {
		test.Fatalf("expected reserve_credits call, got %q", db.lastSQL)
	}
}

func TestReserveCreditsParsesReservationID(test *testing.T) {
	test.Parallel()
	db := &fakeDatabase{row: fakeRow{values: []any{"8f14e45f-ceea-467f-a0e6-5b3f3c9a8d21", "confirmed", true}}}
	store := &Store{db: db}
	key, err := ledger.NewIdempotencyKey("k1")
	if err != nil {
		test.Fatalf("key: %v", err)
	}

	reservation, err := store.ReserveCredits(context.Background(), ledger.ReserveRequest{
		UserID:         mustUserID(test, "user"),
		Amount:         5,
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.ID.String() != "8f14e45f-ceea-467f-a0e6-5b3f3c9a8d21" {
		test.Fatalf("unexpected reservation id %q", reservation.ID.String())
	}
	if !reservation.Replayed || reservation.Status != ledger.TransactionStatusConfirmed {
		test.Fatalf("expected confirmed replay, got %+v", reservation)
	}
	if db.lastArgs[2] != "k1" || db.lastArgs[3] != "" {
		test.Fatalf("unexpected procedure args %v", db.lastArgs)
	}
}

func TestReservationStatusMapsMissingRow(test *testing.T) {
	test.Parallel()
	reservationID := mustReservationID(test, "8f14e45f-ceea-467f-a0e6-5b3f3c9a8d21")

	db := &fakeDatabase{row: fakeRow{err: pgx.ErrNoRows}}
	if _, err := (&Store{db: db}).ReservationStatus(context.Background(), mustUserID(test, "user"), reservationID); !errors.Is(err, ledger.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}

	db = &fakeDatabase{row: fakeRow{values: []any{"released"}}}
	status, err := (&Store{db: db}).ReservationStatus(context.Background(), mustUserID(test, "user"), reservationID)
	if err != nil || status != ledger.TransactionStatusReleased {
		test.Fatalf("expected released, got %s %v", status, err)
	}
}

func TestUnlabelledRaiseIsNotInsufficientCredits(test *testing.T) {
	test.Parallel()
	raised := &pgconn.PgError{Code: "P0001", Message: "trigger failed"}
	if classified := classifyProcedureError(raised); errors.Is(classified, ledger.ErrInsufficientCredits) || ledger.IsExpectedOutcome(classified) {
		test.Fatalf("plain RAISE must stay an infrastructure error, got %v", classified)
	}
}

func TestSettleMapsProcedureErrors(test *testing.T) {
	test.Parallel()
	request := ledger.SettleRequest{
		UserID:        mustUserID(test, "user"),
		ReservationID: mustReservationID(test, "8f14e45f-ceea-467f-a0e6-5b3f3c9a8d21"),
		SettledAt:     time.Now(),
	}

	db := &fakeDatabase{execErr: &pgconn.PgError{Code: sqlStateAlreadyProcessed}}
	if err := (&Store{db: db}).ConsumeCredits(context.Background(), request); !errors.Is(err, ledger.ErrReservationConflict) {
		test.Fatalf("expected ErrReservationConflict, got %v", err)
	}
	if !strings.Contains(db.lastSQL, "consume_credits") {
		test.Fatalf("expected consume_credits call, got %q", db.lastSQL)
	}

	db = &fakeDatabase{execErr: &pgconn.PgError{Code: sqlStateReservationNotFound}}
	if err := (&Store{db: db}).ReleaseCredits(context.Background(), request); !errors.Is(err, ledger.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
	if !strings.Contains(db.lastSQL, "release_credits") {
		test.Fatalf("expected release_credits call, got %q", db.lastSQL)
	}
}

func TestConnectionFailuresStayUnclassified(test *testing.T) {
	test.Parallel()
	connErr := errors.New("dial tcp: connection refused")
	store := &Store{db: &fakeDatabase{row: fakeRow{err: connErr}, pingErr: connErr}}

	_, err := store.GetBalance(context.Background(), mustUserID(test, "user"), time.Now())
	if !errors.Is(err, connErr) || ledger.IsExpectedOutcome(err) {
		test.Fatalf("expected raw connection error, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, connErr) {
		test.Fatalf("expected ping error, got %v", err)
	}
}

func TestEmbeddedMigrationsArePaired(test *testing.T) {
	test.Parallel()
	names, err := MigrationNames()
	if err != nil {
		test.Fatalf("read migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups++
		case strings.HasSuffix(name, ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		test.Fatalf("expected paired migrations, got %d up and %d down", ups, downs)
	}
}

func TestMigrationDefinesProcedures(test *testing.T) {
	test.Parallel()
	contents, err := migrationFiles.ReadFile(migrationsDir + "/0001_credit_ledger.up.sql")
	if err != nil {
		test.Fatalf("read migration: %v", err)
	}
	for _, procedure := range []string{"get_credit_balance", "reserve_credits", "consume_credits", "release_credits", "grant_credits", "pg_advisory_xact_lock"} {
		if !strings.Contains(string(contents), procedure) {
			test.Fatalf("migration is missing %s", procedure)
		}
	}
}
