package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlStateInsufficientCredits = "LC001"
	sqlStateReservationNotFound = "LC002"
	sqlStateAlreadyProcessed    = "LC003"
	sqlStateInvalidParameter    = "22023"
	sqlStateUniqueViolation     = "23505"

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectGrant       = "grant"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorSubjectConnection  = "connection"
	errorCodeSum            = "sum"
	errorCodeReserve        = "reserve"
	errorCodeConsume        = "consume"
	errorCodeRelease        = "release"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodePing           = "ping"

	sqlGetBalance = `
		select available, reserved, total_consumed, consumed_this_month, transaction_count
		from get_credit_balance($1, $2)
	`

	sqlReserveCredits = `
		select reservation_id::text, status, replayed
		from reserve_credits($1, $2, nullif($3, ''), nullif($4, ''), nullif($5, ''), $6)
	`

	sqlReservationStatus = `
		select status
		from credit_transactions
		where id = $2::text::uuid and user_id = $1 and type = 'reserve'
	`

	sqlConsumeCredits = `select consume_credits($1, $2::text::uuid, $3)`

	sqlReleaseCredits = `select release_credits($1, $2::text::uuid, $3)`

	sqlGrantCredits = `
		select grant_credits($1, $2, $3, nullif($4, ''), $5)::text
	`

	sqlListTransactions = `
		select
			id::text,
			user_id,
			amount,
			type,
			status,
			coalesce(idempotency_key, ''),
			coalesce(reference_id, ''),
			coalesce(reservation_id::text, ''),
			coalesce(description, ''),
			created_at
		from credit_transactions
		where user_id = $1
		order by created_at desc, id desc
		limit $2 offset $3
	`

	sqlListStaleReservations = `
		select user_id, id::text, amount, created_at
		from credit_transactions
		where type = 'reserve' and status = 'pending' and created_at < $1
		order by created_at asc
	`
)

// database is the subset of pgxpool.Pool used by Store.
type database interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Store implements ledger.Store on top of the credit ledger stored
// procedures. Each procedure serializes per user with a transaction-scoped
// advisory lock.
type Store struct {
	db database
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID, monthStart time.Time) (ledger.Balance, error) {
	var balance ledger.Balance
	err := store.db.QueryRow(ctx, sqlGetBalance, userID.String(), monthStart.UTC()).Scan(
		&balance.Available,
		&balance.Reserved,
		&balance.TotalConsumed,
		&balance.ConsumedThisMonth,
		&balance.TransactionCount,
	)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return balance, nil
}

func (store *Store) ReserveCredits(ctx context.Context, request ledger.ReserveRequest) (ledger.Reservation, error) {
	var rawID, rawStatus string
	var replayed bool
	err := store.db.QueryRow(ctx, sqlReserveCredits,
		request.UserID.String(),
		request.Amount.Int64(),
		request.IdempotencyKey.String(),
		request.ReferenceID.String(),
		request.Description.String(),
		request.CreatedAt.UTC(),
	).Scan(&rawID, &rawStatus, &replayed)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeReserve, classifyProcedureError(err))
	}
	reservationID, err := ledger.NewReservationID(rawID)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := ledger.ParseTransactionStatus(rawStatus)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return ledger.Reservation{ID: reservationID, Status: status, Replayed: replayed}, nil
}

func (store *Store) ReservationStatus(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.TransactionStatus, error) {
	var rawStatus string
	err := store.db.QueryRow(ctx, sqlReservationStatus, userID.String(), reservationID.String()).Scan(&rawStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	status, err := ledger.ParseTransactionStatus(rawStatus)
	if err != nil {
		return "", wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return status, nil
}

func (store *Store) ConsumeCredits(ctx context.Context, request ledger.SettleRequest) error {
	return store.settle(ctx, sqlConsumeCredits, errorCodeConsume, request)
}

func (store *Store) ReleaseCredits(ctx context.Context, request ledger.SettleRequest) error {
	return store.settle(ctx, sqlReleaseCredits, errorCodeRelease, request)
}

func (store *Store) settle(ctx context.Context, query string, code string, request ledger.SettleRequest) error {
	if _, err := store.db.Exec(ctx, query, request.UserID.String(), request.ReservationID.String(), request.SettledAt.UTC()); err != nil {
		return wrapStoreError(errorSubjectReservation, code, classifyProcedureError(err))
	}
	return nil
}

func (store *Store) GrantCredits(ctx context.Context, request ledger.GrantRequest) (ledger.TransactionID, error) {
	var rawID string
	err := store.db.QueryRow(ctx, sqlGrantCredits,
		request.UserID.String(),
		request.Amount.Int64(),
		request.Type.String(),
		request.Description.String(),
		request.CreatedAt.UTC(),
	).Scan(&rawID)
	if err != nil {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectGrant, errorCodeInsert, classifyProcedureError(err))
	}
	transactionID, err := ledger.NewTransactionID(rawID)
	if err != nil {
		return ledger.TransactionID{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, page ledger.Page) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), page.Limit, page.Offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		var row transactionRow
		if err := rows.Scan(
			&row.id,
			&row.userID,
			&row.amount,
			&row.transactionType,
			&row.status,
			&row.idempotencyKey,
			&row.referenceID,
			&row.reservationID,
			&row.description,
			&row.createdAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transaction, err := row.toTransaction()
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) ListStaleReservations(ctx context.Context, cutoff time.Time) ([]ledger.StaleReservation, error) {
	rows, err := store.db.Query(ctx, sqlListStaleReservations, cutoff.UTC())
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()

	var stale []ledger.StaleReservation
	for rows.Next() {
		var rawUserID, rawReservationID string
		var rawAmount int64
		var createdAt time.Time
		if err := rows.Scan(&rawUserID, &rawReservationID, &rawAmount, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
		}
		userID, err := ledger.NewUserID(rawUserID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservationID, err := ledger.NewReservationID(rawReservationID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		amount, err := ledger.NewCreditAmount(rawAmount)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		stale = append(stale, ledger.StaleReservation{
			UserID:        userID,
			ReservationID: reservationID,
			Amount:        amount,
			CreatedAt:     createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return stale, nil
}

func (store *Store) Ping(ctx context.Context) error {
	if err := store.db.Ping(ctx); err != nil {
		return wrapStoreError(errorSubjectConnection, errorCodePing, err)
	}
	return nil
}

type transactionRow struct {
	id              string
	userID          string
	amount          int64
	transactionType string
	status          string
	idempotencyKey  string
	referenceID     string
	reservationID   string
	description     string
	createdAt       time.Time
}

func (row transactionRow) toTransaction() (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.userID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewCreditAmount(row.amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.transactionType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction := ledger.Transaction{
		ID:        transactionID,
		UserID:    userID,
		Amount:    amount,
		Type:      transactionType,
		Status:    status,
		CreatedAt: row.createdAt,
	}
	if row.idempotencyKey != "" {
		if transaction.IdempotencyKey, err = ledger.NewIdempotencyKey(row.idempotencyKey); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if transaction.ReferenceID, err = ledger.NewReferenceID(row.referenceID); err != nil {
		return ledger.Transaction{}, err
	}
	if transaction.Description, err = ledger.NewDescription(row.description); err != nil {
		return ledger.Transaction{}, err
	}
	if row.reservationID != "" {
		if transaction.ReservationID, err = ledger.NewReservationID(row.reservationID); err != nil {
			return ledger.Transaction{}, err
		}
	}
	return transaction, nil
}

// classifyProcedureError maps the SQLSTATE codes raised by the ledger
// procedures onto domain errors. Anything else is returned unchanged.
func classifyProcedureError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateInsufficientCredits:
		return errors.Join(ledger.ErrInsufficientCredits, err)
	case sqlStateReservationNotFound:
		return errors.Join(ledger.ErrReservationNotFound, err)
	case sqlStateAlreadyProcessed, sqlStateUniqueViolation:
		return errors.Join(ledger.ErrReservationConflict, err)
	case sqlStateInvalidParameter:
		return errors.Join(ledger.ErrInvalidAmount, err)
	default:
		return err
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
