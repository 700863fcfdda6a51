package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectGrant       = "grant"
	errorSubjectReservation = "reservation"
	errorSubjectTransaction = "transaction"
	errorSubjectSchema      = "schema"
	errorCodeLock           = "lock"
	errorCodeSum            = "sum"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdateStatus   = "update_status"
	errorCodeMigrate        = "migrate"
	errorCodePing           = "ping"
)

const balanceQuery = `
SELECT
	COALESCE(SUM(CASE WHEN type IN ('purchase', 'monthly_grant') AND status = 'confirmed' THEN amount ELSE 0 END), 0) AS granted,
	COALESCE(SUM(CASE WHEN type = 'consume' AND status = 'confirmed' THEN amount ELSE 0 END), 0) AS consumed,
	COALESCE(SUM(CASE WHEN type = 'consume' AND status = 'confirmed' AND created_at >= ? THEN amount ELSE 0 END), 0) AS consumed_this_month,
	COALESCE(SUM(CASE WHEN type = 'reserve' AND status = 'pending' THEN amount ELSE 0 END), 0) AS reserved,
	COUNT(*) AS transaction_count
FROM credit_transactions
WHERE user_id = ?`

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the ledger tables.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(&CreditAccount{}, &CreditTransaction{}); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// withUserLock runs fn in a transaction that first upserts the user's account
// row. The upsert holds a row lock on postgres and mysql and the database
// write lock on sqlite until the transaction ends.
func (store *Store) withUserLock(ctx context.Context, userID ledger.UserID, at time.Time, fn func(tx *gorm.DB) error) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := CreditAccount{UserID: userID.String(), CreatedAt: at, UpdatedAt: at}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).Create(&account).Error
		if err != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
		}
		return fn(tx)
	})
}

func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID, monthStart time.Time) (ledger.Balance, error) {
	row, err := sumBalance(store.db.WithContext(ctx), userID, monthStart)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		Available:         row.Granted - row.Consumed - row.Reserved,
		Reserved:          row.Reserved,
		TotalConsumed:     row.Consumed,
		ConsumedThisMonth: row.ConsumedThisMonth,
		TransactionCount:  row.TransactionCount,
	}, nil
}

func sumBalance(db *gorm.DB, userID ledger.UserID, monthStart time.Time) (balanceRow, error) {
	var row balanceRow
	if err := db.Raw(balanceQuery, monthStart.UTC(), userID.String()).Scan(&row).Error; err != nil {
		return balanceRow{}, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return row, nil
}

func (store *Store) ReserveCredits(ctx context.Context, request ledger.ReserveRequest) (ledger.Reservation, error) {
	createdAt := request.CreatedAt.UTC()
	var reservation ledger.Reservation
	err := store.withUserLock(ctx, request.UserID, createdAt, func(tx *gorm.DB) error {
		if !request.IdempotencyKey.IsZero() {
			existing, found, err := findIdempotentReservation(tx, request.UserID, request.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				reservation = existing
				return nil
			}
		}
		row, err := sumBalance(tx, request.UserID, createdAt)
		if err != nil {
			return err
		}
		available := row.Granted - row.Consumed - row.Reserved
		if request.Amount.Int64() > available {
			return wrapStoreError(errorSubjectReservation, errorCodeInsert, fmt.Errorf("%w: requested %d, available %d", ledger.ErrInsufficientCredits, request.Amount.Int64(), available))
		}
		model := CreditTransaction{
			UserID:         request.UserID.String(),
			Amount:         request.Amount.Int64(),
			Type:           ledger.TransactionTypeReserve.String(),
			Status:         ledger.TransactionStatusPending.String(),
			IdempotencyKey: optionalString(request.IdempotencyKey.String()),
			ReferenceID:    optionalString(request.ReferenceID.String()),
			Description:    optionalString(request.Description.String()),
			CreatedAt:      createdAt,
		}
		if err := tx.Create(&model).Error; err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
		}
		parsed, err := ledger.NewReservationID(model.ID)
		if err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservation = ledger.Reservation{ID: parsed, Status: ledger.TransactionStatusPending}
		return nil
	})
	if err != nil {
		return ledger.Reservation{}, err
	}
	return reservation, nil
}

func findIdempotentReservation(tx *gorm.DB, userID ledger.UserID, key ledger.IdempotencyKey) (ledger.Reservation, bool, error) {
	var model CreditTransaction
	err := tx.
		Where("user_id = ? AND type = ? AND idempotency_key = ? AND status <> ?",
			userID.String(), ledger.TransactionTypeReserve.String(), key.String(), ledger.TransactionStatusReleased.String()).
		Order("created_at DESC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, false, nil
	}
	if err != nil {
		return ledger.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	reservationID, err := ledger.NewReservationID(model.ID)
	if err != nil {
		return ledger.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := ledger.ParseTransactionStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return ledger.Reservation{ID: reservationID, Status: status, Replayed: true}, true, nil
}

func (store *Store) ReservationStatus(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) (ledger.TransactionStatus, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Select("status").
		Where("id = ? AND user_id = ? AND type = ?", reservationID.String(), userID.String(), ledger.TransactionTypeReserve.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	status, err := ledger.ParseTransactionStatus(model.Status)
	if err != nil {
		return "", wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return status, nil
}

func (store *Store) ConsumeCredits(ctx context.Context, request ledger.SettleRequest) error {
	return store.settle(ctx, request, ledger.TransactionTypeConsume, ledger.TransactionStatusConfirmed)
}

func (store *Store) ReleaseCredits(ctx context.Context, request ledger.SettleRequest) error {
	return store.settle(ctx, request, ledger.TransactionTypeRelease, ledger.TransactionStatusReleased)
}

// settle flips a pending reserve row to target and appends the linked
// settlement row in the same transaction.
func (store *Store) settle(ctx context.Context, request ledger.SettleRequest, rowType ledger.TransactionType, target ledger.TransactionStatus) error {
	settledAt := request.SettledAt.UTC()
	return store.withUserLock(ctx, request.UserID, settledAt, func(tx *gorm.DB) error {
		var reservation CreditTransaction
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ? AND type = ?", request.ReservationID.String(), request.UserID.String(), ledger.TransactionTypeReserve.String()).
			Take(&reservation).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrReservationNotFound)
		}
		if err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeGet, err)
		}
		if reservation.Status != ledger.TransactionStatusPending.String() {
			return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationConflict)
		}
		result := tx.
			Model(&CreditTransaction{}).
			Where("id = ? AND status = ?", reservation.ID, ledger.TransactionStatusPending.String()).
			Update("status", target.String())
		if result.Error != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationConflict)
		}
		reservationRef := reservation.ID
		settlement := CreditTransaction{
			UserID:        reservation.UserID,
			Amount:        reservation.Amount,
			Type:          rowType.String(),
			Status:        target.String(),
			ReferenceID:   reservation.ReferenceID,
			ReservationID: &reservationRef,
			Description:   reservation.Description,
			CreatedAt:     settledAt,
		}
		err = tx.Create(&settlement).Error
		if isConstraintViolation(err) {
			return wrapStoreError(errorSubjectReservation, errorCodeInsert, ledger.ErrReservationConflict)
		}
		if err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
		}
		return nil
	})
}

func (store *Store) GrantCredits(ctx context.Context, request ledger.GrantRequest) (ledger.TransactionID, error) {
	createdAt := request.CreatedAt.UTC()
	var transactionID ledger.TransactionID
	err := store.withUserLock(ctx, request.UserID, createdAt, func(tx *gorm.DB) error {
		model := CreditTransaction{
			UserID:      request.UserID.String(),
			Amount:      request.Amount.Int64(),
			Type:        request.Type.String(),
			Status:      ledger.TransactionStatusConfirmed.String(),
			Description: optionalString(request.Description.String()),
			CreatedAt:   createdAt,
		}
		if err := tx.Create(&model).Error; err != nil {
			return wrapStoreError(errorSubjectGrant, errorCodeInsert, err)
		}
		parsed, err := ledger.NewTransactionID(model.ID)
		if err != nil {
			return wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		transactionID = parsed
		return nil
	})
	if err != nil {
		return ledger.TransactionID{}, err
	}
	return transactionID, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, page ledger.Page) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ListStaleReservations(ctx context.Context, cutoff time.Time) ([]ledger.StaleReservation, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("type = ? AND status = ? AND created_at < ?", ledger.TransactionTypeReserve.String(), ledger.TransactionStatusPending.String(), cutoff.UTC()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	stale := make([]ledger.StaleReservation, 0, len(rows))
	for _, row := range rows {
		userID, err := ledger.NewUserID(row.UserID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservationID, err := ledger.NewReservationID(row.ID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		amount, err := ledger.NewCreditAmount(row.Amount)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		stale = append(stale, ledger.StaleReservation{
			UserID:        userID,
			ReservationID: reservationID,
			Amount:        amount,
			CreatedAt:     row.CreatedAt,
		})
	}
	return stale, nil
}

func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodePing, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodePing, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapCreditTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := ledger.NewCreditAmount(row.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction := ledger.Transaction{
		ID:        transactionID,
		UserID:    userID,
		Amount:    amount,
		Type:      transactionType,
		Status:    status,
		CreatedAt: row.CreatedAt,
	}
	if row.IdempotencyKey != nil {
		if transaction.IdempotencyKey, err = ledger.NewIdempotencyKey(*row.IdempotencyKey); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if transaction.ReferenceID, err = ledger.NewReferenceID(derefString(row.ReferenceID)); err != nil {
		return ledger.Transaction{}, err
	}
	if transaction.Description, err = ledger.NewDescription(derefString(row.Description)); err != nil {
		return ledger.Transaction{}, err
	}
	if row.ReservationID != nil {
		if transaction.ReservationID, err = ledger.NewReservationID(*row.ReservationID); err != nil {
			return ledger.Transaction{}, err
		}
	}
	return transaction, nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
