package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreditAmount is a strictly positive integer number of credits.
type CreditAmount int64

// NewCreditAmount validates a positive credit amount.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// UserID identifies a credit account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user identifier.
func NewUserID(raw string) (UserID, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: value}, nil
}

// String returns the raw user identifier.
func (userID UserID) String() string {
	return userID.value
}

// IsZero reports whether the identifier was never set.
func (userID UserID) IsZero() bool {
	return userID.value == ""
}

// TransactionID identifies a ledger row.
type TransactionID struct {
	value string
}

// NewTransactionID validates a UUID transaction identifier.
func NewTransactionID(raw string) (TransactionID, error) {
	value, err := parseUUID(raw)
	if err != nil {
		return TransactionID{}, fmt.Errorf("%w: %s", ErrInvalidTransactionID, err.Error())
	}
	return TransactionID{value: value}, nil
}

// String returns the raw transaction identifier.
func (transactionID TransactionID) String() string {
	return transactionID.value
}

// IsZero reports whether the identifier was never set.
func (transactionID TransactionID) IsZero() bool {
	return transactionID.value == ""
}

// ReservationID is the transaction id of a reserve row.
type ReservationID struct {
	value string
}

// NewReservationID validates a UUID reservation identifier.
func NewReservationID(raw string) (ReservationID, error) {
	value, err := parseUUID(raw)
	if err != nil {
		return ReservationID{}, fmt.Errorf("%w: %s", ErrInvalidReservationID, err.Error())
	}
	return ReservationID{value: value}, nil
}

// String returns the raw reservation identifier.
func (reservationID ReservationID) String() string {
	return reservationID.value
}

// IsZero reports whether the identifier was never set.
func (reservationID ReservationID) IsZero() bool {
	return reservationID.value == ""
}

func parseUUID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty value")
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}

// IdempotencyKey deduplicates reservation requests per user. The zero value
// means no key was supplied.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates a caller-supplied idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(value) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: value}, nil
}

// String returns the raw key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// ReferenceID links a transaction to an external entity. Empty is allowed.
type ReferenceID struct {
	value string
}

// NewReferenceID validates an optional reference identifier.
func NewReferenceID(raw string) (ReferenceID, error) {
	value := strings.TrimSpace(raw)
	if len(value) > maxReferenceIDLength {
		return ReferenceID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidReferenceID, maxReferenceIDLength)
	}
	return ReferenceID{value: value}, nil
}

// String returns the raw reference.
func (referenceID ReferenceID) String() string {
	return referenceID.value
}

// IsZero reports whether no reference was supplied.
func (referenceID ReferenceID) IsZero() bool {
	return referenceID.value == ""
}

// Description is optional free text attached to a transaction.
type Description struct {
	value string
}

// NewDescription validates optional free text.
func NewDescription(raw string) (Description, error) {
	value := strings.TrimSpace(raw)
	if len(value) > maxDescriptionLength {
		return Description{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return Description{value: value}, nil
}

// String returns the raw description.
func (description Description) String() string {
	return description.value
}

// IsZero reports whether no description was supplied.
func (description Description) IsZero() bool {
	return description.value == ""
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TransactionTypePurchase     TransactionType = "purchase"
	TransactionTypeMonthlyGrant TransactionType = "monthly_grant"
	TransactionTypeReserve      TransactionType = "reserve"
	TransactionTypeConsume      TransactionType = "consume"
	TransactionTypeRelease      TransactionType = "release"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionTypePurchase:
		return TransactionTypePurchase, nil
	case TransactionTypeMonthlyGrant:
		return TransactionTypeMonthlyGrant, nil
	case TransactionTypeReserve:
		return TransactionTypeReserve, nil
	case TransactionTypeConsume:
		return TransactionTypeConsume, nil
	case TransactionTypeRelease:
		return TransactionTypeRelease, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// ParseGrantType validates a grant type. An empty value defaults to purchase.
func ParseGrantType(raw string) (TransactionType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionTypePurchase, nil
	}
	parsed, err := ParseTransactionType(trimmed)
	if err != nil {
		return "", err
	}
	if !parsed.IsGrant() {
		return "", fmt.Errorf("%w: %q is not a grant type", ErrInvalidTransactionType, raw)
	}
	return parsed, nil
}

// IsGrant reports whether the type adds credits to an account.
func (transactionType TransactionType) IsGrant() bool {
	return transactionType == TransactionTypePurchase || transactionType == TransactionTypeMonthlyGrant
}

// String returns the raw type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus is the lifecycle state of a ledger row.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusReleased  TransactionStatus = "released"
)

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.TrimSpace(raw)) {
	case TransactionStatusPending:
		return TransactionStatusPending, nil
	case TransactionStatusConfirmed:
		return TransactionStatusConfirmed, nil
	case TransactionStatusReleased:
		return TransactionStatusReleased, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the raw status.
func (status TransactionStatus) String() string {
	return string(status)
}

// Transaction is one append-only ledger row.
type Transaction struct {
	ID             TransactionID
	UserID         UserID
	Amount         CreditAmount
	Type           TransactionType
	Status         TransactionStatus
	IdempotencyKey IdempotencyKey
	ReferenceID    ReferenceID
	// ReservationID links consume and release rows to the reserve row they settle.
	ReservationID ReservationID
	Description   Description
	CreatedAt     time.Time
}

// Balance is derived from a user's transactions at read time.
type Balance struct {
	Available         int64
	Reserved          int64
	TotalConsumed     int64
	ConsumedThisMonth int64
	TransactionCount  int64
}

// Page bounds a transaction listing.
type Page struct {
	Limit  int
	Offset int
}

// NewPage clamps limit into [1, MaxListLimit] and offset to non-negative.
func NewPage(limit int, offset int) Page {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}

// ReserveOptions carries the optional attributes of a reservation.
type ReserveOptions struct {
	IdempotencyKey IdempotencyKey
	ReferenceID    ReferenceID
	Description    Description
}

// ChargeOptions configures WithCreditCharge.
type ChargeOptions = ReserveOptions

// ReserveRequest is the store-level reservation input.
type ReserveRequest struct {
	UserID         UserID
	Amount         CreditAmount
	IdempotencyKey IdempotencyKey
	ReferenceID    ReferenceID
	Description    Description
	CreatedAt      time.Time
}

// GrantRequest is the store-level grant input.
type GrantRequest struct {
	UserID      UserID
	Amount      CreditAmount
	Type        TransactionType
	Description Description
	CreatedAt   time.Time
}

// Reservation is the outcome of ReserveCredits. Replayed is set when the
// idempotency key matched an earlier reservation, in which case Status is that
// reservation's current status.
type Reservation struct {
	ID       ReservationID
	Status   TransactionStatus
	Replayed bool
}

// SettleRequest is the store-level input for consume and release.
type SettleRequest struct {
	UserID        UserID
	ReservationID ReservationID
	SettledAt     time.Time
}

// StaleReservation is a pending reserve row picked up by the sweeper.
type StaleReservation struct {
	UserID        UserID
	ReservationID ReservationID
	Amount        CreditAmount
	CreatedAt     time.Time
}

// SweepResult summarizes one ExpireStaleReservations pass.
type SweepResult struct {
	Candidates int
	Released   int
	Skipped    int
	Failed     int
}

// Store persists the credit ledger. Every mutating method must execute its
// check and its write atomically and serialized per user.
type Store interface {
	GetBalance(ctx context.Context, userID UserID, monthStart time.Time) (Balance, error)
	ReserveCredits(ctx context.Context, request ReserveRequest) (Reservation, error)
	ReservationStatus(ctx context.Context, userID UserID, reservationID ReservationID) (TransactionStatus, error)
	ConsumeCredits(ctx context.Context, request SettleRequest) error
	ReleaseCredits(ctx context.Context, request SettleRequest) error
	GrantCredits(ctx context.Context, request GrantRequest) (TransactionID, error)
	ListTransactions(ctx context.Context, userID UserID, page Page) ([]Transaction, error)
	ListStaleReservations(ctx context.Context, cutoff time.Time) ([]StaleReservation, error)
	Ping(ctx context.Context) error
}
