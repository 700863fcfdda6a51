package ledger

import "time"

const (
	operationBalance = "balance"
	operationGrant   = "grant"
	operationReserve = "reserve"
	operationConsume = "consume"
	operationRelease = "release"
	operationExpire  = "expire"
	operationList    = "list"
	operationCharge  = "charge"
	operationLookup  = "lookup"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusCritical = "critical"

	errorSubjectStore    = "store"
	errorCodeUnavailable = "unavailable"

	maxIdempotencyKeyLength = 255
	maxReferenceIDLength    = 255
	maxDescriptionLength    = 500

	// DefaultListLimit is used when a caller does not ask for a page size.
	DefaultListLimit = 50
	// MaxListLimit caps transaction listings.
	MaxListLimit = 100

	// DefaultStaleReservationAge is the sweep cutoff for pending reservations.
	DefaultStaleReservationAge = 30 * time.Minute

	// DefaultGrantDescription annotates grants submitted without a description.
	DefaultGrantDescription = "Manual credit grant"

	defaultSettlementRetries = 2
)

// OperationStatusOK, OperationStatusError and OperationStatusCritical are the
// statuses carried by OperationLog entries.
const (
	OperationStatusOK       = operationStatusOK
	OperationStatusError    = operationStatusError
	OperationStatusCritical = operationStatusCritical
)
