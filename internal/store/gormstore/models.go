package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreditAccount is the per-user lock row. Every mutating transaction upserts
// it first so that writes for one user serialize.
type CreditAccount struct {
	UserID    string    `gorm:"size:255;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	ID             string    `gorm:"size:36;primaryKey"`
	UserID         string    `gorm:"size:255;not null;index:idx_credit_tx_user_created,priority:1;index:idx_credit_tx_user_idem,priority:1"`
	Amount         int64     `gorm:"not null"`
	Type           string    `gorm:"size:32;not null;index:idx_credit_tx_type_status_created,priority:1"`
	Status         string    `gorm:"size:16;not null;index:idx_credit_tx_type_status_created,priority:2"`
	IdempotencyKey *string   `gorm:"size:255;index:idx_credit_tx_user_idem,priority:2"`
	ReferenceID    *string   `gorm:"size:255"`
	ReservationID  *string   `gorm:"size:36;uniqueIndex:idx_credit_tx_reservation"`
	Description    *string   `gorm:"size:500"`
	CreatedAt      time.Time `gorm:"not null;index:idx_credit_tx_user_created,priority:2;index:idx_credit_tx_type_status_created,priority:3"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

type balanceRow struct {
	Granted           int64
	Consumed          int64
	ConsumedThisMonth int64
	Reserved          int64
	TransactionCount  int64
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
