package gormstore

import (
	"time"
)

// CreditAccount is the per-user row locked by writers. It carries no balance.
type CreditAccount struct {
	UserID    string    `gorm:"primaryKey;size:255"`
	CreatedAt time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID   int64      `gorm:"primaryKey;autoIncrement:false"`
	UserID          string     `gorm:"size:255;not null;index:idx_credit_transactions_user_created,priority:1"`
	TransactionType string     `gorm:"size:50;not null"`
	Reason          *string    `gorm:"size:50"`
	Amount          int64      `gorm:"not null"`
	OrderReference  *string    `gorm:"size:255;index:idx_credit_transactions_order"`
	ExpiresAt       *time.Time `gorm:"column:expires_at"`
	CreatedAt       time.Time  `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// Models lists every table managed by this package, in migration order.
func Models() []any {
	return []any{&CreditAccount{}, &CreditTransaction{}}
}
