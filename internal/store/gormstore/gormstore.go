package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
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
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeMigrate        = "migrate"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the ledger tables.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return credits.WrapStorageError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockUser creates the user's account row if needed and locks it until the
// surrounding transaction ends. SQLite has no row locks; callers there rely on
// a single open connection.
func (store *Store) LockUser(ctx context.Context, userID credits.UserID) error {
	account := CreditAccount{UserID: userID.String(), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	var locked CreditAccount
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&locked).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

// AppendTransaction inserts one immutable ledger row.
func (store *Store) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	model := CreditTransaction{
		TransactionID:   transaction.TransactionID().Int64(),
		UserID:          transaction.UserID().String(),
		TransactionType: transaction.Type().String(),
		Reason:          optionalString(transaction.Reason().String()),
		Amount:          transaction.Amount().Int64(),
		OrderReference:  optionalString(transaction.OrderReference().String()),
		CreatedAt:       transaction.CreatedAt(),
	}
	if expiresAt, ok := transaction.ExpiresAt(); ok {
		model.ExpiresAt = &expiresAt
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return credits.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate,
			fmt.Errorf("%w: duplicate transaction id %d", credits.ErrInvalidTransaction, model.TransactionID))
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// ListTransactions returns the user's full history, oldest first.
func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at ASC").
		Order("transaction_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	history := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, credits.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeInvalid, err)
		}
		history = append(history, transaction)
	}
	return history, nil
}

func mapCreditTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionID, err := credits.NewTransactionID(row.TransactionID)
	if err != nil {
		return credits.Transaction{}, err
	}
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(row.TransactionType)
	if err != nil {
		return credits.Transaction{}, err
	}
	var reason credits.ConsumptionReason
	if row.Reason != nil {
		reason, err = credits.NewConsumptionReason(*row.Reason)
		if err != nil {
			return credits.Transaction{}, err
		}
	}
	amount, err := credits.NewSignedCredits(row.Amount)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.NewTransaction(
		transactionID,
		userID,
		transactionType,
		reason,
		amount,
		row.CreatedAt,
		row.ExpiresAt,
		credits.NewOrderReference(stringOrEmpty(row.OrderReference)),
	)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapStorageError(subject, code, err)
}

func isUniqueConflict(err error) bool {
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
