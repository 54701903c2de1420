package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeMigrate        = "migrate"

	// Schema matches the tables produced by gormstore's models.
	Schema = `
		create table if not exists credit_accounts (
			user_id varchar(255) primary key,
			created_at timestamptz not null default now()
		);
		create table if not exists credit_transactions (
			transaction_id bigint primary key,
			user_id varchar(255) not null,
			transaction_type varchar(50) not null,
			reason varchar(50),
			amount bigint not null check (amount <> 0),
			order_reference varchar(255),
			expires_at timestamptz,
			created_at timestamptz not null
		);
		create index if not exists idx_credit_transactions_user_created on credit_transactions(user_id, created_at);
		create index if not exists idx_credit_transactions_order on credit_transactions(order_reference);
	`

	sqlEnsureAccount = `
		insert into credit_accounts(user_id) values ($1)
		on conflict (user_id) do nothing
	`

	sqlLockAccount = `
		select user_id from credit_accounts where user_id = $1 for update
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, transaction_type, reason, amount, order_reference, expires_at, created_at
		)
		values ($1, $2, $3, nullif($4,''), $5, nullif($6,''), $7, $8)
	`

	sqlListTransactions = `
		select
			transaction_id,
			user_id,
			transaction_type,
			coalesce(reason,''),
			amount,
			coalesce(order_reference,''),
			expires_at,
			created_at
		from credit_transactions
		where user_id = $1
		order by created_at asc, transaction_id asc
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the ledger tables when they are missing.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// LockUser outside a transaction only makes sure the account row exists.
func (store *Store) LockUser(ctx context.Context, userID credits.UserID) error {
	return ensureAccount(ctx, store.pool, userID)
}

func (store *Store) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	return insertTransaction(ctx, store.pool, transaction)
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID) ([]credits.Transaction, error) {
	return listTransactions(ctx, store.pool, userID)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

// LockUser holds the account row lock until the transaction ends.
func (store *TxStore) LockUser(ctx context.Context, userID credits.UserID) error {
	if err := ensureAccount(ctx, store.tx, userID); err != nil {
		return err
	}
	var lockedUserID string
	if err := store.tx.QueryRow(ctx, sqlLockAccount, userID.String()).Scan(&lockedUserID); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *TxStore) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	return insertTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) ListTransactions(ctx context.Context, userID credits.UserID) ([]credits.Transaction, error) {
	return listTransactions(ctx, store.tx, userID)
}

func ensureAccount(ctx context.Context, db querier, userID credits.UserID) error {
	if _, err := db.Exec(ctx, sqlEnsureAccount, userID.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func insertTransaction(ctx context.Context, db querier, transaction credits.Transaction) error {
	var expiresAt *time.Time
	if value, ok := transaction.ExpiresAt(); ok {
		expiresAt = &value
	}
	_, err := db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID().Int64(),
		transaction.UserID().String(),
		transaction.Type().String(),
		transaction.Reason().String(),
		transaction.Amount().Int64(),
		transaction.OrderReference().String(),
		expiresAt,
		transaction.CreatedAt(),
	)
	if isUniqueConflict(err) {
		return credits.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeDuplicate,
			fmt.Errorf("%w: duplicate transaction id %d", credits.ErrInvalidTransaction, transaction.TransactionID()))
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func listTransactions(ctx context.Context, db querier, userID credits.UserID) ([]credits.Transaction, error) {
	rows, err := db.Query(ctx, sqlListTransactions, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]credits.Transaction, error) {
	defer rows.Close()
	history := make([]credits.Transaction, 0)
	for rows.Next() {
		var (
			transactionIDValue int64
			userIDValue        string
			typeValue          string
			reasonValue        string
			amountValue        int64
			orderValue         string
			expiresAt          *time.Time
			createdAt          time.Time
		)
		if err := rows.Scan(&transactionIDValue, &userIDValue, &typeValue, &reasonValue, &amountValue, &orderValue, &expiresAt, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transaction, err := mapRow(transactionIDValue, userIDValue, typeValue, reasonValue, amountValue, orderValue, expiresAt, createdAt)
		if err != nil {
			return nil, credits.WrapError(errorOperationStore, errorSubjectTransaction, errorCodeInvalid, err)
		}
		history = append(history, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return history, nil
}

func mapRow(transactionIDValue int64, userIDValue, typeValue, reasonValue string, amountValue int64, orderValue string, expiresAt *time.Time, createdAt time.Time) (credits.Transaction, error) {
	transactionID, err := credits.NewTransactionID(transactionIDValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(typeValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	var reason credits.ConsumptionReason
	if reasonValue != "" {
		reason, err = credits.NewConsumptionReason(reasonValue)
		if err != nil {
			return credits.Transaction{}, err
		}
	}
	amount, err := credits.NewSignedCredits(amountValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.NewTransaction(transactionID, userID, transactionType, reason, amount, createdAt, expiresAt, credits.NewOrderReference(orderValue))
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapStorageError(subject, code, err)
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
