// Package memstore keeps credit ledgers in process memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
)

const (
	errorSubjectTransaction = "transaction"
	errorCodeDuplicate      = "duplicate"
	errorCodeCanceled       = "canceled"
)

// Store implements credits.Store in memory. Writes are visible immediately;
// WithTx only scopes the per-user locks taken with LockUser.
type Store struct {
	mu           sync.RWMutex
	userLocks    map[string]*sync.Mutex
	transactions map[string][]credits.Transaction
	seen         map[credits.TransactionID]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		userLocks:    map[string]*sync.Mutex{},
		transactions: map[string][]credits.Transaction{},
		seen:         map[credits.TransactionID]struct{}{},
	}
}

// WithTx runs fn and releases every user lock it acquired.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	transaction := &txStore{Store: store}
	defer transaction.release()
	return fn(ctx, transaction)
}

// LockUser is a no-op outside WithTx.
func (store *Store) LockUser(context.Context, credits.UserID) error {
	return nil
}

// AppendTransaction stores one transaction.
func (store *Store) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	if err := ctx.Err(); err != nil {
		return credits.WrapStorageError(errorSubjectTransaction, errorCodeCanceled, err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.seen[transaction.TransactionID()]; exists {
		return credits.WrapError("store", errorSubjectTransaction, errorCodeDuplicate,
			fmt.Errorf("%w: duplicate transaction id %d", credits.ErrInvalidTransaction, transaction.TransactionID()))
	}
	key := transaction.UserID().String()
	store.transactions[key] = append(store.transactions[key], transaction)
	store.seen[transaction.TransactionID()] = struct{}{}
	return nil
}

// ListTransactions returns a copy of the user's history, oldest first.
func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID) ([]credits.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, credits.WrapStorageError(errorSubjectTransaction, errorCodeCanceled, err)
	}
	store.mu.RLock()
	history := make([]credits.Transaction, len(store.transactions[userID.String()]))
	copy(history, store.transactions[userID.String()])
	store.mu.RUnlock()
	sort.SliceStable(history, func(left, right int) bool {
		leftCreated, rightCreated := history[left].CreatedAt(), history[right].CreatedAt()
		if !leftCreated.Equal(rightCreated) {
			return leftCreated.Before(rightCreated)
		}
		return history[left].TransactionID() < history[right].TransactionID()
	})
	return history, nil
}

func (store *Store) userLock(userID credits.UserID) *sync.Mutex {
	store.mu.Lock()
	defer store.mu.Unlock()
	lock, ok := store.userLocks[userID.String()]
	if !ok {
		lock = &sync.Mutex{}
		store.userLocks[userID.String()] = lock
	}
	return lock
}

type txStore struct {
	*Store
	held map[string]*sync.Mutex
}

func (transaction *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, transaction)
}

// LockUser blocks until the user's lock is free or ctx ends.
func (transaction *txStore) LockUser(ctx context.Context, userID credits.UserID) error {
	if _, ok := transaction.held[userID.String()]; ok {
		return nil
	}
	lock := transaction.userLock(userID)
	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		go func() {
			<-acquired
			lock.Unlock()
		}()
		return credits.WrapError("store", "lock", errorCodeCanceled, fmt.Errorf("%w: %w", credits.ErrLockUnavailable, ctx.Err()))
	}
	if transaction.held == nil {
		transaction.held = map[string]*sync.Mutex{}
	}
	transaction.held[userID.String()] = lock
	return nil
}

func (transaction *txStore) release() {
	for key, lock := range transaction.held {
		lock.Unlock()
		delete(transaction.held, key)
	}
}
