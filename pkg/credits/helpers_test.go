package credits

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var baseTime = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

type sequenceGenerator struct {
	last atomic.Int64
}

func (generator *sequenceGenerator) NextID() TransactionID {
	return TransactionID(generator.last.Add(1))
}

// stubStore keeps transactions in memory and serializes LockUser callers per user.
type stubStore struct {
	mu           sync.Mutex
	userLocks    map[string]*sync.Mutex
	transactions []Transaction
	appendErr    error
	listErr      error
	lockErr      error
	txErr        error
}

func newStubStore() *stubStore {
	return &stubStore{userLocks: map[string]*sync.Mutex{}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.txErr != nil {
		return store.txErr
	}
	transaction := &stubTx{store: store}
	defer transaction.release()
	return fn(ctx, transaction)
}

func (store *stubStore) LockUser(context.Context, UserID) error {
	return nil
}

func (store *stubStore) AppendTransaction(_ context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.appendErr != nil {
		return store.appendErr
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, userID UserID) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listErr != nil {
		return nil, store.listErr
	}
	history := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.UserID() == userID {
			history = append(history, transaction)
		}
	}
	return sortHistory(history), nil
}

func (store *stubStore) count() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.transactions)
}

func (store *stubStore) userLock(userID UserID) *sync.Mutex {
	store.mu.Lock()
	defer store.mu.Unlock()
	lock, ok := store.userLocks[userID.String()]
	if !ok {
		lock = &sync.Mutex{}
		store.userLocks[userID.String()] = lock
	}
	return lock
}

type stubTx struct {
	store *stubStore
	held  []*sync.Mutex
}

func (transaction *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *stubTx) LockUser(_ context.Context, userID UserID) error {
	if transaction.store.lockErr != nil {
		return transaction.store.lockErr
	}
	lock := transaction.store.userLock(userID)
	lock.Lock()
	transaction.held = append(transaction.held, lock)
	return nil
}

func (transaction *stubTx) AppendTransaction(ctx context.Context, entry Transaction) error {
	return transaction.store.AppendTransaction(ctx, entry)
}

func (transaction *stubTx) ListTransactions(ctx context.Context, userID UserID) ([]Transaction, error) {
	return transaction.store.ListTransactions(ctx, userID)
}

func (transaction *stubTx) release() {
	for index := len(transaction.held) - 1; index >= 0; index-- {
		transaction.held[index].Unlock()
	}
	transaction.held = nil
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(&sequenceGenerator{})}, options...)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustReason(test *testing.T, raw string) ConsumptionReason {
	test.Helper()
	value, err := NewConsumptionReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return value
}

func mustTransaction(test *testing.T, id int64, userID UserID, transactionType TransactionType, reason string, amount int64, createdAt time.Time, expiresAt *time.Time, order string) Transaction {
	test.Helper()
	var consumptionReason ConsumptionReason
	if reason != "" {
		consumptionReason = mustReason(test, reason)
	}
	transaction, err := NewTransaction(
		TransactionID(id),
		userID,
		transactionType,
		consumptionReason,
		SignedCredits(amount),
		createdAt,
		expiresAt,
		NewOrderReference(order),
	)
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
	return transaction
}

func mustGrant(test *testing.T, service *Service, request GrantRequest) TransactionID {
	test.Helper()
	transactionID, err := service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	return transactionID
}

func mustSummarize(test *testing.T, service *Service, userID UserID) Summary {
	test.Helper()
	summary, err := service.Summarize(context.Background(), userID, DefaultSummaryOptions())
	if err != nil {
		test.Fatalf("summarize: %v", err)
	}
	return summary
}

func timeRef(value time.Time) *time.Time {
	return &value
}
