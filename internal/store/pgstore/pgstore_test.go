package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postgresDSNEnv = "CREDITLEDGER_TEST_POSTGRES_DSN"

func TestMapRow(t *testing.T) {
	t.Parallel()
	createdAt := time.Date(2025, time.May, 5, 10, 0, 0, 0, time.UTC)
	expiresAt := createdAt.Add(24 * time.Hour)

	transaction, err := mapRow(42, "user-1", "consumption", "ping", -3, "order-9", &expiresAt, createdAt)
	require.NoError(t, err)
	assert.Equal(t, credits.TransactionID(42), transaction.TransactionID())
	assert.Equal(t, credits.ReasonPing, transaction.Reason())
	assert.Equal(t, "order-9", transaction.OrderReference().String())
	stored, ok := transaction.ExpiresAt()
	require.True(t, ok)
	assert.True(t, stored.Equal(expiresAt))

	_, err = mapRow(43, "user-1", "refund", "", 3, "", nil, createdAt)
	assert.ErrorIs(t, err, credits.ErrInvalidTransactionType)
	_, err = mapRow(44, "user-1", "system_add", "", 0, "", nil, createdAt)
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
	_, err = mapRow(0, "user-1", "system_add", "", 1, "", nil, createdAt)
	assert.ErrorIs(t, err, credits.ErrInvalidTransaction)
}

func TestIsUniqueConflict(t *testing.T) {
	t.Parallel()
	assert.False(t, isUniqueConflict(nil))
	assert.False(t, isUniqueConflict(errors.New("boom")))
	assert.True(t, isUniqueConflict(fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode})))
	assert.False(t, isUniqueConflict(&pgconn.PgError{Code: "23503"}))
}

func TestStoreAgainstPostgres(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	store := New(pool)
	require.NoError(t, store.Migrate(ctx))

	userID, err := credits.NewUserID(fmt.Sprintf("pgstore-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	generator, err := credits.NewSnowflakeGenerator(3)
	require.NoError(t, err)
	service, err := credits.NewService(store, func() time.Time { return time.Now().UTC() }, credits.WithIDGenerator(generator))
	require.NoError(t, err)

	_, created, err := service.GrantForOrder(ctx, credits.OrderGrant{UserID: userID, OrderReference: credits.NewOrderReference("order-pg"), Amount: 10})
	require.NoError(t, err)
	require.True(t, created)
	_, err = service.Consume(ctx, userID, 4, credits.ReasonPing)
	require.NoError(t, err)
	_, err = service.Consume(ctx, userID, 7, credits.ReasonPing)
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	summary, err := service.Summarize(ctx, userID, credits.DefaultSummaryOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(6), summary.Balance)
	require.Len(t, summary.Ledger, 2)
	assert.Equal(t, "order-pg", summary.Ledger[0].OrderReference().String())
}
