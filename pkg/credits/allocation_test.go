package credits

import (
	"errors"
	"testing"
	"time"
)

func TestAllocateConsumptionSelectsRepresentativeGrant(test *testing.T) {
	test.Parallel()
	user := mustUserID(test, "user-1")
	now := baseTime
	expiryA := now.Add(5 * 24 * time.Hour)
	expiryB := now.Add(40 * 24 * time.Hour)
	grantA := mustTransaction(test, 1, user, TransactionOrderPayment, "", 5, now.Add(-3*time.Hour), timeRef(expiryA), "order-a")
	grantB := mustTransaction(test, 2, user, TransactionOrderPayment, "", 10, now.Add(-2*time.Hour), timeRef(expiryB), "order-b")
	grantC := mustTransaction(test, 3, user, TransactionSystemGrant, "", 10, now.Add(-time.Hour), nil, "")

	testCases := []struct {
		name          string
		history       []Transaction
		amount        PositiveCredits
		expectedOrder string
		expectedExpir *time.Time
	}{
		{name: "first_grant_covers", history: []Transaction{grantA, grantB}, amount: 5, expectedOrder: "order-a", expectedExpir: &expiryA},
		{name: "spans_into_second_grant", history: []Transaction{grantA, grantB}, amount: 7, expectedOrder: "order-b", expectedExpir: &expiryB},
		{
			name: "earlier_consumption_drained_first_grant",
			history: []Transaction{
				grantA,
				grantB,
				mustTransaction(test, 4, user, TransactionConsumption, "ping", -5, now.Add(-90*time.Minute), timeRef(expiryA), "order-a"),
			},
			amount:        1,
			expectedOrder: "order-b",
			expectedExpir: &expiryB,
		},
		{name: "grant_without_expiry", history: []Transaction{grantC}, amount: 3},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			source, err := allocateConsumption(testCase.history, testCase.amount, now)
			if err != nil {
				test.Fatalf("allocate: %v", err)
			}
			if source.orderReference.String() != testCase.expectedOrder {
				test.Fatalf("expected order %q, got %q", testCase.expectedOrder, source.orderReference)
			}
			if testCase.expectedExpir == nil {
				if source.expiresAt != nil {
					test.Fatalf("expected no expiry, got %v", *source.expiresAt)
				}
				return
			}
			if source.expiresAt == nil || !source.expiresAt.Equal(*testCase.expectedExpir) {
				test.Fatalf("expected expiry %v, got %v", *testCase.expectedExpir, source.expiresAt)
			}
		})
	}
}

func TestAllocateConsumptionSkipsExpiredGrants(test *testing.T) {
	test.Parallel()
	user := mustUserID(test, "user-1")
	now := baseTime
	history := []Transaction{
		mustTransaction(test, 1, user, TransactionSystemGrant, "", 50, now.Add(-48*time.Hour), timeRef(now.Add(-time.Hour)), "stale"),
		mustTransaction(test, 2, user, TransactionSystemGrant, "", 3, now.Add(-24*time.Hour), nil, "fresh"),
	}
	source, err := allocateConsumption(history, 3, now)
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if source.orderReference.String() != "fresh" {
		test.Fatalf("expected the unexpired grant, got %q", source.orderReference)
	}
	if _, err := allocateConsumption(history, 4, now); !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected insufficient credits, got %v", err)
	}
}

func TestReplayGrantBucketsIgnoresGrantsExpiredAtConsumptionTime(test *testing.T) {
	test.Parallel()
	user := mustUserID(test, "user-1")
	now := baseTime
	history := []Transaction{
		mustTransaction(test, 1, user, TransactionSystemGrant, "", 5, now.Add(-10*time.Hour), timeRef(now.Add(-8*time.Hour)), ""),
		mustTransaction(test, 2, user, TransactionSystemGrant, "", 5, now.Add(-9*time.Hour), nil, ""),
		mustTransaction(test, 3, user, TransactionConsumption, "ping", -2, now.Add(-7*time.Hour), nil, ""),
	}
	buckets := replayGrantBuckets(history)
	if len(buckets) != 2 {
		test.Fatalf("expected two buckets, got %d", len(buckets))
	}
	if buckets[0].remaining != 5 || buckets[1].remaining != 3 {
		test.Fatalf("unexpected remaining amounts: %d, %d", buckets[0].remaining, buckets[1].remaining)
	}
}

func TestAvailableBalanceIncludesAllConsumptions(test *testing.T) {
	test.Parallel()
	user := mustUserID(test, "user-1")
	now := baseTime
	history := []Transaction{
		mustTransaction(test, 1, user, TransactionSystemGrant, "", 10, now.Add(-3*time.Hour), nil, ""),
		mustTransaction(test, 2, user, TransactionConsumption, "ping", -4, now.Add(-2*time.Hour), nil, ""),
		mustTransaction(test, 3, user, TransactionSystemGrant, "", 8, now.Add(-time.Hour), timeRef(now), ""),
	}
	if available := availableBalance(history, now); available != 6 {
		test.Fatalf("expected available 6, got %d", available)
	}
}
