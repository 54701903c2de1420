package credits

import (
	"fmt"
	"sort"
	"time"
)

// grantBucket tracks what is left of a grant after earlier consumptions.
type grantBucket struct {
	grant     Transaction
	remaining int64
}

// consumptionSource is the grant whose metadata a new consumption inherits.
type consumptionSource struct {
	orderReference OrderReference
	expiresAt      *time.Time
}

// sortHistory orders transactions by creation time, then by id.
func sortHistory(history []Transaction) []Transaction {
	ordered := make([]Transaction, len(history))
	copy(ordered, history)
	sort.SliceStable(ordered, func(left, right int) bool {
		if !ordered[left].createdAt.Equal(ordered[right].createdAt) {
			return ordered[left].createdAt.Before(ordered[right].createdAt)
		}
		return ordered[left].transactionID < ordered[right].transactionID
	})
	return ordered
}

// availableBalance sums unexpired grants and every consumption at now.
func availableBalance(history []Transaction, now time.Time) int64 {
	var balance int64
	for _, transaction := range history {
		if transaction.IsGrant() {
			if transaction.IsExpiredAt(now) {
				continue
			}
		}
		balance += transaction.amount.Int64()
	}
	return balance
}

// replayGrantBuckets drains grants oldest first with each past consumption,
// skipping grants that had already expired when that consumption happened.
func replayGrantBuckets(history []Transaction) []grantBucket {
	buckets := make([]grantBucket, 0, len(history))
	for _, transaction := range sortHistory(history) {
		if transaction.IsGrant() {
			buckets = append(buckets, grantBucket{grant: transaction, remaining: transaction.amount.Int64()})
			continue
		}
		need := -transaction.amount.Int64()
		for index := range buckets {
			if need == 0 {
				break
			}
			bucket := &buckets[index]
			if bucket.remaining == 0 || bucket.grant.IsExpiredAt(transaction.createdAt) {
				continue
			}
			taken := min(need, bucket.remaining)
			bucket.remaining -= taken
			need -= taken
		}
	}
	return buckets
}

// allocateConsumption authorizes a debit and picks the grant that covers its last unit.
// Authorization uses the summary balance, not the replayed buckets, so a
// consumption never drives the reported balance below zero.
func allocateConsumption(history []Transaction, amount PositiveCredits, now time.Time) (consumptionSource, error) {
	available := availableBalance(history, now)
	if available < amount.Int64() {
		return consumptionSource{}, WrapError(
			errorOperationService,
			errorSubjectConsume,
			errorCodeInsufficient,
			fmt.Errorf("%w: requested %d, available %d", ErrInsufficientCredits, amount.Int64(), available),
		)
	}
	var accumulated int64
	for _, bucket := range replayGrantBuckets(history) {
		if bucket.remaining == 0 || bucket.grant.IsExpiredAt(now) {
			continue
		}
		accumulated += bucket.remaining
		if accumulated >= amount.Int64() {
			source := consumptionSource{orderReference: bucket.grant.orderReference}
			if expiresAt, ok := bucket.grant.ExpiresAt(); ok {
				source.expiresAt = &expiresAt
			}
			return source, nil
		}
	}
	return consumptionSource{}, nil
}
