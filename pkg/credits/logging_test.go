package credits

import (
	"context"
	"errors"
	"testing"
)

func TestServiceLogsConsumeOperation(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(), newTestClock(baseTime), WithOperationLogger(logger))
	user := mustUserID(test, "user-1")
	grantID := mustGrant(test, service, GrantRequest{UserID: user, Type: TransactionSystemGrant, Amount: 5, OrderReference: NewOrderReference("manual-1")})
	consumptionID, err := service.Consume(context.Background(), user, 2, ReasonPing)
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	grantEntry := logger.entries[0]
	if grantEntry.Operation != OperationGrant || grantEntry.TransactionID != grantID || grantEntry.OrderReference.String() != "manual-1" || grantEntry.Status != OperationStatusOK {
		test.Fatalf("unexpected grant entry: %+v", grantEntry)
	}
	consumeEntry := logger.entries[1]
	if consumeEntry.Operation != OperationConsume || consumeEntry.TransactionID != consumptionID || consumeEntry.Amount != 2 || consumeEntry.Reason != ReasonPing {
		test.Fatalf("unexpected consume entry: %+v", consumeEntry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.appendErr = errors.New("boom")
	logger := &recorderLogger{}
	service := mustNewService(test, store, newTestClock(baseTime), WithOperationLogger(logger))
	_, err := service.Grant(context.Background(), GrantRequest{UserID: mustUserID(test, "user-1"), Type: TransactionSystemGrant, Amount: 1})
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != OperationStatusError || logger.entries[0].Error == nil || logger.entries[0].TransactionID != 0 {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestServiceLogsSkippedOrderGrant(test *testing.T) {
	test.Parallel()
	logger := &recorderLogger{}
	service := mustNewService(test, newStubStore(), newTestClock(baseTime), WithOperationLogger(logger))
	order := OrderGrant{UserID: mustUserID(test, "user-1"), OrderReference: NewOrderReference("order-1"), Amount: 5}
	for range 2 {
		if _, _, err := service.GrantForOrder(context.Background(), order); err != nil {
			test.Fatalf("grant for order: %v", err)
		}
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != OperationStatusOK || logger.entries[1].Status != OperationStatusSkipped {
		test.Fatalf("unexpected statuses: %q, %q", logger.entries[0].Status, logger.entries[1].Status)
	}
	if logger.entries[1].TransactionID != logger.entries[0].TransactionID {
		test.Fatalf("expected skipped entry to carry the existing transaction id")
	}
}
