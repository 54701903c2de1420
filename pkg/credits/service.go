package credits

import (
	"context"
	"fmt"
	"time"
)

const defaultSnowflakeNode = 1

// Service contains the credit ledger logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	ids    IDGenerator
	locker UserLocker
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.ids == nil {
		generator, err := NewSnowflakeGenerator(defaultSnowflakeNode)
		if err != nil {
			return nil, err
		}
		service.ids = generator
	}
	return service, nil
}

// Grant appends one positive transaction. Order idempotency is the caller's
// concern; see GrantForOrder.
func (service *Service) Grant(ctx context.Context, request GrantRequest) (TransactionID, error) {
	var transactionID TransactionID
	operationError := service.validateGrant(request.UserID, request.Type, request.Amount)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			transaction, err := service.newGrant(request)
			if err != nil {
				return err
			}
			if err := transactionStore.AppendTransaction(ctx, transaction); err != nil {
				return err
			}
			transactionID = transaction.transactionID
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       OperationGrant,
		UserID:          request.UserID,
		TransactionType: request.Type,
		Amount:          request.Amount,
		OrderReference:  request.OrderReference,
		TransactionID:   transactionID,
		Error:           operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return transactionID, nil
}

// GrantForOrder grants purchased credits once per order. When an order_pay
// grant for the order exists it returns that transaction id and false. Other
// grant types sharing the reference do not count.
func (service *Service) GrantForOrder(ctx context.Context, order OrderGrant) (TransactionID, bool, error) {
	request := GrantRequest{
		UserID:         order.UserID,
		Type:           TransactionOrderPayment,
		Amount:         order.Amount,
		ExpiresAt:      order.ExpiresAt,
		OrderReference: order.OrderReference,
	}
	var (
		transactionID  TransactionID
		created        bool
		operationError error
	)
	if order.OrderReference.IsZero() {
		operationError = fmt.Errorf("%w: order reference is required", ErrInvalidTransaction)
	} else {
		transactionID, created, operationError = service.grantOnce(ctx, request, func(transaction Transaction) bool {
			return transaction.transactionType == TransactionOrderPayment && transaction.orderReference == order.OrderReference
		})
	}
	service.logGrantOnce(ctx, OperationGrantForOrder, request, transactionID, created, operationError)
	return transactionID, created, operationError
}

// GrantNewUserBonus grants the sign-up bonus unless the user already has one.
func (service *Service) GrantNewUserBonus(ctx context.Context, userID UserID) (TransactionID, bool, error) {
	request := GrantRequest{
		UserID: userID,
		Type:   TransactionNewUserBonus,
		Amount: NewUserBonusCredits,
	}
	transactionID, created, operationError := service.grantOnce(ctx, request, func(transaction Transaction) bool {
		return transaction.transactionType == TransactionNewUserBonus
	})
	service.logGrantOnce(ctx, OperationNewUserBonus, request, transactionID, created, operationError)
	return transactionID, created, operationError
}

// Consume debits credits if the available balance covers them. The new line
// inherits order reference and expiry from the grant that covers its last unit.
func (service *Service) Consume(ctx context.Context, userID UserID, amount int64, reason ConsumptionReason) (TransactionID, error) {
	var transactionID TransactionID
	operationError := service.validateConsume(userID, amount, reason)
	if operationError == nil {
		operationError = service.withUserLock(ctx, userID, func(ctx context.Context, transactionStore Store) error {
			history, err := transactionStore.ListTransactions(ctx, userID)
			if err != nil {
				return err
			}
			now := service.nowFn()
			source, err := allocateConsumption(history, PositiveCredits(amount), now)
			if err != nil {
				return err
			}
			transaction, err := NewTransaction(
				service.ids.NextID(),
				userID,
				TransactionConsumption,
				reason,
				PositiveCredits(amount).Negated(),
				now,
				source.expiresAt,
				source.orderReference,
			)
			if err != nil {
				return err
			}
			if err := transactionStore.AppendTransaction(ctx, transaction); err != nil {
				return err
			}
			transactionID = transaction.transactionID
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation:       OperationConsume,
		UserID:          userID,
		TransactionType: TransactionConsumption,
		Reason:          reason,
		Amount:          amount,
		TransactionID:   transactionID,
		Error:           operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return transactionID, nil
}

// Summarize reads the full history and derives totals at the current instant.
func (service *Service) Summarize(ctx context.Context, userID UserID, options SummaryOptions) (Summary, error) {
	if userID.IsZero() {
		return Summary{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	history, err := service.store.ListTransactions(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	return calculateSummary(history, service.nowFn(), options), nil
}

// UserCredits returns the short credit status of a user.
func (service *Service) UserCredits(ctx context.Context, userID UserID) (UserCredits, error) {
	if userID.IsZero() {
		return UserCredits{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	history, err := service.store.ListTransactions(ctx, userID)
	if err != nil {
		return UserCredits{}, err
	}
	summary := calculateSummary(history, service.nowFn(), SummaryOptions{})
	return calculateUserCredits(history, summary), nil
}

func (service *Service) grantOnce(ctx context.Context, request GrantRequest, matches func(Transaction) bool) (TransactionID, bool, error) {
	if err := service.validateGrant(request.UserID, request.Type, request.Amount); err != nil {
		return 0, false, err
	}
	var (
		transactionID TransactionID
		created       bool
	)
	err := service.withUserLock(ctx, request.UserID, func(ctx context.Context, transactionStore Store) error {
		history, err := transactionStore.ListTransactions(ctx, request.UserID)
		if err != nil {
			return err
		}
		for _, existing := range history {
			if matches(existing) {
				transactionID = existing.transactionID
				return nil
			}
		}
		transaction, err := service.newGrant(request)
		if err != nil {
			return err
		}
		if err := transactionStore.AppendTransaction(ctx, transaction); err != nil {
			return err
		}
		transactionID = transaction.transactionID
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return transactionID, created, nil
}

func (service *Service) logGrantOnce(ctx context.Context, operation string, request GrantRequest, transactionID TransactionID, created bool, operationError error) {
	entry := OperationLog{
		Operation:       operation,
		UserID:          request.UserID,
		TransactionType: request.Type,
		Amount:          request.Amount,
		OrderReference:  request.OrderReference,
		TransactionID:   transactionID,
		Error:           operationError,
	}
	if operationError == nil && !created {
		entry.Status = OperationStatusSkipped
	}
	service.logOperation(ctx, entry)
}

// withUserLock runs fn in a transaction that holds the per-user lock, and the
// distributed lock around it when one is configured.
func (service *Service) withUserLock(ctx context.Context, userID UserID, fn func(ctx context.Context, transactionStore Store) error) error {
	if service.locker != nil {
		release, err := service.locker.Acquire(ctx, userID)
		if err != nil {
			return err
		}
		defer func() {
			if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
				service.logOperation(ctx, OperationLog{
					Operation: OperationReleaseLock,
					UserID:    userID,
					Error:     releaseErr,
				})
			}
		}()
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockUser(ctx, userID); err != nil {
			return err
		}
		return fn(ctx, transactionStore)
	})
}

func (service *Service) newGrant(request GrantRequest) (Transaction, error) {
	return NewTransaction(
		service.ids.NextID(),
		request.UserID,
		request.Type,
		ConsumptionReason{},
		PositiveCredits(request.Amount).ToSigned(),
		service.nowFn(),
		request.ExpiresAt,
		request.OrderReference,
	)
}

func (service *Service) validateGrant(userID UserID, transactionType TransactionType, amount int64) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if !transactionType.IsGrant() {
		return fmt.Errorf("%w: %q is not a grant type", ErrInvalidTransactionType, transactionType)
	}
	if _, err := NewPositiveCredits(amount); err != nil {
		return err
	}
	return nil
}

func (service *Service) validateConsume(userID UserID, amount int64, reason ConsumptionReason) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := NewPositiveCredits(amount); err != nil {
		return err
	}
	if reason.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidConsumptionReason)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
