package credits

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// UserID identifies a credit owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// TransactionID is a server-generated, creation-ordered transaction number.
type TransactionID int64

// NewTransactionID validates a transaction number read back from storage.
func NewTransactionID(raw int64) (TransactionID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: transaction id must be positive", ErrInvalidTransaction)
	}
	return TransactionID(raw), nil
}

// Int64 returns the raw number.
func (id TransactionID) Int64() int64 {
	return int64(id)
}

// TransactionType enumerates the kinds of ledger lines.
type TransactionType string

const (
	TransactionNewUserBonus TransactionType = "new_user"
	TransactionOrderPayment TransactionType = "order_pay"
	TransactionSystemGrant  TransactionType = "system_add"
	TransactionAdminGrant   TransactionType = "admin_grant"
	TransactionConsumption  TransactionType = "consumption"
)

// ParseTransactionType validates a stored or requested transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.TrimSpace(raw))
	switch transactionType {
	case TransactionNewUserBonus, TransactionOrderPayment, TransactionSystemGrant, TransactionAdminGrant, TransactionConsumption:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// ParseGrantType accepts only the positive transaction types.
func ParseGrantType(raw string) (TransactionType, error) {
	transactionType, err := ParseTransactionType(raw)
	if err != nil {
		return "", err
	}
	if !transactionType.IsGrant() {
		return "", fmt.Errorf("%w: %q is not a grant type", ErrInvalidTransactionType, raw)
	}
	return transactionType, nil
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsGrant reports whether the type records credits coming in.
func (transactionType TransactionType) IsGrant() bool {
	switch transactionType {
	case TransactionNewUserBonus, TransactionOrderPayment, TransactionSystemGrant, TransactionAdminGrant:
		return true
	default:
		return false
	}
}

// ConsumptionReason tags what a debit paid for. New reasons only need to
// match the slug pattern; the well-known ones are declared below.
type ConsumptionReason struct {
	value string
}

const (
	maxConsumptionReasonLength = 50
)

var consumptionReasonPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Well-known consumption reasons.
var (
	ReasonPing            = ConsumptionReason{value: "ping"}
	ReasonMockUsage       = ConsumptionReason{value: "mock_usage"}
	ReasonTextToVideoTask = ConsumptionReason{value: "task_text_to_video"}
)

// NewConsumptionReason validates a reason slug.
func NewConsumptionReason(raw string) (ConsumptionReason, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return ConsumptionReason{}, fmt.Errorf("%w: empty value", ErrInvalidConsumptionReason)
	}
	if len(normalized) > maxConsumptionReasonLength || !consumptionReasonPattern.MatchString(normalized) {
		return ConsumptionReason{}, fmt.Errorf("%w: %q", ErrInvalidConsumptionReason, raw)
	}
	return ConsumptionReason{value: normalized}, nil
}

// String returns the normalized reason.
func (reason ConsumptionReason) String() string {
	return reason.value
}

// IsZero reports whether no reason is set.
func (reason ConsumptionReason) IsZero() bool {
	return reason.value == ""
}

// PositiveCredits is a strictly positive credit quantity.
type PositiveCredits int64

// NewPositiveCredits validates an amount requested by a caller.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// Negated returns the signed debit for this amount.
func (amount PositiveCredits) Negated() SignedCredits {
	return SignedCredits(-int64(amount))
}

// ToSigned returns the signed credit for this amount.
func (amount PositiveCredits) ToSigned() SignedCredits {
	return SignedCredits(amount)
}

// SignedCredits is a non-zero ledger amount: positive grants, negative consumptions.
type SignedCredits int64

// NewSignedCredits validates a stored amount.
func NewSignedCredits(raw int64) (SignedCredits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	return SignedCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount SignedCredits) Int64() int64 {
	return int64(amount)
}

// OrderReference points at the order or task that produced a transaction.
// The zero value means no reference.
type OrderReference struct {
	value string
}

// NewOrderReference normalizes an optional reference.
func NewOrderReference(raw string) OrderReference {
	return OrderReference{value: strings.TrimSpace(raw)}
}

// String returns the reference or an empty string.
func (reference OrderReference) String() string {
	return reference.value
}

// IsZero reports whether no reference is set.
func (reference OrderReference) IsZero() bool {
	return reference.value == ""
}

// Transaction is a single immutable line in a user's credit ledger.
type Transaction struct {
	transactionID   TransactionID
	userID          UserID
	transactionType TransactionType
	reason          ConsumptionReason
	amount          SignedCredits
	createdAt       time.Time
	expiresAt       time.Time
	orderReference  OrderReference
}

// NewTransaction validates every field of a ledger line.
func NewTransaction(
	transactionID TransactionID,
	userID UserID,
	transactionType TransactionType,
	reason ConsumptionReason,
	amount SignedCredits,
	createdAt time.Time,
	expiresAt *time.Time,
	orderReference OrderReference,
) (Transaction, error) {
	if transactionID <= 0 {
		return Transaction{}, fmt.Errorf("%w: transaction id must be positive", ErrInvalidTransaction)
	}
	if userID.IsZero() {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return Transaction{}, err
	}
	if amount == 0 {
		return Transaction{}, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	if transactionType.IsGrant() {
		if amount < 0 {
			return Transaction{}, fmt.Errorf("%w: grant amount must be positive", ErrInvalidAmount)
		}
		if !reason.IsZero() {
			return Transaction{}, fmt.Errorf("%w: grants carry no reason", ErrInvalidTransaction)
		}
	} else {
		if amount > 0 {
			return Transaction{}, fmt.Errorf("%w: consumption amount must be negative", ErrInvalidAmount)
		}
		if reason.IsZero() {
			return Transaction{}, fmt.Errorf("%w: consumption requires a reason", ErrInvalidConsumptionReason)
		}
	}
	if createdAt.IsZero() {
		return Transaction{}, fmt.Errorf("%w: created at is required", ErrInvalidTransaction)
	}
	transaction := Transaction{
		transactionID:   transactionID,
		userID:          userID,
		transactionType: transactionType,
		reason:          reason,
		amount:          amount,
		createdAt:       createdAt.UTC(),
		orderReference:  orderReference,
	}
	if expiresAt != nil && !expiresAt.IsZero() {
		transaction.expiresAt = expiresAt.UTC()
	}
	return transaction, nil
}

// TransactionID returns the transaction number.
func (transaction Transaction) TransactionID() TransactionID {
	return transaction.transactionID
}

// UserID returns the owner.
func (transaction Transaction) UserID() UserID {
	return transaction.userID
}

// Type returns the transaction type.
func (transaction Transaction) Type() TransactionType {
	return transaction.transactionType
}

// Reason returns the consumption reason (zero for grants).
func (transaction Transaction) Reason() ConsumptionReason {
	return transaction.reason
}

// Amount returns the signed amount.
func (transaction Transaction) Amount() SignedCredits {
	return transaction.amount
}

// CreatedAt returns the insertion time.
func (transaction Transaction) CreatedAt() time.Time {
	return transaction.createdAt
}

// ExpiresAt returns the expiry and whether one is set.
func (transaction Transaction) ExpiresAt() (time.Time, bool) {
	return transaction.expiresAt, !transaction.expiresAt.IsZero()
}

// OrderReference returns the related order or task reference.
func (transaction Transaction) OrderReference() OrderReference {
	return transaction.orderReference
}

// IsGrant reports whether the line adds credits.
func (transaction Transaction) IsGrant() bool {
	return transaction.amount > 0
}

// IsExpiredAt reports whether a grant can no longer be spent at the given instant.
func (transaction Transaction) IsExpiredAt(at time.Time) bool {
	if !transaction.IsGrant() || transaction.expiresAt.IsZero() {
		return false
	}
	return !transaction.expiresAt.After(at)
}

// GrantRequest describes a positive ledger line.
type GrantRequest struct {
	UserID         UserID
	Type           TransactionType
	Amount         int64
	ExpiresAt      *time.Time
	OrderReference OrderReference
}

// OrderGrant describes credits purchased by a paid order.
type OrderGrant struct {
	UserID         UserID
	OrderReference OrderReference
	Amount         int64
	ExpiresAt      *time.Time
}

// SummaryOptions controls the optional parts of a Summary.
type SummaryOptions struct {
	IncludeLedger   bool
	LedgerLimit     int
	IncludeExpiring bool
}

// DefaultSummaryOptions includes everything with the default ledger size.
func DefaultSummaryOptions() SummaryOptions {
	return SummaryOptions{
		IncludeLedger:   true,
		LedgerLimit:     DefaultLedgerLimit,
		IncludeExpiring: true,
	}
}

// Summary is derived from the full history of a user at a single instant.
type Summary struct {
	Balance      int64
	Granted      int64
	Consumed     int64
	Expired      int64
	ExpiringSoon []Transaction
	Ledger       []Transaction
}

// DisplayBalance clamps the balance for presentation.
func (summary Summary) DisplayBalance() int64 {
	if summary.Balance < 0 {
		return 0
	}
	return summary.Balance
}

// UserCredits is the short credit status shown next to a user profile.
type UserCredits struct {
	LeftCredits int64
	IsPro       bool
	IsRecharged bool
}

// Store is the persistence contract used by Service. Implementations never
// update or delete a transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockUser serializes writers for one user until the surrounding WithTx ends.
	LockUser(ctx context.Context, userID UserID) error
	AppendTransaction(ctx context.Context, transaction Transaction) error
	// ListTransactions returns the full history ordered by creation time, then id.
	ListTransactions(ctx context.Context, userID UserID) ([]Transaction, error)
}

// IDGenerator hands out creation-ordered transaction numbers.
type IDGenerator interface {
	NextID() TransactionID
}

// UserLocker serializes ledger writers for a user across processes.
type UserLocker interface {
	Acquire(ctx context.Context, userID UserID) (release func(ctx context.Context) error, err error)
}
