package credits

import "time"

const (
	// DefaultLedgerLimit is how many recent transactions a summary carries by default.
	DefaultLedgerLimit = 50
	// ExpiringWindow is the look-ahead used for ExpiringSoon.
	ExpiringWindow = 14 * 24 * time.Hour
	// NewUserBonusCredits is granted once to every new account.
	NewUserBonusCredits int64 = 10
	// PingCostCredits is charged by the ping action.
	PingCostCredits int64 = 1

	OperationGrant         = "grant"
	OperationGrantForOrder = "grant_for_order"
	OperationNewUserBonus  = "new_user_bonus"
	OperationConsume       = "consume"
	OperationReleaseLock   = "release_user_lock"

	OperationStatusOK      = "ok"
	OperationStatusError   = "error"
	OperationStatusSkipped = "skipped"

	errorOperationService = "service"
	errorSubjectConsume   = "consume"
	errorCodeInsufficient = "insufficient_credits"
)
