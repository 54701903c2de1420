package credits

import "time"

// calculateSummary folds a user's history into a Summary at now.
func calculateSummary(history []Transaction, now time.Time, options SummaryOptions) Summary {
	ordered := sortHistory(history)
	ledgerLimit := options.LedgerLimit
	if ledgerLimit <= 0 {
		ledgerLimit = DefaultLedgerLimit
	}
	summary := Summary{
		ExpiringSoon: []Transaction{},
		Ledger:       []Transaction{},
	}
	for index := len(ordered) - 1; index >= 0; index-- {
		transaction := ordered[index]
		amount := transaction.amount.Int64()
		if options.IncludeLedger && len(summary.Ledger) < ledgerLimit {
			summary.Ledger = append(summary.Ledger, transaction)
		}
		if amount < 0 {
			summary.Consumed += -amount
			summary.Balance += amount
			continue
		}
		expiresAt, hasExpiry := transaction.ExpiresAt()
		untilExpiry := expiresAt.Sub(now)
		if hasExpiry && untilExpiry <= 0 {
			summary.Expired += amount
			continue
		}
		summary.Granted += amount
		summary.Balance += amount
		if !hasExpiry {
			continue
		}
		if options.IncludeExpiring && untilExpiry <= ExpiringWindow {
			summary.ExpiringSoon = append(summary.ExpiringSoon, transaction)
		}
	}
	return summary
}

// calculateUserCredits derives the short profile status from a summary and history.
func calculateUserCredits(history []Transaction, summary Summary) UserCredits {
	userCredits := UserCredits{LeftCredits: summary.DisplayBalance()}
	userCredits.IsPro = userCredits.LeftCredits > 0
	for _, transaction := range history {
		if transaction.transactionType == TransactionOrderPayment {
			userCredits.IsRecharged = true
			break
		}
	}
	return userCredits
}
