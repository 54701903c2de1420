package httpapi

import (
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
)

type creditStatusPayload struct {
	LeftCredits int64 `json:"leftCredits"`
	IsPro       bool  `json:"isPro"`
	IsRecharged bool  `json:"isRecharged"`
}

func newCreditStatusPayload(userCredits credits.UserCredits) creditStatusPayload {
	return creditStatusPayload{
		LeftCredits: userCredits.LeftCredits,
		IsPro:       userCredits.IsPro,
		IsRecharged: userCredits.IsRecharged,
	}
}

// summaryPayload reports the clamped balance; rawBalance keeps the ledger value.
type summaryPayload struct {
	Balance      int64                `json:"balance"`
	RawBalance   int64                `json:"rawBalance"`
	Granted      int64                `json:"granted"`
	Consumed     int64                `json:"consumed"`
	Expired      int64                `json:"expired"`
	ExpiringSoon []transactionPayload `json:"expiringSoon"`
	Ledger       []transactionPayload `json:"ledger"`
}

type transactionPayload struct {
	TransactionID   string     `json:"transactionId"`
	TransactionType string     `json:"transactionType"`
	Reason          string     `json:"reason,omitempty"`
	Credits         int64      `json:"credits"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiredAt       *time.Time `json:"expiredAt,omitempty"`
	OrderNo         string     `json:"orderNo,omitempty"`
}

type fieldErrorPayload struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func newSummaryPayload(summary credits.Summary) summaryPayload {
	return summaryPayload{
		Balance:      summary.DisplayBalance(),
		RawBalance:   summary.Balance,
		Granted:      summary.Granted,
		Consumed:     summary.Consumed,
		Expired:      summary.Expired,
		ExpiringSoon: newTransactionPayloads(summary.ExpiringSoon),
		Ledger:       newTransactionPayloads(summary.Ledger),
	}
}

func newTransactionPayloads(transactions []credits.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload := transactionPayload{
			TransactionID:   formatTransactionID(transaction.TransactionID()),
			TransactionType: transaction.Type().String(),
			Reason:          transaction.Reason().String(),
			Credits:         transaction.Amount().Int64(),
			CreatedAt:       transaction.CreatedAt(),
			OrderNo:         transaction.OrderReference().String(),
		}
		if expiresAt, ok := transaction.ExpiresAt(); ok {
			payload.ExpiredAt = &expiresAt
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

// Transaction ids exceed the exact integer range of JSON numbers in browsers.
func formatTransactionID(transactionID credits.TransactionID) string {
	return strconv.FormatInt(transactionID.Int64(), 10)
}
