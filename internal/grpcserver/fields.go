package grpcserver

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message field names shared by the server and Client.
const (
	fieldUserID           = "user_id"
	fieldType             = "type"
	fieldAmount           = "amount"
	fieldReason           = "reason"
	fieldOrderReference   = "order_reference"
	fieldExpiresAtUnixUTC = "expires_at_unix_utc"
	fieldCreatedUnixUTC   = "created_unix_utc"
	fieldTransactionID    = "transaction_id"
	fieldCreated          = "created"
	fieldIncludeLedger    = "include_ledger"
	fieldLedgerLimit      = "ledger_limit"
	fieldIncludeExpiring  = "include_expiring"
	fieldBalance          = "balance"
	fieldDisplayBalance   = "display_balance"
	fieldGranted          = "granted"
	fieldConsumed         = "consumed"
	fieldExpired          = "expired"
	fieldExpiringSoon     = "expiring_soon"
	fieldLedger           = "ledger"
	fieldLeftCredits      = "left_credits"
	fieldIsPro            = "is_pro"
	fieldIsRecharged      = "is_recharged"

	errorInvalidLedgerLimit = "invalid_ledger_limit"
)

// Numbers travel as doubles; integers above 2^53 would lose precision.
const maxExactInteger = 1 << 53

type fieldReader struct {
	fields map[string]*structpb.Value
}

func newFieldReader(message *structpb.Struct) fieldReader {
	return fieldReader{fields: message.GetFields()}
}

func (reader fieldReader) String(name string) string {
	return reader.fields[name].GetStringValue()
}

func (reader fieldReader) Bool(name string, fallback bool) bool {
	value, ok := reader.fields[name]
	if !ok {
		return fallback
	}
	if _, isBool := value.GetKind().(*structpb.Value_BoolValue); !isBool {
		return fallback
	}
	return value.GetBoolValue()
}

// Int64 reads an integral number. A missing field reads as zero.
func (reader fieldReader) Int64(name string) (int64, error) {
	value, ok := reader.fields[name]
	if !ok {
		return 0, nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		number := kind.NumberValue
		if math.IsNaN(number) || math.IsInf(number, 0) || number != math.Trunc(number) || math.Abs(number) > maxExactInteger {
			return 0, fmt.Errorf("%w: %s must be an integer", credits.ErrInvalidAmount, name)
		}
		return int64(number), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", credits.ErrInvalidAmount, name)
	}
}

func (reader fieldReader) UnixTime(name string) (*time.Time, error) {
	seconds, err := reader.Int64(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be unix seconds", credits.ErrInvalidTransaction, name)
	}
	return unixTimePointer(seconds), nil
}

func formatTransactionID(transactionID credits.TransactionID) string {
	return strconv.FormatInt(transactionID.Int64(), 10)
}

func parseTransactionID(raw string) (credits.TransactionID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: transaction id %q", credits.ErrInvalidTransaction, raw)
	}
	return credits.NewTransactionID(parsed)
}
