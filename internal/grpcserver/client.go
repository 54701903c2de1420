package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the credit service over an established connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a connection to address and waits until it is ready.
func Dial(ctx context.Context, address string, insecureTransport bool) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{}
	if insecureTransport {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	return conn, nil
}

// GrantInput mirrors credits.GrantRequest with wire-level types.
type GrantInput struct {
	UserID         string
	Type           credits.TransactionType
	Amount         int64
	ExpiresAt      *time.Time
	OrderReference string
}

func (client *Client) Grant(ctx context.Context, input GrantInput) (credits.TransactionID, error) {
	request := map[string]any{
		fieldUserID: input.UserID,
		fieldAmount: float64(input.Amount),
	}
	if input.Type != "" {
		request[fieldType] = input.Type.String()
	}
	if input.OrderReference != "" {
		request[fieldOrderReference] = input.OrderReference
	}
	setExpiry(request, input.ExpiresAt)
	response, err := client.invoke(ctx, methodGrant, request)
	if err != nil {
		return 0, err
	}
	return parseTransactionID(newFieldReader(response).String(fieldTransactionID))
}

func (client *Client) GrantForOrder(ctx context.Context, userID string, orderReference string, amount int64, expiresAt *time.Time) (credits.TransactionID, bool, error) {
	request := map[string]any{
		fieldUserID:         userID,
		fieldOrderReference: orderReference,
		fieldAmount:         float64(amount),
	}
	setExpiry(request, expiresAt)
	response, err := client.invoke(ctx, methodGrantForOrder, request)
	if err != nil {
		return 0, false, err
	}
	fields := newFieldReader(response)
	transactionID, err := parseTransactionID(fields.String(fieldTransactionID))
	if err != nil {
		return 0, false, err
	}
	return transactionID, fields.Bool(fieldCreated, false), nil
}

func (client *Client) Consume(ctx context.Context, userID string, amount int64, reason string) (credits.TransactionID, error) {
	response, err := client.invoke(ctx, methodConsume, map[string]any{
		fieldUserID: userID,
		fieldAmount: float64(amount),
		fieldReason: reason,
	})
	if err != nil {
		return 0, err
	}
	return parseTransactionID(newFieldReader(response).String(fieldTransactionID))
}

func (client *Client) Summarize(ctx context.Context, userID string, options credits.SummaryOptions) (credits.Summary, error) {
	response, err := client.invoke(ctx, methodSummarize, map[string]any{
		fieldUserID:          userID,
		fieldIncludeLedger:   options.IncludeLedger,
		fieldLedgerLimit:     float64(options.LedgerLimit),
		fieldIncludeExpiring: options.IncludeExpiring,
	})
	if err != nil {
		return credits.Summary{}, err
	}
	return decodeSummary(response)
}

func (client *Client) GetUserCredits(ctx context.Context, userID string) (credits.UserCredits, error) {
	response, err := client.invoke(ctx, methodGetUserCredits, map[string]any{fieldUserID: userID})
	if err != nil {
		return credits.UserCredits{}, err
	}
	fields := newFieldReader(response)
	left, err := fields.Int64(fieldLeftCredits)
	if err != nil {
		return credits.UserCredits{}, err
	}
	return credits.UserCredits{
		LeftCredits: left,
		IsPro:       fields.Bool(fieldIsPro, false),
		IsRecharged: fields.Bool(fieldIsRecharged, false),
	}, nil
}

func (client *Client) invoke(ctx context.Context, method string, values map[string]any) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(values)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

func setExpiry(request map[string]any, expiresAt *time.Time) {
	if expiresAt != nil {
		request[fieldExpiresAtUnixUTC] = float64(expiresAt.Unix())
	}
}

func decodeSummary(response *structpb.Struct) (credits.Summary, error) {
	fields := newFieldReader(response)
	var summary credits.Summary
	var err error
	for name, target := range map[string]*int64{
		fieldBalance:  &summary.Balance,
		fieldGranted:  &summary.Granted,
		fieldConsumed: &summary.Consumed,
		fieldExpired:  &summary.Expired,
	} {
		if *target, err = fields.Int64(name); err != nil {
			return credits.Summary{}, err
		}
	}
	if summary.ExpiringSoon, err = decodeTransactions(fields.fields[fieldExpiringSoon]); err != nil {
		return credits.Summary{}, err
	}
	if summary.Ledger, err = decodeTransactions(fields.fields[fieldLedger]); err != nil {
		return credits.Summary{}, err
	}
	return summary, nil
}

func decodeTransactions(value *structpb.Value) ([]credits.Transaction, error) {
	values := value.GetListValue().GetValues()
	transactions := make([]credits.Transaction, 0, len(values))
	for _, item := range values {
		entry := fieldReader{fields: item.GetStructValue().GetFields()}
		transactionID, err := parseTransactionID(entry.String(fieldTransactionID))
		if err != nil {
			return nil, err
		}
		userID, err := credits.NewUserID(entry.String(fieldUserID))
		if err != nil {
			return nil, err
		}
		transactionType, err := credits.ParseTransactionType(entry.String(fieldType))
		if err != nil {
			return nil, err
		}
		var reason credits.ConsumptionReason
		if raw := entry.String(fieldReason); raw != "" {
			if reason, err = credits.NewConsumptionReason(raw); err != nil {
				return nil, err
			}
		}
		amount, err := entry.Int64(fieldAmount)
		if err != nil {
			return nil, err
		}
		createdAt, err := entry.UnixTime(fieldCreatedUnixUTC)
		if err != nil {
			return nil, err
		}
		if createdAt == nil {
			return nil, fmt.Errorf("%w: missing %s", credits.ErrInvalidTransaction, fieldCreatedUnixUTC)
		}
		expiresAt, err := entry.UnixTime(fieldExpiresAtUnixUTC)
		if err != nil {
			return nil, err
		}
		transaction, err := credits.NewTransaction(
			transactionID,
			userID,
			transactionType,
			reason,
			credits.SignedCredits(amount),
			*createdAt,
			expiresAt,
			credits.NewOrderReference(entry.String(fieldOrderReference)),
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
