package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "creditledger.v1.CreditService"

	methodGrant          = "Grant"
	methodGrantForOrder  = "GrantForOrder"
	methodConsume        = "Consume"
	methodSummarize      = "Summarize"
	methodGetUserCredits = "GetUserCredits"
)

// CreditServiceHandler is the server side of the credit service.
type CreditServiceHandler interface {
	Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GrantForOrder(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Summarize(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetUserCredits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the credit service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGrant, Handler: unaryHandler(methodGrant, CreditServiceHandler.Grant)},
		{MethodName: methodGrantForOrder, Handler: unaryHandler(methodGrantForOrder, CreditServiceHandler.GrantForOrder)},
		{MethodName: methodConsume, Handler: unaryHandler(methodConsume, CreditServiceHandler.Consume)},
		{MethodName: methodSummarize, Handler: unaryHandler(methodSummarize, CreditServiceHandler.Summarize)},
		{MethodName: methodGetUserCredits, Handler: unaryHandler(methodGetUserCredits, CreditServiceHandler.GetUserCredits)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditledger/v1/credit.proto",
}

// Register attaches handler to registrar.
func Register(registrar grpc.ServiceRegistrar, handler CreditServiceHandler) {
	registrar.RegisterService(&ServiceDesc, handler)
}

type unaryCall func(CreditServiceHandler, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := dec(request); err != nil {
			return nil, err
		}
		handler := srv.(CreditServiceHandler)
		if interceptor == nil {
			return call(handler, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(handler, ctx, request.(*structpb.Struct))
		})
	}
}

// CreditServiceServer exposes the credit ledger over gRPC.
type CreditServiceServer struct {
	creditService *credits.Service
}

// NewCreditServiceServer constructs a gRPC server for the credit service.
func NewCreditServiceServer(creditService *credits.Service) *CreditServiceServer {
	return &CreditServiceServer{creditService: creditService}
}

func (server *CreditServiceServer) Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := newFieldReader(request)
	userID, err := credits.NewUserID(fields.String(fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionType := credits.TransactionSystemGrant
	if raw := fields.String(fieldType); raw != "" {
		transactionType, err = credits.ParseGrantType(raw)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	amount, err := fields.Int64(fieldAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	expiresAt, err := fields.UnixTime(fieldExpiresAtUnixUTC)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, err := server.creditService.Grant(ctx, credits.GrantRequest{
		UserID:         userID,
		Type:           transactionType,
		Amount:         amount,
		ExpiresAt:      expiresAt,
		OrderReference: credits.NewOrderReference(fields.String(fieldOrderReference)),
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{fieldTransactionID: formatTransactionID(transactionID)})
}

func (server *CreditServiceServer) GrantForOrder(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := newFieldReader(request)
	userID, err := credits.NewUserID(fields.String(fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := fields.Int64(fieldAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	expiresAt, err := fields.UnixTime(fieldExpiresAtUnixUTC)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, created, err := server.creditService.GrantForOrder(ctx, credits.OrderGrant{
		UserID:         userID,
		OrderReference: credits.NewOrderReference(fields.String(fieldOrderReference)),
		Amount:         amount,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		fieldTransactionID: formatTransactionID(transactionID),
		fieldCreated:       created,
	})
}

func (server *CreditServiceServer) Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := newFieldReader(request)
	userID, err := credits.NewUserID(fields.String(fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := fields.Int64(fieldAmount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reason, err := credits.NewConsumptionReason(fields.String(fieldReason))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, err := server.creditService.Consume(ctx, userID, amount, reason)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{fieldTransactionID: formatTransactionID(transactionID)})
}

func (server *CreditServiceServer) Summarize(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	fields := newFieldReader(request)
	userID, err := credits.NewUserID(fields.String(fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	defaults := credits.DefaultSummaryOptions()
	limit, err := fields.Int64(fieldLedgerLimit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidLedgerLimit)
	}
	options := credits.SummaryOptions{
		IncludeLedger:   fields.Bool(fieldIncludeLedger, defaults.IncludeLedger),
		LedgerLimit:     int(limit),
		IncludeExpiring: fields.Bool(fieldIncludeExpiring, defaults.IncludeExpiring),
	}
	summary, err := server.creditService.Summarize(ctx, userID, options)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(encodeSummary(summary))
}

func (server *CreditServiceServer) GetUserCredits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := credits.NewUserID(newFieldReader(request).String(fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	userCredits, err := server.creditService.UserCredits(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		fieldLeftCredits: float64(userCredits.LeftCredits),
		fieldIsPro:       userCredits.IsPro,
		fieldIsRecharged: userCredits.IsRecharged,
	})
}

func encodeSummary(summary credits.Summary) map[string]any {
	return map[string]any{
		fieldBalance:        float64(summary.Balance),
		fieldDisplayBalance: float64(summary.DisplayBalance()),
		fieldGranted:        float64(summary.Granted),
		fieldConsumed:       float64(summary.Consumed),
		fieldExpired:        float64(summary.Expired),
		fieldExpiringSoon:   encodeTransactions(summary.ExpiringSoon),
		fieldLedger:         encodeTransactions(summary.Ledger),
	}
}

func encodeTransactions(transactions []credits.Transaction) []any {
	encoded := make([]any, 0, len(transactions))
	for _, transaction := range transactions {
		entry := map[string]any{
			fieldTransactionID:  formatTransactionID(transaction.TransactionID()),
			fieldUserID:         transaction.UserID().String(),
			fieldType:           transaction.Type().String(),
			fieldAmount:         float64(transaction.Amount().Int64()),
			fieldCreatedUnixUTC: float64(transaction.CreatedAt().Unix()),
		}
		if !transaction.Reason().IsZero() {
			entry[fieldReason] = transaction.Reason().String()
		}
		if !transaction.OrderReference().IsZero() {
			entry[fieldOrderReference] = transaction.OrderReference().String()
		}
		if expiresAt, ok := transaction.ExpiresAt(); ok {
			entry[fieldExpiresAtUnixUTC] = float64(expiresAt.Unix())
		}
		encoded = append(encoded, entry)
	}
	return encoded
}

func newStruct(values map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(values)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func unixTimePointer(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	value := time.Unix(seconds, 0).UTC()
	return &value
}

func mapToGRPCError(source error) error {
	code := credits.ErrorCode(source)
	switch code {
	case credits.CodeInsufficientCredits:
		return status.Error(codes.FailedPrecondition, code)
	case credits.CodeLockUnavailable:
		return status.Error(codes.Unavailable, code)
	case credits.CodeLedgerError:
		if errors.Is(source, context.Canceled) {
			return status.Error(codes.Canceled, source.Error())
		}
		if errors.Is(source, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, source.Error())
		}
		return status.Error(codes.Internal, source.Error())
	default:
		return status.Error(codes.InvalidArgument, code)
	}
}
