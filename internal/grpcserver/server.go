// Package grpcserver exposes the credit service to trusted internal callers
// over gRPC. Messages are google.protobuf.Struct values keyed by the same
// snake_case names as the HTTP API, plus user_id.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "credit.v1.CreditLedger"

const (
	methodGetBalance              = "GetBalance"
	methodReserve                 = "Reserve"
	methodConsume                 = "Consume"
	methodRelease                 = "Release"
	methodGrant                   = "Grant"
	methodListTransactions        = "ListTransactions"
	methodExpireStaleReservations = "ExpireStaleReservations"

	errorInsufficientCredits = "insufficient_credits"
	errorReservationNotFound = "reservation_not_found"
	errorReservationConflict = "reservation_conflict"
	errorServiceUnavailable  = "service_unavailable"

	fieldUserID           = "user_id"
	fieldAmount           = "amount"
	fieldIdempotencyKey   = "idempotency_key"
	fieldReferenceID      = "reference_id"
	fieldReservationID    = "reservation_id"
	fieldTransactionID    = "transaction_id"
	fieldDescription      = "description"
	fieldType             = "type"
	fieldLimit            = "limit"
	fieldOffset           = "offset"
	fieldOlderThanSeconds = "older_than_seconds"
	fieldTransactions     = "transactions"
)

// creditLedgerService is the handler contract registered with grpc.Server.
type creditLedgerService interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Reserve(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Release(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ExpireStaleReservations(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*creditLedgerService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodGetBalance, creditLedgerService.GetBalance),
		unaryMethod(methodReserve, creditLedgerService.Reserve),
		unaryMethod(methodConsume, creditLedgerService.Consume),
		unaryMethod(methodRelease, creditLedgerService.Release),
		unaryMethod(methodGrant, creditLedgerService.Grant),
		unaryMethod(methodListTransactions, creditLedgerService.ListTransactions),
		unaryMethod(methodExpireStaleReservations, creditLedgerService.ExpireStaleReservations),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credit/v1/ledger.proto",
}

func unaryMethod(name string, call func(creditLedgerService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := dec(request); err != nil {
				return nil, err
			}
			service := srv.(creditLedgerService)
			if interceptor == nil {
				return call(service, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return call(service, ctx, request.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// CreditLedgerServer adapts *ledger.Service to the gRPC surface.
type CreditLedgerServer struct {
	credits *ledger.Service
}

// NewCreditLedgerServer constructs a gRPC server for the credit service.
func NewCreditLedgerServer(credits *ledger.Service) (*CreditLedgerServer, error) {
	if credits == nil {
		return nil, fmt.Errorf("%w: credit service is nil", ledger.ErrInvalidServiceConfig)
	}
	return &CreditLedgerServer{credits: credits}, nil
}

// Register attaches server to registrar.
func Register(registrar grpc.ServiceRegistrar, server *CreditLedgerServer) {
	registrar.RegisterService(&serviceDesc, server)
}

func (server *CreditLedgerServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, err := server.credits.Balance(ctx, userID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		"available":           balance.Available,
		"reserved":            balance.Reserved,
		"total_consumed":      balance.TotalConsumed,
		"consumed_this_month": balance.ConsumedThisMonth,
		"transaction_count":   balance.TransactionCount,
	})
}

func (server *CreditLedgerServer) Reserve(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := amountField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	var options ledger.ReserveOptions
	if rawKey := stringField(request, fieldIdempotencyKey); rawKey != "" {
		if options.IdempotencyKey, err = ledger.NewIdempotencyKey(rawKey); err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	if options.ReferenceID, err = ledger.NewReferenceID(stringField(request, fieldReferenceID)); err != nil {
		return nil, mapToGRPCError(err)
	}
	if options.Description, err = ledger.NewDescription(stringField(request, fieldDescription)); err != nil {
		return nil, mapToGRPCError(err)
	}
	reservationID, err := server.credits.Reserve(ctx, userID, amount, options)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{fieldReservationID: reservationID.String()})
}

func (server *CreditLedgerServer) Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.settle(ctx, request, server.credits.Consume)
}

func (server *CreditLedgerServer) Release(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.settle(ctx, request, server.credits.Release)
}

func (server *CreditLedgerServer) settle(ctx context.Context, request *structpb.Struct, transition func(context.Context, ledger.UserID, ledger.ReservationID) error) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	reservationID, err := ledger.NewReservationID(stringField(request, fieldReservationID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if err := transition(ctx, userID, reservationID); err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{"ok": true})
}

func (server *CreditLedgerServer) Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := amountField(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	grantType, err := ledger.ParseGrantType(stringField(request, fieldType))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	description, err := ledger.NewDescription(stringField(request, fieldDescription))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionID, err := server.credits.Grant(ctx, userID, amount, grantType, description)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{fieldTransactionID: transactionID.String()})
}

func (server *CreditLedgerServer) ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	page := ledger.NewPage(int(numberField(request, fieldLimit)), int(numberField(request, fieldOffset)))
	transactions, err := server.credits.ListTransactions(ctx, userID, page)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	items := make([]any, 0, len(transactions))
	for _, transaction := range transactions {
		item := map[string]any{
			"id":                transaction.ID.String(),
			fieldUserID:         transaction.UserID.String(),
			fieldAmount:         transaction.Amount.Int64(),
			fieldType:           transaction.Type.String(),
			"status":            transaction.Status.String(),
			fieldIdempotencyKey: transaction.IdempotencyKey.String(),
			fieldReferenceID:    transaction.ReferenceID.String(),
			fieldDescription:    transaction.Description.String(),
			"created_at":        transaction.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if !transaction.ReservationID.IsZero() {
			item[fieldReservationID] = transaction.ReservationID.String()
		}
		items = append(items, item)
	}
	return newStruct(map[string]any{fieldTransactions: items})
}

func (server *CreditLedgerServer) ExpireStaleReservations(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	olderThan := time.Duration(numberField(request, fieldOlderThanSeconds) * float64(time.Second))
	result, err := server.credits.ExpireStaleReservations(ctx, olderThan)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(sweepResultFields(result))
}

func sweepResultFields(result ledger.SweepResult) map[string]any {
	return map[string]any{
		"candidates": result.Candidates,
		"released":   result.Released,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
	}
}

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func numberField(request *structpb.Struct, name string) float64 {
	return request.GetFields()[name].GetNumberValue()
}

func amountField(request *structpb.Struct) (ledger.CreditAmount, error) {
	raw := numberField(request, fieldAmount)
	if raw != math.Trunc(raw) || raw > math.MaxInt64 {
		return 0, fmt.Errorf("%w: amount must be an integer", ledger.ErrInvalidAmount)
	}
	return ledger.NewCreditAmount(int64(raw))
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func mapToGRPCError(source error) error {
	switch {
	case ledger.IsValidationError(source):
		return status.Error(codes.InvalidArgument, source.Error())
	case errors.Is(source, ledger.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	case errors.Is(source, ledger.ErrReservationNotFound):
		return status.Error(codes.NotFound, errorReservationNotFound)
	case errors.Is(source, ledger.ErrReservationConflict):
		return status.Error(codes.Aborted, errorReservationConflict)
	case errors.Is(source, ledger.ErrServiceUnavailable):
		return status.Error(codes.Unavailable, errorServiceUnavailable)
	case errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, source.Error())
	case errors.Is(source, context.Canceled):
		return status.Error(codes.Canceled, source.Error())
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
