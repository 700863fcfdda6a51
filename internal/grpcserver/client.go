package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote credit ledger. Status codes are mapped back onto
// the ledger's domain errors.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response); err != nil {
		return nil, fromGRPCError(err)
	}
	return response, nil
}

// Balance fetches the user's derived balance.
func (client *Client) Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	response, err := client.invoke(ctx, methodGetBalance, map[string]any{fieldUserID: userID.String()})
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		Available:         int64(numberField(response, "available")),
		Reserved:          int64(numberField(response, "reserved")),
		TotalConsumed:     int64(numberField(response, "total_consumed")),
		ConsumedThisMonth: int64(numberField(response, "consumed_this_month")),
		TransactionCount:  int64(numberField(response, "transaction_count")),
	}, nil
}

// Reserve holds amount credits for userID.
func (client *Client) Reserve(ctx context.Context, userID ledger.UserID, amount ledger.CreditAmount, options ledger.ReserveOptions) (ledger.ReservationID, error) {
	response, err := client.invoke(ctx, methodReserve, map[string]any{
		fieldUserID:         userID.String(),
		fieldAmount:         amount.Int64(),
		fieldIdempotencyKey: options.IdempotencyKey.String(),
		fieldReferenceID:    options.ReferenceID.String(),
		fieldDescription:    options.Description.String(),
	})
	if err != nil {
		return ledger.ReservationID{}, err
	}
	return ledger.NewReservationID(stringField(response, fieldReservationID))
}

// Consume finalizes a reservation.
func (client *Client) Consume(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) error {
	_, err := client.invoke(ctx, methodConsume, map[string]any{fieldUserID: userID.String(), fieldReservationID: reservationID.String()})
	return err
}

// Release returns reserved credits.
func (client *Client) Release(ctx context.Context, userID ledger.UserID, reservationID ledger.ReservationID) error {
	_, err := client.invoke(ctx, methodRelease, map[string]any{fieldUserID: userID.String(), fieldReservationID: reservationID.String()})
	return err
}

// Grant adds credits of grantType to userID.
func (client *Client) Grant(ctx context.Context, userID ledger.UserID, amount ledger.CreditAmount, grantType ledger.TransactionType, description ledger.Description) (ledger.TransactionID, error) {
	response, err := client.invoke(ctx, methodGrant, map[string]any{
		fieldUserID:      userID.String(),
		fieldAmount:      amount.Int64(),
		fieldType:        grantType.String(),
		fieldDescription: description.String(),
	})
	if err != nil {
		return ledger.TransactionID{}, err
	}
	return ledger.NewTransactionID(stringField(response, fieldTransactionID))
}

// ExpireStaleReservations asks the remote ledger to sweep; it lets an
// external scheduler drive the sweeper.
func (client *Client) ExpireStaleReservations(ctx context.Context, olderThan time.Duration) (ledger.SweepResult, error) {
	response, err := client.invoke(ctx, methodExpireStaleReservations, map[string]any{fieldOlderThanSeconds: olderThan.Seconds()})
	if err != nil {
		return ledger.SweepResult{}, err
	}
	return ledger.SweepResult{
		Candidates: int(numberField(response, "candidates")),
		Released:   int(numberField(response, "released")),
		Skipped:    int(numberField(response, "skipped")),
		Failed:     int(numberField(response, "failed")),
	}, nil
}

func fromGRPCError(err error) error {
	statusInfo, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch statusInfo.Code() {
	case codes.FailedPrecondition:
		if statusInfo.Message() == errorInsufficientCredits {
			return errors.Join(ledger.ErrInsufficientCredits, err)
		}
	case codes.NotFound:
		return errors.Join(ledger.ErrReservationNotFound, err)
	case codes.Aborted:
		return errors.Join(ledger.ErrReservationConflict, err)
	case codes.Unavailable, codes.DeadlineExceeded:
		return errors.Join(ledger.ErrServiceUnavailable, err)
	}
	return err
}
