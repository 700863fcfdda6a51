package httpgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/internal/diagnosis"
	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	messageUnauthorized      = "Authentication required"
	messageTokenExpired      = "Token has expired"
	messageTooManyRequests   = "Too many requests. Please try again later."
	messageInsufficient      = "Insufficient credits"
	messageNotFound          = "Reservation not found"
	messageConflict          = "Reservation already processed"
	messageChargeReplayed    = "Request with this idempotency key was already submitted"
	messageUnavailable       = "Credit service temporarily unavailable. Please try again later."
	messageGenerationFailed  = "Diagnosis generation failed"
	messageSettlementFailed  = "Credit charge could not be settled"
	messageInternal          = "Internal server error"
	messageInvalidBody       = "Invalid request body"
	headerIdempotencyKey     = "Idempotency-Key"
	healthStatusOK           = "ok"
	healthStatusError        = "error"
	databaseStateConnected   = "connected"
	databaseStateUnreachable = "disconnected"
)

type httpHandler struct {
	credits   *ledger.Service
	diagnoses *diagnosis.Service
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

type reserveRequest struct {
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" binding:"omitempty,max=255"`
	ReferenceID    string `json:"reference_id" binding:"omitempty,max=255"`
	Description    string `json:"description" binding:"omitempty,max=500"`
}

type settleRequest struct {
	ReservationID string `json:"reservation_id" binding:"required,uuid"`
}

type grantRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Type        string `json:"type" binding:"omitempty,credit_grant_type"`
	Description string `json:"description" binding:"omitempty,max=500"`
}

type diagnosisRequest struct {
	ConsultancyID string `json:"consultancy_id" binding:"required,uuid"`
	Title         string `json:"title" binding:"required,min=1,max=300"`
	ClientName    string `json:"client_name" binding:"omitempty,max=300"`
}

type balancePayload struct {
	Available         int64 `json:"available"`
	Reserved          int64 `json:"reserved"`
	TotalConsumed     int64 `json:"total_consumed"`
	ConsumedThisMonth int64 `json:"consumed_this_month"`
	TransactionCount  int64 `json:"transaction_count"`
}

type transactionPayload struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ReservationID  string `json:"reservation_id,omitempty"`
	Description    string `json:"description,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type diagnosisPayload struct {
	Content       diagnosis.Content `json:"content"`
	TokensUsed    int64             `json:"tokens_used"`
	ReservationID string            `json:"reservation_id"`
}

func (handler *httpHandler) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status":    healthStatusOK,
		"timestamp": handler.now().UTC().Format(time.RFC3339),
	})
}

func (handler *httpHandler) handleDatabaseHealth(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.credits.Ping(requestCtx); err != nil {
		handler.logger.Warn("database health check failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": healthStatusError, "database": databaseStateUnreachable})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": healthStatusOK, "database": databaseStateConnected})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.credits.Balance(requestCtx, userID)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"data": balancePayload{
		Available:         balance.Available,
		Reserved:          balance.Reserved,
		TotalConsumed:     balance.TotalConsumed,
		ConsumedThisMonth: balance.ConsumedThisMonth,
		TransactionCount:  balance.TransactionCount,
	}})
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	var request reserveRequest
	if !handler.bind(ctx, &request) {
		return
	}
	amount, err := ledger.NewCreditAmount(request.Amount)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	options, err := reserveOptions(request)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	reservationID, err := handler.credits.Reserve(requestCtx, userID, amount, options)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"data": gin.H{"reservation_id": reservationID.String()}})
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	handler.handleSettle(ctx, handler.credits.Consume)
}

func (handler *httpHandler) handleRelease(ctx *gin.Context) {
	handler.handleSettle(ctx, handler.credits.Release)
}

func (handler *httpHandler) handleSettle(ctx *gin.Context, settle func(context.Context, ledger.UserID, ledger.ReservationID) error) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	var request settleRequest
	if !handler.bind(ctx, &request) {
		return
	}
	reservationID, err := ledger.NewReservationID(request.ReservationID)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := settle(requestCtx, userID, reservationID); err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	var request grantRequest
	if !handler.bind(ctx, &request) {
		return
	}
	amount, err := ledger.NewCreditAmount(request.Amount)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	grantType, err := ledger.ParseGrantType(request.Type)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	description, err := ledger.NewDescription(request.Description)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	transactionID, err := handler.credits.Grant(requestCtx, userID, amount, grantType, description)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"data": gin.H{"transaction_id": transactionID.String()}})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	page := ledger.NewPage(queryInt(ctx, "limit"), queryInt(ctx, "offset"))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	transactions, err := handler.credits.ListTransactions(requestCtx, userID, page)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, toTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"data": payload})
}

func (handler *httpHandler) handleDiagnosis(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	var request diagnosisRequest
	if !handler.bind(ctx, &request) {
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.AITimeout)
	defer cancel()
	result, err := handler.diagnoses.Generate(requestCtx, userID, diagnosis.Request{
		ConsultancyID:  request.ConsultancyID,
		Title:          request.Title,
		ClientName:     request.ClientName,
		IdempotencyKey: ctx.GetHeader(headerIdempotencyKey),
	})
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"data": diagnosisPayload{
		Content:       result.Content,
		TokensUsed:    result.TokensUsed,
		ReservationID: result.ReservationID.String(),
	}})
}

func (handler *httpHandler) requireUserID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.GetString(contextKeyUserID))
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(messageUnauthorized))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) bind(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody(validationMessage(err)))
		return false
	}
	return true
}

// writeError maps domain failures onto HTTP statuses.
func (handler *httpHandler) writeError(ctx *gin.Context, err error) {
	status, message := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	ctx.JSON(status, errorBody(message))
}

func statusForError(err error) (int, string) {
	var settlementErr *ledger.SettlementError
	switch {
	case errors.As(err, &settlementErr):
		if errors.Is(err, ledger.ErrServiceUnavailable) {
			return http.StatusServiceUnavailable, messageSettlementFailed
		}
		return http.StatusInternalServerError, messageSettlementFailed
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, messageInsufficient
	case errors.Is(err, ledger.ErrReservationNotFound):
		return http.StatusNotFound, messageNotFound
	case errors.Is(err, ledger.ErrChargeReplayed):
		return http.StatusConflict, messageChargeReplayed
	case errors.Is(err, ledger.ErrReservationConflict):
		return http.StatusConflict, messageConflict
	case ledger.IsValidationError(err), errors.Is(err, diagnosis.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, diagnosis.ErrGenerationFailed):
		return http.StatusBadGateway, messageGenerationFailed
	case errors.Is(err, ledger.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, messageUnavailable
	default:
		return http.StatusInternalServerError, messageInternal
	}
}

func validationMessage(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return messageInvalidBody
	}
	messages := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		messages = append(messages, fieldMessage(fieldErr))
	}
	return strings.Join(messages, "; ")
}

func fieldMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fieldErr.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fieldErr.Field(), fieldErr.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fieldErr.Field(), fieldErr.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fieldErr.Field(), fieldErr.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", fieldErr.Field())
	case tagCreditGrantType:
		return fmt.Sprintf("%s must be one of purchase, monthly_grant", fieldErr.Field())
	default:
		return fmt.Sprintf("%s is invalid", fieldErr.Field())
	}
}

func reserveOptions(request reserveRequest) (ledger.ReserveOptions, error) {
	var options ledger.ReserveOptions
	if strings.TrimSpace(request.IdempotencyKey) != "" {
		key, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			return ledger.ReserveOptions{}, err
		}
		options.IdempotencyKey = key
	}
	referenceID, err := ledger.NewReferenceID(request.ReferenceID)
	if err != nil {
		return ledger.ReserveOptions{}, err
	}
	description, err := ledger.NewDescription(request.Description)
	if err != nil {
		return ledger.ReserveOptions{}, err
	}
	options.ReferenceID = referenceID
	options.Description = description
	return options, nil
}

func toTransactionPayload(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		ID:             transaction.ID.String(),
		UserID:         transaction.UserID.String(),
		Amount:         transaction.Amount.Int64(),
		Type:           transaction.Type.String(),
		Status:         transaction.Status.String(),
		IdempotencyKey: transaction.IdempotencyKey.String(),
		ReferenceID:    transaction.ReferenceID.String(),
		Description:    transaction.Description.String(),
		CreatedAt:      transaction.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !transaction.ReservationID.IsZero() {
		payload.ReservationID = transaction.ReservationID.String()
	}
	return payload
}

func queryInt(ctx *gin.Context, name string) int {
	value, err := strconv.Atoi(ctx.Query(name))
	if err != nil {
		return 0
	}
	return value
}

func errorBody(message string) gin.H {
	return gin.H{"error": message}
}
