package httpgateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"
)

const (
	contextKeyUserID     = "credit_user_id"
	contextKeyAuthClaims = "auth_claims"
)

// requestLogger records one line per request once the handler chain returns.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if userID := ctx.GetString(contextKeyUserID); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		if ctx.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request completed", fields...)
			return
		}
		logger.Info("request completed", fields...)
	}
}

// rateLimit throttles requests per client IP.
func rateLimit(limiterInstance *limiter.Limiter, logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ip := ctx.ClientIP()
		limit, err := limiterInstance.Get(ctx.Request.Context(), ip)
		if err != nil {
			logger.Error("rate limit lookup failed", zap.String("ip", ip), zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(messageInternal))
			return
		}
		if limit.Reached {
			logger.Warn("rate limit exceeded", zap.String("ip", ip), zap.Int64("limit", limit.Limit))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody(messageTooManyRequests))
			return
		}
		ctx.Next()
	}
}

// bearerAuth resolves the Authorization header through verifier. Requests
// without a header fall through to the session middleware when one is
// configured.
func bearerAuth(verifier auth.Verifier, sessionsEnabled bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if header == "" && sessionsEnabled {
			ctx.Next()
			return
		}
		if verifier == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(messageUnauthorized))
			return
		}
		token, err := auth.BearerToken(header)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(messageUnauthorized))
			return
		}
		userID, err := verifier.Verify(ctx.Request.Context(), token)
		if err != nil {
			message := messageUnauthorized
			if errors.Is(err, auth.ErrTokenExpired) {
				message = messageTokenExpired
			}
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(message))
			return
		}
		ctx.Set(contextKeyUserID, userID)
		ctx.Next()
	}
}

// sessionAuth validates the session cookie unless a bearer token already
// authenticated the request.
func sessionAuth(validator *sessionvalidator.Validator) gin.HandlerFunc {
	validate := validator.GinMiddleware(contextKeyAuthClaims)
	return func(ctx *gin.Context) {
		if ctx.GetString(contextKeyUserID) != "" {
			ctx.Next()
			return
		}
		validate(ctx)
	}
}

// requireUser copies session claims into the user id slot and rejects
// requests that no authenticator accepted.
func requireUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.GetString(contextKeyUserID) == "" {
			if claims := sessionClaims(ctx); claims != nil && claims.GetUserID() != "" {
				ctx.Set(contextKeyUserID, claims.GetUserID())
			}
		}
		if ctx.GetString(contextKeyUserID) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(messageUnauthorized))
			return
		}
		ctx.Next()
	}
}

func sessionClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(contextKeyAuthClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
