// Package httpgateway exposes the credit ledger and charged diagnoses over
// authenticated HTTP.
package httpgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/internal/auth"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/diagnosis"
	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

var (
	ErrInvalidDependencies = errors.New("invalid gateway dependencies")

	registerValidationsOnce sync.Once
	registerValidationsErr  error
)

// Dependencies are the collaborators served by the gateway. Diagnoses is
// optional; without it the diagnosis route is not mounted.
type Dependencies struct {
	Credits   *ledger.Service
	Diagnoses *diagnosis.Service
	Verifier  auth.Verifier
	Logger    *zap.Logger
}

// Server is the HTTP gateway.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *zap.Logger
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Credits == nil {
		return nil, fmt.Errorf("%w: credit service is nil", ErrInvalidDependencies)
	}
	if deps.Verifier == nil && !cfg.SessionEnabled() {
		return nil, fmt.Errorf("%w: a token verifier or session signing key is required", ErrInvalidDependencies)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := registerValidations(); err != nil {
		return nil, fmt.Errorf("register validations: %w", err)
	}

	rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	limiterInstance := limiter.New(memory.NewStore(), rate)

	var sessions *sessionvalidator.Validator
	if cfg.SessionEnabled() {
		sessions, err = sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return nil, fmt.Errorf("session validator: %w", err)
		}
	}

	handler := &httpHandler{
		credits:   deps.Credits,
		diagnoses: deps.Diagnoses,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
	router := setupRouter(cfg, handler, routerAuth{verifier: deps.Verifier, sessions: sessions}, limiterInstance, logger)
	return &Server{cfg: cfg, router: router, logger: logger}, nil
}

// Handler exposes the router, mainly for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http gateway listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type routerAuth struct {
	verifier auth.Verifier
	sessions *sessionvalidator.Validator
}

func setupRouter(cfg Config, handler *httpHandler, authn routerAuth, limiterInstance *limiter.Limiter, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(rateLimit(limiterInstance, logger))

	router.GET("/health", handler.handleHealth)
	router.GET("/health/db", handler.handleDatabaseHealth)

	api := router.Group("/api")
	api.Use(bearerAuth(authn.verifier, authn.sessions != nil))
	if authn.sessions != nil {
		api.Use(sessionAuth(authn.sessions))
	}
	api.Use(requireUser())

	credits := api.Group("/credits")
	credits.GET("/balance", handler.handleBalance)
	credits.POST("/reserve", handler.handleReserve)
	credits.POST("/consume", handler.handleConsume)
	credits.POST("/release", handler.handleRelease)
	credits.POST("/grant", handler.handleGrant)
	credits.GET("/transactions", handler.handleTransactions)

	if handler.diagnoses != nil {
		api.POST("/diagnoses", handler.handleDiagnosis)
	}
	return router
}

// registerValidations installs the custom tags on gin's shared validator.
func registerValidations() error {
	registerValidationsOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerValidationsErr = errors.New("gin validator engine is not go-playground/validator")
			return
		}
		engine.RegisterTagNameFunc(jsonFieldName)
		registerValidationsErr = engine.RegisterValidation(tagCreditGrantType, validateGrantType)
	})
	return registerValidationsErr
}

const tagCreditGrantType = "credit_grant_type"

func validateGrantType(field validator.FieldLevel) bool {
	_, err := ledger.ParseGrantType(field.Field().String())
	return err == nil
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return field.Name
	}
	return name
}
