package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/internal/auth"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/diagnosis"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/httpgateway"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/oplog"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/sweeper"
	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, the internal gRPC server and the reservation sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP gateway listen address")
	flags.String(flagGRPCListenAddr, defaultGRPCListenAddr, "internal gRPC listen address (empty disables)")
	flags.String(flagGRPCAuthToken, "", "service token required from gRPC callers; mandatory beyond loopback")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens")
	flags.String(flagJWTIssuer, "", "expected bearer token issuer (empty skips the check)")
	flags.String(flagGoogleClientID, "", "Google OAuth client id; enables Google ID token verification")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key; enables cookie sessions")
	flags.String(flagSessionIssuer, "", "expected TAuth session issuer")
	flags.String(flagSessionCookieName, "", "TAuth session cookie name")
	flags.Duration(flagSweepInterval, defaultSweepInterval, "in-process sweep interval (0 disables)")
	flags.Duration(flagSweepOlderThan, defaultSweepOlderThan, "release reservations pending longer than this")
	flags.String(flagRateLimit, defaultRateLimit, "per-client rate limit, e.g. 300-M")
	flags.String(flagOpenAIAPIKey, "", "OpenAI API key; enables POST /api/diagnoses")
	flags.String(flagOpenAIModel, defaultOpenAIModel, "OpenAI chat model")
	flags.String(flagOpenAIBaseURL, "", "OpenAI API base url")
	flags.Int64(flagDiagnosisCost, defaultDiagnosisCost, "credits charged per diagnosis")
	flags.Duration(flagRequestTimeout, defaultRequestTimeout, "store call timeout for gateway requests")
	flags.Duration(flagAITimeout, defaultAITimeout, "timeout for a diagnosis generation")
	return cmd
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	if err := cfg.validateGRPCExposure(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	credits, err := ledger.NewService(store, time.Now, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	verifier, err := buildVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	diagnoses, err := buildDiagnoses(cfg, credits)
	if err != nil {
		return err
	}

	gateway, err := httpgateway.NewServer(httpgateway.Config{
		ListenAddr:        cfg.HTTPListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimit:         cfg.RateLimit,
		RequestTimeout:    cfg.RequestTimeout,
		AITimeout:         cfg.AITimeout,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
	}, httpgateway.Dependencies{
		Credits:   credits,
		Diagnoses: diagnoses,
		Verifier:  verifier,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return gateway.Run(groupCtx)
	})
	if cfg.GRPCListenAddr != "" {
		grpcService, err := grpcserver.NewCreditLedgerServer(credits)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return serveGRPC(groupCtx, cfg.GRPCListenAddr, cfg.GRPCAuthToken, grpcService, logger)
		})
	}
	if cfg.SweepInterval > 0 {
		reservationSweeper, err := sweeper.New(credits, sweeper.Config{Interval: cfg.SweepInterval, OlderThan: cfg.SweepOlderThan}, logger)
		if err != nil {
			return err
		}
		group.Go(func() error {
			reservationSweeper.Run(groupCtx)
			return nil
		})
	}
	return group.Wait()
}

// buildVerifier chains every configured bearer verifier. It returns nil
// when only cookie sessions are configured.
func buildVerifier(ctx context.Context, cfg *runtimeConfig) (auth.Verifier, error) {
	var verifiers []auth.Verifier
	if cfg.JWTSigningKey != "" {
		hmacVerifier, err := auth.NewHMACVerifier(cfg.JWTSigningKey, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, hmacVerifier)
	}
	if cfg.GoogleClientID != "" {
		googleVerifier, err := auth.NewGoogleVerifier(ctx, cfg.GoogleClientID)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, googleVerifier)
	}
	if len(verifiers) == 0 {
		if cfg.SessionSigningKey != "" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: set %s, %s or %s", auth.ErrInvalidAuthConfig, flagJWTSigningKey, flagGoogleClientID, flagSessionSigningKey)
	}
	return auth.NewChainVerifier(verifiers...)
}

func buildDiagnoses(cfg *runtimeConfig, credits *ledger.Service) (*diagnosis.Service, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, nil
	}
	generator, err := diagnosis.NewOpenAIGenerator(diagnosis.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.AITimeout,
	})
	if err != nil {
		return nil, err
	}
	return diagnosis.NewService(credits, generator, cfg.DiagnosisCost)
}

func serveGRPC(ctx context.Context, listenAddr string, authToken string, service *grpcserver.CreditLedgerServer, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	var options []grpc.ServerOption
	if authToken != "" {
		options = append(options, grpc.UnaryInterceptor(grpcserver.TokenInterceptor(authToken)))
	}
	grpcServer := grpc.NewServer(options...)
	grpcserver.Register(grpcServer, service)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
