package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/oplog"
	"github.com/MarkoPoloResearchLab/iris-credits/internal/sweeper"
	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newSweepCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release stale reservations once, for an external scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			expirer, cleanup, err := buildExpirer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			return runSweep(cmd.Context(), expirer, cfg.SweepOlderThan, logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Duration(flagOlderThan, defaultSweepOlderThan, "release reservations pending longer than this")
	cmd.Flags().String(flagLedgerAddr, "", "sweep through a running creditd gRPC endpoint instead of the database")
	cmd.Flags().String(flagGRPCAuthToken, "", "service token presented to the gRPC endpoint")
	return cmd
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema for the configured store backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrateSchema(cmd.Context(), cfg); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
}

// buildExpirer dials the remote ledger when an address is configured and
// otherwise opens the store directly.
func buildExpirer(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (sweeper.Expirer, func(), error) {
	if cfg.LedgerAddr != "" {
		options := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
		if cfg.GRPCAuthToken != "" {
			options = append(options, grpc.WithPerRPCCredentials(grpcserver.TokenCredentials(cfg.GRPCAuthToken)))
		}
		conn, err := grpc.NewClient(cfg.LedgerAddr, options...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect ledger: %w", err)
		}
		return grpcserver.NewClient(conn), func() { _ = conn.Close() }, nil
	}
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	credits, err := ledger.NewService(store, time.Now, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("credit service init: %w", err)
	}
	return credits, cleanup, nil
}

func runSweep(ctx context.Context, expirer sweeper.Expirer, olderThan time.Duration, logger *zap.Logger, out io.Writer) error {
	reservationSweeper, err := sweeper.New(expirer, sweeper.Config{OlderThan: olderThan}, logger)
	if err != nil {
		return err
	}
	result, err := reservationSweeper.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	_, err = fmt.Fprintf(out, "released=%d skipped=%d failed=%d candidates=%d\n", result.Released, result.Skipped, result.Failed, result.Candidates)
	return err
}
