package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreBackend      = "store-backend"
	flagHTTPListenAddr    = "http-listen-addr"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagGRPCAuthToken     = "grpc-auth-token"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagGoogleClientID    = "google-client-id"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagSweepInterval     = "sweep-interval"
	flagSweepOlderThan    = "sweep-older-than"
	flagRateLimit         = "rate-limit"
	flagOpenAIAPIKey      = "openai-api-key"
	flagOpenAIModel       = "openai-model"
	flagOpenAIBaseURL     = "openai-base-url"
	flagDiagnosisCost     = "diagnosis-cost"
	flagRequestTimeout    = "request-timeout"
	flagAITimeout         = "ai-timeout"
	flagLedgerAddr        = "ledger-addr"
	flagOlderThan         = "older-than"

	envPrefix             = "CREDITD"
	envFile               = ".env"
	defaultDatabaseURL    = "sqlite:///tmp/iris-credits.db"
	defaultStoreBackend   = storeBackendGORM
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = "127.0.0.1:7000"
	defaultSweepInterval  = 5 * time.Minute
	defaultSweepOlderThan = 30 * time.Minute
	defaultRateLimit      = "300-M"
	defaultOpenAIModel    = "gpt-4"
	defaultDiagnosisCost  = 1
	defaultRequestTimeout = 30 * time.Second
	defaultAITimeout      = 60 * time.Second

	storeBackendGORM = "gorm"
	storeBackendPGX  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreBackend      string
	HTTPListenAddr    string
	GRPCListenAddr    string
	GRPCAuthToken     string
	AllowedOrigins    []string
	JWTSigningKey     string
	JWTIssuer         string
	GoogleClientID    string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	SweepInterval     time.Duration
	SweepOlderThan    time.Duration
	RateLimit         string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	DiagnosisCost     int64
	RequestTimeout    time.Duration
	AITimeout         time.Duration
	LedgerAddr        string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "IRIS credit ledger: HTTP gateway, internal gRPC and reservation sweeper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, v, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database url: sqlite path, sqlite://, postgres:// or mysql://")
	flags.String(flagStoreBackend, defaultStoreBackend, "ledger store: gorm or pgx (postgres stored procedures)")

	cmd.AddCommand(newServeCommand(cfg), newSweepCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func loadConfig(cmd *cobra.Command, v *viper.Viper, cfg *runtimeConfig) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreBackend)))
	cfg.HTTPListenAddr = v.GetString(flagHTTPListenAddr)
	cfg.GRPCListenAddr = v.GetString(flagGRPCListenAddr)
	cfg.GRPCAuthToken = v.GetString(flagGRPCAuthToken)
	cfg.AllowedOrigins = parseList(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = v.GetString(flagJWTIssuer)
	cfg.GoogleClientID = v.GetString(flagGoogleClientID)
	cfg.SessionSigningKey = v.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = v.GetString(flagSessionIssuer)
	cfg.SessionCookieName = v.GetString(flagSessionCookieName)
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.SweepOlderThan = v.GetDuration(flagSweepOlderThan)
	cfg.RateLimit = v.GetString(flagRateLimit)
	cfg.OpenAIAPIKey = v.GetString(flagOpenAIAPIKey)
	cfg.OpenAIModel = v.GetString(flagOpenAIModel)
	cfg.OpenAIBaseURL = v.GetString(flagOpenAIBaseURL)
	cfg.DiagnosisCost = v.GetInt64(flagDiagnosisCost)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.AITimeout = v.GetDuration(flagAITimeout)
	cfg.LedgerAddr = v.GetString(flagLedgerAddr)
	if cmd.Flags().Lookup(flagOlderThan) != nil {
		cfg.SweepOlderThan = v.GetDuration(flagOlderThan)
	}
	return cfg.validate()
}

func (cfg *runtimeConfig) validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	switch cfg.StoreBackend {
	case storeBackendGORM:
	case storeBackendPGX:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("%s=%s requires a postgres database url", flagStoreBackend, storeBackendPGX)
		}
	default:
		return fmt.Errorf("unsupported %s %q", flagStoreBackend, cfg.StoreBackend)
	}
	if cfg.SweepOlderThan < 0 || cfg.SweepInterval < 0 {
		return fmt.Errorf("%s and %s must not be negative", flagSweepInterval, flagSweepOlderThan)
	}
	return nil
}

// validateGRPCExposure refuses to serve the internal gRPC surface beyond
// loopback without a service token.
func (cfg *runtimeConfig) validateGRPCExposure() error {
	if cfg.GRPCListenAddr == "" || cfg.GRPCAuthToken != "" {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("%s: %w", flagGRPCListenAddr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%s=%s is reachable beyond loopback; set %s", flagGRPCListenAddr, cfg.GRPCListenAddr, flagGRPCAuthToken)
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
