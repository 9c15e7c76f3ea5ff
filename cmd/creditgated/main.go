package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fortuna-labs/creditgate/internal/gateway"
	"github.com/fortuna-labs/creditgate/internal/store/gormstore"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagRedisAddr         = "redis-addr"
	flagOpenAIAPIKey      = "openai-api-key"
	flagOpenAIBaseURL     = "openai-base-url"
	flagPaymentSecretKey  = "payment-secret-key"
	flagPaymentBaseURL    = "payment-base-url"
	flagServiceCosts      = "service-costs"
	flagCreditPackages    = "credit-packages"

	defaultDatabaseURL    = "sqlite:///tmp/creditgate.db"
	defaultHTTPListenAddr = ":8080"
	defaultServiceCosts   = "summary=5,describe=10,avatar=20"
	defaultPackages       = "5000=50,9000=100,30000=360"
)

var environmentKeys = map[string]string{
	flagDatabaseURL:       "DATABASE_URL",
	flagListenAddr:        "LISTEN_ADDR",
	flagAllowedOrigins:    "ALLOWED_ORIGINS",
	flagSessionSigningKey: "SESSION_SIGNING_KEY",
	flagSessionIssuer:     "SESSION_ISSUER",
	flagSessionCookieName: "SESSION_COOKIE_NAME",
	flagRedisAddr:         "REDIS_ADDR",
	flagOpenAIAPIKey:      "OPENAI_API_KEY",
	flagOpenAIBaseURL:     "OPENAI_BASE_URL",
	flagPaymentSecretKey:  "PAYMENT_SECRET_KEY",
	flagPaymentBaseURL:    "PAYMENT_BASE_URL",
	flagServiceCosts:      "SERVICE_COSTS",
	flagCreditPackages:    "CREDIT_PACKAGES",
}

type runtimeConfig struct {
	DatabaseURL string
	Gateway     gateway.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditgated: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditgated",
		Short:         "Credit-metered AI gateway server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for session cookies")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagRedisAddr, "", "redis address for the template cache (optional)")
	cmd.Flags().String(flagOpenAIAPIKey, "", "AI provider API key")
	cmd.Flags().String(flagOpenAIBaseURL, "", "AI provider base URL override")
	cmd.Flags().String(flagPaymentSecretKey, "", "payment provider secret key")
	cmd.Flags().String(flagPaymentBaseURL, "", "payment provider base URL override")
	cmd.Flags().String(flagServiceCosts, defaultServiceCosts, "service_type=credits pairs")
	cmd.Flags().String(flagCreditPackages, defaultPackages, "amount=credits pairs for purchases")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for flagName, envName := range environmentKeys {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}

	serviceCosts, err := gateway.ParseServiceCosts(viper.GetString("service_costs"))
	if err != nil {
		return fmt.Errorf("service costs: %w", err)
	}
	creditPackages, err := gateway.ParseCreditPackages(viper.GetString("credit_packages"))
	if err != nil {
		return fmt.Errorf("credit packages: %w", err)
	}

	cfg.Gateway = gateway.Config{
		ListenAddr:        viper.GetString("listen_addr"),
		AllowedOrigins:    gateway.ParseAllowedOrigins(viper.GetString("allowed_origins")),
		SessionSigningKey: viper.GetString("session_signing_key"),
		SessionIssuer:     viper.GetString("session_issuer"),
		SessionCookieName: viper.GetString("session_cookie_name"),
		DatabaseURL:       cfg.DatabaseURL,
		RedisAddr:         viper.GetString("redis_addr"),
		OpenAIAPIKey:      viper.GetString("openai_api_key"),
		OpenAIBaseURL:     viper.GetString("openai_base_url"),
		PaymentSecretKey:  viper.GetString("payment_secret_key"),
		PaymentBaseURL:    viper.GetString("payment_base_url"),
		ServiceCosts:      serviceCosts,
		CreditPackages:    creditPackages,
	}
	return cfg.Gateway.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.AutoMigrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	return gateway.Run(ctx, cfg.Gateway, store, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditgate.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
