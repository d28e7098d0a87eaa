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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/reelforge/creditd/config"
	"github.com/reelforge/creditd/internal/httpapi"
	"github.com/reelforge/creditd/internal/idemcache"
	"github.com/reelforge/creditd/internal/pricing"
	"github.com/reelforge/creditd/internal/store/gormstore"
	"github.com/reelforge/creditd/internal/store/pgstore"
	"github.com/reelforge/creditd/internal/watch"
	"github.com/reelforge/creditd/pkg/ledger"
)

const (
	flagConfig  = "config"
	flagAccount = "account"
	flagChange  = "change"
	flagNote    = "note"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and job admission service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, flagConfig, "", "path to the YAML config file")

	cmd.AddCommand(newServeCommand(&configPath))
	cmd.AddCommand(newAdjustCommand(&configPath))
	cmd.AddCommand(newVerifyCommand(&configPath))
	cmd.AddCommand(newSweepCommand(&configPath))

	return cmd
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the background sweeper and refund watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(ctx, cfg)
		},
	}
}

func newAdjustCommand(configPath *string) *cobra.Command {
	var accountID string
	var change int64
	var note string
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Force-adjust an account balance through a ledger entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runAdjust(cmd.Context(), cfg, accountID, change, note)
		},
	}
	cmd.Flags().StringVar(&accountID, flagAccount, "", "account to adjust")
	cmd.Flags().Int64Var(&change, flagChange, 0, "signed credit change")
	cmd.Flags().StringVar(&note, flagNote, "", "audit note recorded in the entry metadata")
	_ = cmd.MarkFlagRequired(flagAccount)
	_ = cmd.MarkFlagRequired(flagChange)
	return cmd
}

func newVerifyCommand(configPath *string) *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay ledger sums against denormalized balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runVerify(cmd.Context(), cfg, accountID)
		},
	}
	cmd.Flags().StringVar(&accountID, flagAccount, "", "verify a single account (default: all)")
	return cmd
}

func newSweepCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Collect expired idempotency records and lapse overdue subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runSweep(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// The server talks to Postgres through the native pgx pool; SQLite rides
	// GORM and gets its schema migrated in place for local runs.
	driver, _, err := resolveDriver(cfg.Database.URL)
	if err != nil {
		return err
	}
	var store ledger.Store
	if driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database open: %w", err)
		}
		defer pool.Close()
		store = pgstore.New(pool)
	} else {
		gormDB, cleanup, _, err := openDatabase(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database open: %w", err)
		}
		defer func() { _ = cleanup() }()
		if err := prepareSchema(gormDB, driver); err != nil {
			return err
		}
		store = gormstore.New(gormDB)
	}

	var resultCache ledger.ResultCache
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()
		resultCache = idemcache.New(client)
		logger.Info("admission cache enabled", zap.String("addr", cfg.Redis.Addr()))
	}

	refundWatch := watch.NewRefundWatch(watch.Config{
		Window:    cfg.Abuse.Window(),
		Threshold: cfg.Abuse.Threshold,
		Logger:    logger,
	})

	creditService, err := buildService(cfg, store, logger, resultCache, refundWatch)
	if err != nil {
		return err
	}

	go func() { _ = refundWatch.Start(ctx) }()
	go runSweeper(ctx, creditService, cfg.Ledger.SweepInterval(), logger)

	apiServer := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		Mode:           cfg.Server.Mode,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthSecret:     cfg.Auth.Secret,
	}, creditService, logger)

	return apiServer.Run(ctx)
}

func runAdjust(ctx context.Context, cfg *config.Config, rawAccountID string, change int64, note string) error {
	service, cleanup, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	accountID, err := ledger.NewAccountID(rawAccountID)
	if err != nil {
		return err
	}
	result, err := service.AdminAdjust(ctx, accountID, ledger.Credits(change), note)
	if err != nil {
		return err
	}
	fmt.Printf("adjusted %s by %+d, new balance %d\n", result.AccountID, result.Change.Int64(), result.NewBalance.Int64())
	return nil
}

func runVerify(ctx context.Context, cfg *config.Config, rawAccountID string) error {
	service, cleanup, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	var reports []ledger.VerifyReport
	if rawAccountID != "" {
		accountID, err := ledger.NewAccountID(rawAccountID)
		if err != nil {
			return err
		}
		report, err := service.Verify(ctx, accountID)
		if err != nil {
			return err
		}
		reports = []ledger.VerifyReport{report}
	} else {
		reports, err = service.VerifyAll(ctx)
		if err != nil {
			return err
		}
	}

	drifted := 0
	for _, report := range reports {
		if report.Consistent {
			continue
		}
		drifted++
		fmt.Printf("DRIFT %s: ledger sum %d, credits remaining %d\n",
			report.AccountID, report.LedgerSum.Int64(), report.CreditsRemaining.Int64())
	}
	fmt.Printf("verified %d accounts, %d inconsistent\n", len(reports), drifted)
	if drifted > 0 {
		return fmt.Errorf("%d accounts inconsistent", drifted)
	}
	return nil
}

func runSweep(ctx context.Context, cfg *config.Config) error {
	service, cleanup, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	removed, err := service.SweepIdempotency(ctx)
	if err != nil {
		return err
	}
	expired, err := service.ExpireLapsed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d idempotency records, expired %d subscriptions\n", removed, expired)
	return nil
}

// openService builds the service for the one-shot verbs, without cache or
// refund watch.
func openService(ctx context.Context, cfg *config.Config) (*ledger.Service, func() error, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}

	service, err := buildService(cfg, gormstore.New(gormDB), logger, nil, nil)
	if err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	closeAll := func() error {
		_ = logger.Sync()
		return cleanup()
	}
	return service, closeAll, nil
}

func buildService(cfg *config.Config, store ledger.Store, logger *zap.Logger, cache ledger.ResultCache, observer ledger.RefundObserver) (*ledger.Service, error) {
	catalog, err := pricing.NewCatalog(cfg.Pricing.Catalog)
	if err != nil {
		return nil, fmt.Errorf("pricing catalog: %w", err)
	}
	policy, err := ledger.ParseOverdraftPolicy(cfg.Ledger.OverdraftPolicy)
	if err != nil {
		return nil, fmt.Errorf("overdraft policy: %w", err)
	}

	options := []ledger.ServiceOption{
		ledger.WithOverdraftPolicy(policy),
		ledger.WithIdempotencyTTL(cfg.Ledger.IdempotencyTTL()),
		ledger.WithGraceWindow(cfg.Ledger.GraceWindow()),
		ledger.WithInitialGrant(ledger.Credits(cfg.Ledger.InitialGrant)),
		ledger.WithOperationLogger(zapOperationLogger{logger: logger}),
	}
	if cache != nil {
		options = append(options, ledger.WithResultCache(cache))
	}
	if observer != nil {
		options = append(options, ledger.WithRefundObserver(observer))
	}

	service, err := ledger.NewService(store, catalog, utcClock, options...)
	if err != nil {
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	return service, nil
}

func utcClock() int64 {
	return time.Now().UTC().Unix()
}

func runSweeper(ctx context.Context, service *ledger.Service, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, service, logger)
		}
	}
}

func sweepOnce(ctx context.Context, service *ledger.Service, logger *zap.Logger) {
	removed, err := service.SweepIdempotency(ctx)
	if err != nil {
		logger.Warn("idempotency sweep failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info("idempotency records swept", zap.Int64("removed", removed))
	}

	expired, err := service.ExpireLapsed(ctx)
	if err != nil {
		logger.Warn("subscription expiry failed", zap.Error(err))
	} else if expired > 0 {
		logger.Info("subscriptions expired", zap.Int64("expired", expired))
	}
}

// zapOperationLogger forwards domain operation logs to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.String("operation", entry.Operation), zap.String("status", entry.Status))
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.ExternalTransactionID != "" {
		fields = append(fields, zap.String("external_transaction_id", entry.ExternalTransactionID))
	}
	if entry.JobID != "" {
		fields = append(fields, zap.String("job_id", entry.JobID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}

	if entry.Error != nil {
		adapter.logger.Warn("credit operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("credit operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
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
	if driver == "sqlite" {
		// A single connection serializes writers; SQLite has no row locks.
		sqlDB.SetMaxOpenConns(1)
	}
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
			path = "creditd.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(
		&gormstore.Account{},
		&gormstore.LedgerEntry{},
		&gormstore.Job{},
		&gormstore.IdempotencyRecord{},
		&gormstore.Subscription{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
