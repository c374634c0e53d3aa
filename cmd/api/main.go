package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/fundsledger/internal/api"
	"github.com/punchamoorthee/fundsledger/internal/config"
	"github.com/punchamoorthee/fundsledger/internal/idempotency"
	"github.com/punchamoorthee/fundsledger/internal/lock"
	"github.com/punchamoorthee/fundsledger/internal/logging"
	"github.com/punchamoorthee/fundsledger/internal/service"
	"github.com/punchamoorthee/fundsledger/internal/settlement"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

// backends groups the storage adapters chosen by configuration.
type backends struct {
	accounts  store.AccountStore
	ledger    store.Ledger
	transfers store.TransferRepository
	outbox    settlement.Outbox
	registry  idempotency.Registry
	locks     lock.Manager
	closers   []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise backends", zap.Error(err))
	}
	defer b.close()

	svc := service.NewTransferService(service.Dependencies{
		Accounts:    b.accounts,
		Ledger:      b.ledger,
		Transfers:   b.transfers,
		Registry:    b.registry,
		Locks:       b.locks,
		Obligations: b.outbox,
		Logger:      logger.Named("processor"),
	}, service.Options{
		Fees:               cfg.FeePolicy(),
		Limits:             cfg.Limits(),
		IdempotencyTTL:     cfg.IdempotencyTTL,
		LockTimeout:        cfg.LockTimeout,
		ExternalLegTimeout: cfg.ExternalLegTimeout,
		FeeAccountID:       cfg.FeeRevenueAccountID,
		ClearingAccountID:  cfg.ExternalClearingAccountID,
	})
	if err := svc.EnsureSystemAccounts(ctx); err != nil {
		logger.Fatal("failed to create system accounts", zap.Error(err))
	}
	if n, err := svc.RecoverInterrupted(ctx, cfg.RecoveryAge); err != nil {
		logger.Error("startup transfer recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("interrupted transfers resolved at startup", zap.Int("count", n))
	}

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	dcfg := settlement.DefaultDispatcherConfig()
	dcfg.Exchange = cfg.SettlementExchange
	dispatcher := settlement.NewDispatcher(b.outbox, b.transfers, publisher, dcfg, logger.Named("settlement"))

	// registries without native expiry need the periodic sweep
	sweeper, _ := b.registry.(idempotency.Sweeper)
	scheduler := settlement.NewScheduler(dispatcher, sweeper, settlement.ScheduleConfig{
		Dispatch:   cfg.DispatchSchedule,
		Sweep:      cfg.SweepSchedule,
		Recover:    cfg.RecoverySchedule,
		RecoverAge: cfg.RecoveryAge,
	}, logger.Named("scheduler")).WithRecovery(svc)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewHandler(svc, logger.Named("http")).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("idempotency", cfg.IdempotencyBackend),
			zap.String("locks", cfg.LockBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("scheduler jobs still running at shutdown")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	var pg *store.PostgresStore
	switch cfg.StoreDriver {
	case config.BackendPostgres:
		var err error
		pg, err = store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		b.closers = append(b.closers, pg.Db.Close)
		if err := pg.Migrate(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.accounts, b.ledger, b.transfers, b.outbox = pg, pg, pg.Transfers(), pg.Obligations()
	default:
		mem := store.NewMemoryStore()
		b.accounts, b.ledger, b.transfers, b.outbox = mem, mem, mem.Transfers(), settlement.NewMemoryOutbox()
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" && (cfg.IdempotencyBackend == config.BackendRedis || cfg.LockBackend == config.BackendRedis) {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	switch cfg.IdempotencyBackend {
	case config.BackendPostgres:
		b.registry = idempotency.NewPostgresRegistry(pg.Db, time.Now)
	case config.BackendRedis:
		b.registry = idempotency.NewRedisRegistry(rdb, cfg.RedisKeyPrefix, time.Now)
	case config.BackendBolt:
		bolt, err := idempotency.NewBoltRegistry(cfg.BoltPath, time.Now)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("open bolt registry: %w", err)
		}
		b.closers = append(b.closers, func() { _ = bolt.Close() })
		b.registry = bolt
	default:
		b.registry = idempotency.NewMemoryRegistry(time.Now)
	}

	switch cfg.LockBackend {
	case config.BackendRedis:
		b.locks = lock.NewRedisManager(rdb, cfg.RedisKeyPrefix, lock.DefaultRedisOptions())
	default:
		b.locks = lock.NewMemoryManager()
	}
	return b, nil
}

// newPublisher connects to RabbitMQ, falling back to a publisher that keeps
// obligations pending when the broker is absent or unreachable.
func newPublisher(cfg *config.Config, logger *zap.Logger) settlement.Publisher {
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL not set, settlement obligations will stay pending")
		return &settlement.FallbackPublisher{Logger: logger}
	}
	p, err := settlement.NewRabbitPublisher(cfg.RabbitMQURL, logger.Named("rabbitmq"))
	if err != nil {
		logger.Warn("rabbitmq unavailable, using fallback publisher", zap.Error(err))
		return &settlement.FallbackPublisher{Logger: logger}
	}
	return p
}
