package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/moneymouth/battle-engine/internal/api"
	"github.com/moneymouth/battle-engine/internal/config"
	"github.com/moneymouth/battle-engine/internal/cooldown"
	"github.com/moneymouth/battle-engine/internal/metrics"
	"github.com/moneymouth/battle-engine/internal/pledge"
	"github.com/moneymouth/battle-engine/internal/seed"
	"github.com/moneymouth/battle-engine/internal/settlement"
	"github.com/moneymouth/battle-engine/internal/store"
	"github.com/moneymouth/battle-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("battle-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("battle-engine stopped")
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Domain services ---
	hub := api.NewHub()
	guard := cooldown.NewGuard(cfg.CooldownWindow)
	ledger := wallet.NewLedger(st, logger)
	pledges := pledge.NewEngine(st, guard, pledge.Config{
		Denominations: cfg.PledgeDenominations,
		MaxAttempts:   cfg.PledgeMaxAttempts,
	}, hub, logger)

	// --- Seed data ---
	if cfg.SeedFile != "" {
		f, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, st, ledger, f, time.Now().UTC(), logger)
		if err != nil {
			return err
		}
		slog.Info("seed applied",
			"file", cfg.SeedFile,
			"battles_created", res.BattlesCreated,
			"battles_skipped", res.BattlesSkipped,
			"wallets_funded", res.WalletsFunded,
		)
	}

	// --- Settlement ---
	sinks := []settlement.Sink{
		{Name: "log", Publisher: settlement.LogPublisher{Logger: logger}},
		{Name: "ws", Publisher: hub},
	}
	if rdb != nil {
		sinks = append(sinks, settlement.Sink{Name: "redis", Publisher: settlement.NewRedisPublisher(rdb, cfg.SettlementStream)})
		slog.Info("settlement stream enabled", "stream", cfg.SettlementStream)
	}
	if cfg.SettlementJournalPath != "" {
		journal, err := settlement.OpenJournal(cfg.SettlementJournalPath)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { journal.Close() })
		sinks = append(sinks, settlement.Sink{Name: "journal", Publisher: journal})
		slog.Info("settlement journal enabled", "path", cfg.SettlementJournalPath)
	}
	settler := settlement.NewEngine(st, cfg.FeeRate, sinks, logger)
	scheduler, err := settlement.NewScheduler(ctx, cfg.SweepSchedule, settler, logger)
	if err != nil {
		return err
	}

	svc := api.NewService(st, pledges, ledger, guard)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"battle-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live battle updates. Long-lived, so it sits
		// outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Battles.
			r.Get("/battles", svc.ListBattles)
			r.Post("/battles", svc.CreateBattle)
			r.Get("/battles/{battleID}", svc.GetBattle)
			r.Get("/battles/{battleID}/pledges", svc.ListPledges)
			r.Post("/battles/{battleID}/pledges", svc.SubmitPledge)

			// Wallets.
			r.Get("/wallets/{participantID}", svc.GetWallet)
			r.Get("/wallets/{participantID}/transactions", svc.ListTransactions)
			r.Post("/wallets/{participantID}/deposits", svc.Deposit)
			r.Post("/wallets/{participantID}/withdrawals", svc.Withdraw)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		// Settle anything that expired while the process was down.
		scheduler.RunOnce()
		scheduler.Start()
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		slog.Info("battle-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down battle-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
