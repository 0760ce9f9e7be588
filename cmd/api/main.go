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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"golang.org/x/sync/errgroup"

	"github.com/inaiurai/keyservice/internal/config"
	"github.com/inaiurai/keyservice/internal/identity"
	"github.com/inaiurai/keyservice/internal/jobs"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/metrics"
	"github.com/inaiurai/keyservice/internal/pakasir"
	"github.com/inaiurai/keyservice/internal/payments"
	"github.com/inaiurai/keyservice/internal/repository"
	"github.com/inaiurai/keyservice/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create database pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach PostgreSQL (is it running?): %w", err)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create River migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	slog.Info("Schema and River migrations applied")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	validator, err := services.NewValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	accountRepo := repository.NewAccountRepo(pool)
	keyRepo := repository.NewKeyRepo(pool)
	paymentRepo := repository.NewPaymentRepo(pool)

	keySvc := keys.NewService(pool, accountRepo, keyRepo,
		identity.NewClient(cfg.Identity.LookupURL, cfg.Identity.Timeout),
		keys.NewHardwareHasher([]byte(cfg.HWIDSecret)))
	keySvc.Location = cfg.Location()
	keySvc.Logger = logger
	keySvc.Metrics = m

	provider := pakasir.NewClient(pakasir.Config{
		APIKey:  cfg.Pakasir.APIKey,
		BaseURL: cfg.Pakasir.APIURL,
		Timeout: cfg.Pakasir.Timeout,
	})
	paySvc := payments.NewService(pool, accountRepo, paymentRepo, keySvc, provider, validator, payments.Config{
		BaseURL:          cfg.BaseURL,
		ReturnURL:        cfg.Pakasir.ReturnURL,
		WebhookSecret:    []byte(cfg.Webhook.Secret),
		RequireSignature: cfg.Webhook.RequireSignature,
		ProviderTimeout:  cfg.Pakasir.Timeout,
	})
	paySvc.Logger = logger
	paySvc.Metrics = m
	if !cfg.Webhook.RequireSignature {
		slog.Warn("Webhook signatures are not enforced; set KEYSVC_WEBHOOK_REQUIRE_SIGNATURE=true once the provider signs callbacks")
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewSweepFreeKeysWorker(keySvc))
	river.AddWorker(workers, jobs.NewReconcilePaymentWorker(paySvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: logger,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 5},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			jobs.NewSweepPeriodicJob(jobs.DailySchedule{
				Hour:     cfg.Sweep.Hour,
				Minute:   cfg.Sweep.Minute,
				Location: cfg.Location(),
			}),
		},
	})
	if err != nil {
		return fmt.Errorf("create River client: %w", err)
	}

	// Deferral needs the River client, which needs the payment worker; wire it last.
	paySvc.Defer = deferToQueue(riverClient)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newHTTPHandler(cfg, logger, keySvc, paySvc, validator, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := riverClient.Start(gctx); err != nil {
		return fmt.Errorf("start River client: %w", err)
	}

	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		slog.Info("Shutting down")
		httpErr := srv.Shutdown(shutdownCtx)
		riverErr := riverClient.Stop(shutdownCtx)
		return errors.Join(httpErr, riverErr)
	})
	return g.Wait()
}

// deferToQueue enqueues confirmed payments whose account is not yet known.
// Unique args collapse provider redeliveries into one job.
func deferToQueue(client *river.Client[pgx.Tx]) payments.DeferFunc {
	return func(ctx context.Context, ev pakasir.Event) error {
		res, err := client.Insert(ctx, jobs.ReconcilePaymentArgs{Event: ev}, nil)
		if err != nil {
			return fmt.Errorf("enqueue reconcile: %w", err)
		}
		if res.UniqueSkippedAsDuplicate {
			slog.Info("Reconcile already queued", "invoice_id", ev.InvoiceID)
		}
		return nil
	}
}
