// Command aidstock serves the aid inventory API.
package main

import (
	"aidstock/internal/blob"
	"aidstock/internal/core"
	"aidstock/internal/housekeeping"
	"aidstock/internal/infra/queue/redis"
	"aidstock/internal/platform/config"
	"aidstock/internal/platform/logger"
	"aidstock/internal/platform/metrics"
	"aidstock/internal/platform/tracing"
	"aidstock/internal/stats"
	httptransport "aidstock/internal/transport/http"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "aidstock: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []core.ServiceOption{
		core.WithLogger(log),
		core.WithMaxAttempts(cfg.TxMaxAttempts),
	}

	if cfg.TraceStdout {
		shutdown, err := tracing.Setup(os.Stdout)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
		opts = append(opts, core.WithTracer(tracing.New(nil)))
	}

	store, err := core.OpenStore(cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", "error", err)
		}
	}()
	log.Info("store opened", "driver", cfg.Storage.Driver)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts = append(opts, core.WithMetricsRecorder(metrics.NewRecorder(reg)))

	g, gctx := errgroup.WithContext(ctx)

	recorder := stats.NewRecorder(store, stats.WithRecorderLogger(log))
	switch cfg.SnapshotQueue {
	case config.QueueWorker:
		worker := stats.NewWorker(recorder, stats.WithWorkerLogger(log))
		g.Go(func() error { return worker.Run(gctx) })
		opts = append(opts, core.WithSnapshotNotifier(worker))
	case config.QueueRedis:
		queue, err := redis.Dial(ctx, cfg.RedisAddr, redis.WithLogger(log))
		if err != nil {
			return err
		}
		defer func() { _ = queue.Close() }()
		g.Go(func() error {
			return queue.Consume(gctx, func(ctx context.Context, depositID string) error {
				_, err := recorder.RecordSnapshot(ctx, depositID)
				return err
			})
		})
		opts = append(opts, core.WithSnapshotNotifier(queue))
	default:
		opts = append(opts, core.WithSnapshotNotifier(stats.NewInlineNotifier(recorder)))
	}
	log.Info("snapshot refresh configured", "queue", cfg.SnapshotQueue)

	svc := core.NewService(store, opts...)
	reg.MustRegister(metrics.NewDepositCollector(svc.ListDepositUtilization))

	var archiver *stats.Archiver
	if cfg.Archive {
		blobs, err := blob.Open(ctx)
		if err != nil {
			return err
		}
		archiver = stats.NewArchiver(store, blobs, nil, log)
		log.Info("history archive enabled", "driver", blobs.Driver())
	}

	scheduler := housekeeping.NewScheduler(ctx, log, 0)
	if err := housekeeping.RegisterStandardJobs(scheduler, svc, archiver, housekeeping.Schedules{
		VisitStats: cfg.StatsCron,
		Archive:    cfg.ArchiveCron,
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := httptransport.NewHandler(svc,
		httptransport.WithLogger(log),
		httptransport.WithMetricsHandler(metrics.Handler(reg)),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
