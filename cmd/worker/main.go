// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-wordcounter/internal/bus"
	"github.com/tendant/simple-wordcounter/internal/config"
	"github.com/tendant/simple-wordcounter/internal/extract"
	"github.com/tendant/simple-wordcounter/internal/logging"
	"github.com/tendant/simple-wordcounter/internal/metrics"
	"github.com/tendant/simple-wordcounter/internal/pipeline"
	"github.com/tendant/simple-wordcounter/internal/store"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	if err != nil {
		fatal(logger, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(logger, "validate config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs, err := store.Open(ctx, cfg.Store())
	if err != nil {
		fatal(logger, "open job store", err, "driver", cfg.StoreDriver)
	}
	defer func() {
		if err := jobs.Close(context.Background()); err != nil {
			logger.Warn("close job store", "err", err)
		}
	}()

	nc, err := bus.Connect(ctx, cfg.Bus())
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := pipeline.New(pipeline.Deps{
		Queue:       nc,
		Store:       jobs,
		Extractor:   extract.New(cfg.Extract()),
		Notifier:    nc,
		DoneSubject: cfg.DoneSubject,
		Logger:      logger,
		Metrics:     metrics.New(reg),
		Heartbeat:   cfg.Heartbeat(),
	})

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("worker ready",
		"stream", cfg.QueueStream,
		"subject", cfg.QueueSubject,
		"consumer", cfg.QueueConsumer,
		"store", cfg.StoreDriver,
		"metrics_addr", cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Supervise(gctx, logger, cfg.RestartBackoff, p.Run)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		fatal(logger, "worker stopped", err)
	}
	logger.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
