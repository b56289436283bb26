// cmd/api/main.go
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

	"github.com/go-chi/httplog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-wordcounter/internal/bus"
	"github.com/tendant/simple-wordcounter/internal/config"
	"github.com/tendant/simple-wordcounter/internal/logging"
	"github.com/tendant/simple-wordcounter/internal/server"
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

	accessLog := httplog.NewLogger("wordcount-api", httplog.Options{
		JSON:     cfg.LogFormat == "json",
		LogLevel: logging.ParseLevel(cfg.LogLevel),
		Concise:  true,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.Deps{
			Store:     jobs,
			Queue:     nc,
			Logger:    logger,
			AccessLog: accessLog,
			Registry:  reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		fatal(logger, "api stopped", err)
	}
	logger.Info("api stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
