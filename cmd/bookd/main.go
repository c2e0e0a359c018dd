package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/divir94/bitcoin/internal/api/rest"
	"github.com/divir94/bitcoin/internal/config"
	"github.com/divir94/bitcoin/internal/exchange/gdax"
	"github.com/divir94/bitcoin/internal/infra/health"
	"github.com/divir94/bitcoin/internal/infra/log"
	"github.com/divir94/bitcoin/internal/infra/metrics"
	"github.com/divir94/bitcoin/internal/infra/netutil"
	"github.com/divir94/bitcoin/internal/infra/runner"
	"github.com/divir94/bitcoin/internal/infra/version"
	"github.com/divir94/bitcoin/internal/reconcile"
	"github.com/divir94/bitcoin/internal/replica"
	"github.com/divir94/bitcoin/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	logger := log.NewLogger(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("cannot load configuration")
		return 2
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 2
	}
	adminCIDRs, _ := netutil.ParseCIDRs(cfg.Server.AdminAllowCIDRs)

	registry := metrics.Init(logger)

	client := gdax.NewClient(cfg, log.Component(logger, "rest"))
	dialer := gdax.NewDialer(cfg, log.Component(logger, "ws"))
	engine := replica.New(cfg, dialer, client, log.Component(logger, "replica"))

	api := rest.New(engine, log.Component(logger, "http"))
	api.MountOps(registry, adminCIDRs, cfg.Server.Pprof)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	v := version.Get()
	logger.Info().Str("version", v.Version).Str("commit", v.Commit).Str("addr", cfg.Server.Addr).Msg("order book replica started")

	g := &runner.Group{}
	g.Go(ctx, "replica", engine.Run)
	if cfg.Reconcile.Enabled {
		rec := reconcile.New(cfg, engine, client, log.Component(logger, "reconcile"))
		g.Go(ctx, "reconcile", rec.Run)
	}
	if cfg.Store.Enabled {
		cps, err := store.Open(cfg.Store.Path, cfg.Store.Keep)
		if err != nil {
			logger.Error().Err(err).Msg("checkpoint store unavailable")
			return 1
		}
		defer cps.Close()
		rec := store.NewRecorder(engine, cps, time.Duration(cfg.Store.IntervalSeconds)*time.Second, log.Component(logger, "store"))
		g.Go(ctx, "store", rec.Run)
	}

	code := 0
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
	case err := <-g.Failed():
		logger.Error().Err(err).Msg("worker failed")
		code = 1
	}

	health.SetReady(false)
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	g.Wait()
	logger.Info().Msg("shutdown complete")
	return code
}
