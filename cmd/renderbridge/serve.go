package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/renderbridge/internal/bridge"
	"github.com/Rorqualx/renderbridge/internal/handlers"
	"github.com/Rorqualx/renderbridge/internal/metrics"
	"github.com/Rorqualx/renderbridge/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the render API over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, raw, err := loadConfig()
	if err != nil {
		return err
	}
	printBanner()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Starting render sessions...")
	b, err := bridge.FromSettings(ctx, cfg, raw)
	if err != nil {
		return fmt.Errorf("initialize bridge: %w", err)
	}

	router := handlers.NewRouter(handlers.New(b, cfg), cfg)
	defer router.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopCh := make(chan struct{})
	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", addr).
			Str("backend", b.Backend()).
			Int("pool_size", cfg.PoolSize).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("Ready to accept render requests")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	}
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if cerr := b.Close(shutdownCtx); cerr != nil {
		log.Error().Err(cerr).Msg("Bridge close error")
		if err == nil {
			err = cerr
		}
	}

	log.Info().Msg("Shutdown complete")
	return err
}
