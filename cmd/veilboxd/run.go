package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/veilbox/veilbox/internal/alarm"
	"github.com/veilbox/veilbox/internal/metrics"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the alarm daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, store, keys, err := loadEnvironment()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	engineMetrics := metrics.NewEngine(reg)

	scheduler := alarm.NewMemoryScheduler()
	engine, err := newEngine(cfg, store, keys, alarm.Config{
		Scheduler: scheduler,
		Metrics:   engineMetrics,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	log.Info().Str("version", Version).Msg("Alarm daemon starting")

	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsListen,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsListen).Msg("Metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	// A device that was offline past the server's retention window cannot
	// trust its cursor or stored alarms anymore.
	if engine.HasNotificationTTLExpired() {
		log.Warn().Msg("Missed notification record expired on server, resetting stored state")
		if err := engine.ResetStoredState(); err != nil {
			return err
		}
	}

	fetch := func() {
		if err := engine.FetchMissedNotifications(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Missed notification fetch failed")
		}
	}
	fetch()

	c := cron.New()
	if _, err := c.AddFunc(cfg.FetchCron, fetch); err != nil {
		return err
	}
	c.Start()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down metrics endpoint")
		}
	}
	return nil
}
