// Command cmc-proxy serves cached market quotes and OHLCV bars from a
// rate-limited pay-per-call upstream, coalescing concurrent misses into
// shared batch fetches.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/cmc-proxy/internal/config"
	"github.com/quotelab/cmc-proxy/internal/scheduler"
	"github.com/quotelab/cmc-proxy/internal/store"
	"github.com/quotelab/cmc-proxy/pkg/batch"
	"github.com/quotelab/cmc-proxy/pkg/coalesce"
	"github.com/quotelab/cmc-proxy/pkg/logging"
	"github.com/quotelab/cmc-proxy/pkg/refresh"
	"github.com/quotelab/cmc-proxy/pkg/service"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		log.Fatal().Err(err).Str("path", *configPath).Msg("Config load failed")
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connect failed")
	}
	defer db.Close()

	registry := service.NewRegistry(serviceConfig(cfg), db, func(err error) bool {
		return errors.Is(err, store.ErrNotFound)
	})
	defer registry.Close()

	sched := scheduler.New(registry, scheduler.Config{
		PendingDrainSpec: cfg.Scheduler.PendingDrainSpec,
		ListingsWarmSpec: cfg.Scheduler.ListingsWarmSpec,
		KlineUpdateSpec:  cfg.Scheduler.KlineUpdateSpec,
		KlineTopN:        cfg.Scheduler.KlineTopN,
		KlineCount:       cfg.Scheduler.KlineCount,
		WarmTTL:          cfg.Cache.QuoteTTL,
	})
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Scheduler start failed")
	}
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(db))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/quote", quoteHandler(registry))
	mux.HandleFunc("/v1/klines", klinesHandler(registry))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown incomplete")
	}
}

func serviceConfig(cfg *config.ProxyConfig) service.Config {
	return service.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		Upstream: upstream.Config{
			BaseURL:         cfg.Upstream.BaseURL,
			APIKey:          cfg.Upstream.APIKey,
			SecondaryAPIKey: cfg.Upstream.SecondaryAPIKey,
			Timeout:         cfg.Upstream.Timeout,
			CreditBudget:    cfg.Upstream.CreditBudget,
		},
		Coalesce: coalesce.Config{
			MergeWindow: cfg.Cache.MergeWindow,
			TopN:        cfg.Cache.TopN,
		},
		Batch: batch.Config{
			ChunkSize:       cfg.Batch.ChunkSize,
			InterChunkDelay: cfg.Batch.InterChunkDelay,
			BatchQuota:      cfg.Batch.Quota,
			QuoteTTL:        cfg.Cache.QuoteTTL,
		},
		Refresh: refresh.Config{
			SnapshotTTL: cfg.Cache.SnapshotTTL,
		},
	}
}
