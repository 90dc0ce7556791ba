// Package scheduler runs the proxy's background jobs on cron schedules:
// draining the pending batch, warming the top listings, and keeping
// hourly bars current. All jobs run on the primary credential profile.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/cmc-proxy/pkg/batch"
	"github.com/quotelab/cmc-proxy/pkg/service"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

// jobTimeout bounds one run of any scheduled job.
const jobTimeout = 5 * time.Minute

// Config holds the cron specs. An empty spec disables its job.
type Config struct {
	PendingDrainSpec string
	ListingsWarmSpec string
	KlineUpdateSpec  string

	// KlineTopN and KlineCount shape the periodic bar update.
	KlineTopN  int
	KlineCount int

	// WarmTTL is the cache TTL of warmed quote payloads.
	WarmTTL time.Duration
}

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	registry *service.Registry
	config   Config
	cron     *cron.Cron
	logger   zerolog.Logger
}

// New creates a scheduler bound to the registry's primary profile.
func New(registry *service.Registry, cfg Config) *Scheduler {
	return &Scheduler{
		registry: registry,
		config:   cfg,
		cron:     cron.New(),
		logger:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the configured jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if spec := s.config.PendingDrainSpec; spec != "" {
		if _, err := s.cron.AddFunc(spec, s.runPendingDrain); err != nil {
			return err
		}
	}
	if spec := s.config.ListingsWarmSpec; spec != "" {
		if _, err := s.cron.AddFunc(spec, s.runListingsWarm); err != nil {
			return err
		}
	}
	if spec := s.config.KlineUpdateSpec; spec != "" {
		if _, err := s.cron.AddFunc(spec, s.runKlineUpdate); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info().Msg("Scheduler started")
	return nil
}

// Stop stops the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) primary(ctx context.Context) *service.Service {
	svc, err := s.registry.Get(ctx, upstream.ProfilePrimary)
	if err != nil {
		s.logger.Error().Err(err).Msg("Primary service unavailable")
		return nil
	}
	return svc
}

func (s *Scheduler) runPendingDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	svc := s.primary(ctx)
	if svc == nil {
		return
	}
	processed, err := svc.Fetcher().ProcessPending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Pending drain failed")
		return
	}
	if processed > 0 {
		s.logger.Info().Int("processed", processed).Msg("Pending drain completed")
	}
}

func (s *Scheduler) runListingsWarm() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	svc := s.primary(ctx)
	if svc == nil {
		return
	}
	// Target id 0 is never cached; the job only wants the side effect
	// of refilling the quote cache.
	svc.Coalescer().WarmTopListings(ctx, 0, s.config.WarmTTL)
}

func (s *Scheduler) runKlineUpdate() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	svc := s.primary(ctx)
	if svc == nil {
		return
	}
	result, err := svc.Fetcher().ProcessKlines(ctx, batch.KlineOptions{
		TopN:  s.config.KlineTopN,
		Count: s.config.KlineCount,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Kline update failed")
		return
	}
	s.logger.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Int("bars", result.TotalBars).
		Msg("Kline update completed")
}
