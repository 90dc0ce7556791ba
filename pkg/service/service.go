// Package service wires the proxy's collaborators into per-profile
// singletons with a checked lifecycle. Scheduled work runs on the
// primary profile, externally-triggered reads on the secondary one, so
// each credential's budget is spent by exactly one call pattern.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotelab/cmc-proxy/pkg/batch"
	"github.com/quotelab/cmc-proxy/pkg/cache"
	"github.com/quotelab/cmc-proxy/pkg/coalesce"
	"github.com/quotelab/cmc-proxy/pkg/model"
	"github.com/quotelab/cmc-proxy/pkg/redislock"
	"github.com/quotelab/cmc-proxy/pkg/refresh"
	"github.com/quotelab/cmc-proxy/pkg/upstream"
)

// ErrClosed is returned when a closed service or registry is used.
var ErrClosed = errors.New("service closed")

// Lifecycle states. Closed is terminal; a failed init reverts to
// uninitialized so the next caller retries.
const (
	stateUninitialized int32 = iota
	stateInitializing
	stateReady
	stateClosed
)

// Persistence is everything the service graph needs from storage. One
// relational store typically satisfies the whole interface.
type Persistence interface {
	UpsertAsset(ctx context.Context, asset *model.Asset) error
	UpsertQuoteSnapshot(ctx context.Context, snap *model.QuoteSnapshot) error
	GetQuoteSnapshot(ctx context.Context, entityID model.EntityID) (*model.QuoteSnapshot, error)
	UpsertKlineBar(ctx context.Context, bar *model.KlineBar) error
	FindEntitiesByIDs(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.Asset, error)
	CountBarsFor(ctx context.Context, entityID model.EntityID, timeframe string) (int, error)
	QueryBars(ctx context.Context, entityID model.EntityID, timeframe string, rangeStart, rangeEnd time.Time) ([]model.KlineBar, error)
	TopRankedIDs(ctx context.Context, limit int) ([]model.EntityID, error)
}

// Config holds everything needed to build one profile's service graph.
type Config struct {
	// RedisAddr, RedisPassword, RedisDB configure the shared Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Upstream configures the API client; the profile picks the key.
	Upstream upstream.Config

	// Coalesce, Batch, Refresh tune the three processing layers.
	Coalesce coalesce.Config
	Batch    batch.Config
	Refresh  refresh.Config
}

// Service is one profile's fully-wired collaborator graph.
type Service struct {
	profile  upstream.Profile
	config   Config
	store    Persistence
	notFound refresh.IsNotFound
	logger   zerolog.Logger

	state  atomic.Int32
	initMu sync.Mutex

	redis     *redis.Client
	client    *upstream.Client
	cache     *cache.Store
	locker    *redislock.Locker
	coalescer *coalesce.Coalescer
	fetcher   *batch.Fetcher
	refresher *refresh.Refresher
}

func newService(cfg Config, store Persistence, notFound refresh.IsNotFound, profile upstream.Profile) *Service {
	return &Service{
		profile:  profile,
		config:   cfg,
		store:    store,
		notFound: notFound,
		logger: log.With().
			Str("component", "service").
			Str("profile", string(profile)).
			Logger(),
	}
}

// ensure brings the service to Ready, reinitializing after a dead Redis
// connection. The fast path is one atomic load plus one ping; all
// transitions happen under the init mutex.
func (s *Service) ensure(ctx context.Context) error {
	switch s.state.Load() {
	case stateClosed:
		return ErrClosed
	case stateReady:
		if c := s.cache; c != nil && c.Ping(ctx) == nil {
			return nil
		}
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	// Re-check under the mutex: another caller may have finished,
	// reinitialized, or closed while we waited.
	switch s.state.Load() {
	case stateClosed:
		return ErrClosed
	case stateReady:
		if err := s.cache.Ping(ctx); err == nil {
			return nil
		}
		s.logger.Warn().Msg("Redis ping failed on ready service, reinitializing")
		s.state.Store(stateUninitialized)
		s.teardown()
	}

	s.state.Store(stateInitializing)
	if err := s.init(ctx); err != nil {
		s.teardown()
		s.state.Store(stateUninitialized)
		return err
	}
	s.state.Store(stateReady)
	s.logger.Info().Msg("Service initialized")
	return nil
}

func (s *Service) init(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	s.redis = rdb

	upCfg := s.config.Upstream
	upCfg.Redis = rdb
	client, err := upstream.New(upCfg, s.profile)
	if err != nil {
		return fmt.Errorf("upstream client: %w", err)
	}
	s.client = client

	s.cache = cache.NewStore(rdb)
	s.locker = redislock.NewLocker(rdb)
	s.coalescer = coalesce.New(s.cache, s.locker, s.client, s.config.Coalesce)
	s.fetcher = batch.NewFetcher(s.client, s.store, s.cache, s.locker, s.config.Batch)
	s.refresher = refresh.New(s.store, s.notFound, s.coalescer, s.fetcher, s.cache, s.config.Refresh)
	return nil
}

// teardown releases held resources without touching the state word.
// Redis and the HTTP client are closed independently; one failing must
// not leak the other.
func (s *Service) teardown() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Upstream client close failed")
		}
		s.client = nil
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis close failed")
		}
		s.redis = nil
	}
	s.cache = nil
	s.locker = nil
	s.coalescer = nil
	s.fetcher = nil
	s.refresher = nil
}

// Close shuts the service down. Idempotent; a closed service never
// reinitializes.
func (s *Service) Close() {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.state.Swap(stateClosed) == stateClosed {
		return
	}
	s.teardown()
	s.logger.Info().Msg("Service closed")
}

// Profile returns the credential profile this service runs on.
func (s *Service) Profile() upstream.Profile { return s.profile }

// Coalescer returns the coalescing read layer.
func (s *Service) Coalescer() *coalesce.Coalescer { return s.coalescer }

// Fetcher returns the batch fetch layer.
func (s *Service) Fetcher() *batch.Fetcher { return s.fetcher }

// Refresher returns the persisted read-through layer.
func (s *Service) Refresher() *refresh.Refresher { return s.refresher }

// Cache returns the Redis-backed quote cache.
func (s *Service) Cache() *cache.Store { return s.cache }

// Registry hands out one Service per credential profile.
type Registry struct {
	config   Config
	store    Persistence
	notFound refresh.IsNotFound

	mu       sync.Mutex
	services map[upstream.Profile]*Service
	closed   bool
}

// NewRegistry creates a registry. The store and its missing-record
// classifier are shared by all profiles.
func NewRegistry(cfg Config, store Persistence, notFound refresh.IsNotFound) *Registry {
	return &Registry{
		config:   cfg,
		store:    store,
		notFound: notFound,
		services: make(map[upstream.Profile]*Service),
	}
}

// Get returns the ready singleton service for the profile, creating and
// initializing it on first use.
func (r *Registry) Get(ctx context.Context, profile upstream.Profile) (*Service, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	svc, ok := r.services[profile]
	if !ok {
		svc = newService(r.config, r.store, r.notFound, profile)
		r.services[profile] = svc
	}
	r.mu.Unlock()

	if err := svc.ensure(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// Close tears down every service. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, svc := range r.services {
		svc.Close()
	}
}
