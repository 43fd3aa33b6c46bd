// Command relay serves Formula 1 live timing to WebSocket subscribers: it
// holds one session to the upstream hub, normalizes and caches the feeds,
// and fans them out with per-connection subscriptions and rate limits.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/pitwall-dev/relay/internal/bridge"
	"github.com/pitwall-dev/relay/internal/cache"
	"github.com/pitwall-dev/relay/internal/config"
	"github.com/pitwall-dev/relay/internal/feed"
	"github.com/pitwall-dev/relay/internal/health"
	"github.com/pitwall-dev/relay/internal/hub"
	"github.com/pitwall-dev/relay/internal/logging"
	"github.com/pitwall-dev/relay/internal/metrics"
	"github.com/pitwall-dev/relay/internal/normalize"
	"github.com/pitwall-dev/relay/internal/ratelimit"
	"github.com/pitwall-dev/relay/internal/relay"
	"github.com/pitwall-dev/relay/internal/state"
	"github.com/pitwall-dev/relay/internal/upstream"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: logging.Format(cfg.Log.Format)})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	tier := cache.New(cache.Options{
		RedisAddrs:     cfg.Cache.RedisAddrs,
		RedisCluster:   cfg.Cache.RedisCluster,
		RedisPassword:  cfg.Cache.RedisPassword,
		Prefix:         cfg.Cache.Prefix,
		L1Size:         cfg.Cache.L1Size,
		CompressAlgo:   cfg.Cache.CompressAlgo,
		CompressMin:    cfg.Cache.CompressMin,
		HealthInterval: cfg.Cache.HealthInterval,
		BackSync:       cfg.Cache.BackSync,
		NoFailover:     !cfg.Cache.FallbackMemory,
		TTLs: map[cache.Tag]time.Duration{
			cache.TagSession:  cfg.Cache.TTLSession,
			cache.TagDrivers:  cfg.Cache.TTLDrivers,
			cache.TagTiming:   cfg.Cache.TTLTiming,
			cache.TagWeather:  cfg.Cache.TTLWeather,
			cache.TagTrack:    cfg.Cache.TTLTrack,
			cache.TagPosition: cfg.Cache.TTLPosition,
		},
	}, log, m)
	defer tier.Close()
	tier.StartHealthLoop(ctx)

	client := upstream.New(upstream.Options{
		URL:               cfg.Upstream.URL,
		HubName:           cfg.Upstream.HubName,
		ReconnectBase:     cfg.Upstream.ReconnectBase,
		MaxAttempts:       cfg.Upstream.MaxAttempts,
		ConnectTimeout:    cfg.Upstream.ConnectTimeout,
		KeepAliveOverride: cfg.Upstream.KeepAliveOverride,
	}, log, m)

	var coord *relay.Coordinator
	h := hub.New(hub.Options{
		HeartbeatInterval:  cfg.Hub.HeartbeatInterval,
		MaxConnsPerIP:      cfg.Hub.MaxConnsPerIP,
		MaxEventsPerWindow: cfg.Hub.MaxEventsPerMin,
		RateWindow:         time.Minute,
		AllowedOrigins:     cfg.Hub.AllowedOrigins,
		Production:         cfg.Hub.Production,
	}, hub.SourceFunc(func(ctx context.Context, d feed.Domain) (map[string]any, bool) {
		return coord.Current(ctx, d)
	}), ratelimit.New(), tier, log, m)

	var mirror *bridge.Bridge
	if cfg.Bridge.NATSUrl != "" {
		mirror, err = bridge.New(bridge.Options{
			URL:           cfg.Bridge.NATSUrl,
			SubjectPrefix: cfg.Bridge.SubjectPrefix,
		}, log, m)
		if err != nil {
			log.Warn().Err(err).Msg("event mirror unavailable, continuing without it")
		} else {
			defer mirror.Close()
		}
	}

	var pub relay.EventPublisher
	if mirror != nil {
		pub = mirror
	}
	coord = relay.New(relay.Options{
		ThrottleInterval: cfg.Hub.ThrottleInterval,
		FrameBudget:      cfg.Upstream.FrameBudget,
	}, client, h, normalize.New(log), state.NewTable(cfg.StrictBestLap), tier,
		pub, log, m)

	if err := client.Subscribe(feed.Kinds()...); err != nil {
		log.Warn().Err(err).Msg("initial subscribe deferred")
	}

	go func() {
		// A terminal upstream error is not fatal to the process: subscribers
		// keep the cached data and the connection:status signal.
		if err := client.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("upstream session ended, serving cached data only")
		}
	}()
	go coord.Run(ctx)
	go h.Run(ctx)

	hubServer := &http.Server{
		Addr:         cfg.Hub.Addr,
		Handler:      hubMux(h),
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Hub.Addr).Msg("subscriber endpoint listening")
		if err := hubServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("subscriber listener failed")
			stop()
		}
	}()

	healthServer := &http.Server{
		Addr:    cfg.Health.Addr,
		Handler: healthMux(health.New(client, tier, h, log), m),
	}
	go func() {
		log.Info().Str("addr", cfg.Health.Addr).Msg("health endpoint listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health listener failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	coord.Snapshot(shutdownCtx)
	h.Shutdown()
	if err := hubServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("subscriber listener drain incomplete")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("health listener drain incomplete")
	}
	log.Info().Msg("shutdown complete")
}

func hubMux(h *hub.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	return mux
}

func healthMux(reporter *health.Reporter, m *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", reporter)
	mux.Handle("/metrics", m.Handler())
	return mux
}
