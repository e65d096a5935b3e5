// Command gateway runs the chatgate WebSocket messaging gateway.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/harborline/chatgate/internal/broadcast"
	"github.com/harborline/chatgate/internal/config"
	"github.com/harborline/chatgate/internal/delivery"
	"github.com/harborline/chatgate/internal/gateway"
	"github.com/harborline/chatgate/internal/limiter"
	"github.com/harborline/chatgate/internal/lock"
	"github.com/harborline/chatgate/internal/logging"
	"github.com/harborline/chatgate/internal/metrics"
	"github.com/harborline/chatgate/internal/registry"
	"github.com/harborline/chatgate/internal/stream"
)

const (
	deliveryTTL     = 24 * time.Hour
	reaperInterval  = time.Minute
	reaperIdleLimit = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logging.New("error")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.LogLevel)
	met := metrics.New()
	processID := uuid.NewString()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("coordination store unreachable")
	}
	cancelPing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(cfg.RetryQueue.Capacity, cfg.RetryQueue.TTL, log, met)
	reg.StartReaper(ctx, reaperInterval, reaperIdleLimit)

	lim := limiter.New(rdb, cfg.RateLimit.Limit, cfg.RateLimit.Window, log)

	eng := broadcast.NewEngine(reg, rdb, cfg.Broadcast, processID, log, met)
	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start broadcast engine")
	}

	streams := stream.NewRouter(rdb, log)
	tracker := delivery.NewTracker(rdb, deliveryTTL, log)

	gw := gateway.New(gateway.Deps{
		Config:   cfg,
		Log:      log,
		Metrics:  met,
		Registry: reg,
		Limiter:  lim,
		Engine:   eng,
		Streams:  streams,
		Tracker:  tracker,
	})

	sched := lock.NewScheduler(lock.New(rdb, log), log)
	sched.Add(lock.Job{
		Name:     "stream-retention",
		Interval: cfg.TrimInterval,
		TTL:      cfg.LockTTL,
		Run: func(ctx context.Context) error {
			return trimRoomStreams(ctx, rdb, streams, cfg.StreamMaxLen)
		},
	})
	sched.Start(ctx)

	srv := gw.CreateServer()
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("process_id", processID).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server stopped unexpectedly")
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := gw.Shutdown(shutdownCtx, srv); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
	sched.Wait()
	_ = rdb.Close()
}

// trimRoomStreams caps every durable log at maxLen entries: each room's
// stream plus the cross-cutting archival and moderation logs. Runs under the
// fleet-wide retention lock, so one instance sweeps per interval.
func trimRoomStreams(ctx context.Context, rdb *redis.Client, streams *stream.Router, maxLen int64) error {
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, stream.RoomStream("*"), 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := streams.Trim(ctx, key, maxLen); err != nil {
				return err
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	for _, name := range []string{stream.StreamArchival, stream.StreamModeration} {
		if _, err := streams.Trim(ctx, name, maxLen); err != nil {
			return err
		}
	}
	return nil
}
