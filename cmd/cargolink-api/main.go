// README: Entry point; loads config, wires the dispatch engine, starts the
// HTTP server and the timeout detector.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cargolink/internal/config"
	httptransport "cargolink/internal/http"
	"cargolink/internal/infra"
	"cargolink/internal/logging"
	"cargolink/internal/modules/dispatch"
	"cargolink/internal/modules/matching"
	"cargolink/internal/modules/timeout"
	"cargolink/internal/modules/tracking"
	"cargolink/internal/notify"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CARGOLINK_CONFIG"), "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	store := dispatch.NewStore(dbPool)
	applier := dispatch.NewApplier(store, log)
	resolver := dispatch.NewResolver(store, applier, log)

	geoStore := matching.NewGeoStore(redisClient)
	matcher := matching.NewMatcher(store, geoStore, cfg.Matching, log)

	registry := notify.NewWSRegistry()
	channels := []notify.Channel{registry}
	if cfg.Notify.PushEndpoint != "" {
		tokens := infra.NewRedisTokenDirectory(redisClient)
		channels = append(channels, notify.NewPusher(cfg.Notify.PushEndpoint, cfg.Notify.PushKey, tokens))
	}
	// Without a profile directory, payloads degrade to bare ids.
	notifier := notify.NewDispatcher(nil, log, channels...)

	trackingSvc := tracking.NewService(tracking.NewStore(dbPool), cfg.Pricing)
	dispatchSvc := dispatch.NewService(store, applier, resolver, matcher, notifier, trackingSvc, log)

	detector := timeout.NewDetector(store, applier, cfg.Timeout, log)
	go detector.Run(ctx)

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Dispatch: dispatchSvc,
		Tracking: trackingSvc,
		Registry: registry,
		Verifier: infra.NewInsecureVerifier(),
		Log:      log,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("api listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
