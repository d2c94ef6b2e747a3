// README: Route-point consumer; reads GPS breadcrumbs from Kafka, appends
// them to the trail, and refreshes the carrier GEO index.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cargolink/internal/config"
	"cargolink/internal/infra"
	"cargolink/internal/logging"
	"cargolink/internal/modules/matching"
	"cargolink/internal/modules/tracking"
	"cargolink/internal/types"
)

const maxBackoff = 30 * time.Second

// trackMessage is the wire shape on the route-point topic.
type trackMessage struct {
	ProposalID       string  `json:"proposal_id"`
	CarrierRequestID string  `json:"carrier_request_id"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	RecordedAtMs     int64   `json:"recorded_at_ms"`
}

func main() {
	var configPath, metricsAddr string
	flag.StringVar(&configPath, "config", os.Getenv("CARGOLINK_CONFIG"), "path to yaml config file")
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.LogLevel).With().Str("component", "trackpoint-consumer").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	trackingSvc := tracking.NewService(tracking.NewStore(dbPool), cfg.Pricing)
	geoStore := matching.NewGeoStore(redisClient)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		log.Info().Str("addr", metricsAddr).Msg("metrics listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	reader := infra.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.TrackTopic, cfg.Kafka.GroupID)
	defer func() { _ = reader.Close() }()

	log.Info().
		Str("topic", cfg.Kafka.TrackTopic).
		Strs("brokers", cfg.Kafka.Brokers).
		Str("group", cfg.Kafka.GroupID).
		Msg("consumer listening")

	backoff := time.Second
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("shutting down")
				return
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var msg trackMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			log.Warn().Err(err).Msg("invalid message")
			continue
		}

		cmd := tracking.AppendCommand{
			ProposalID: types.ID(msg.ProposalID),
			Position:   types.Point{Lat: msg.Lat, Lng: msg.Lng},
		}
		if msg.RecordedAtMs > 0 {
			cmd.RecordedAt = time.UnixMilli(msg.RecordedAtMs).UTC()
		}
		if err := trackingSvc.Append(ctx, cmd); err != nil {
			log.Warn().Err(err).Str("proposal", msg.ProposalID).Msg("append failed")
			continue
		}

		// A breadcrumb means the carrier is mid-journey; clear any stale
		// idle-index entry the transition path may have missed.
		if msg.CarrierRequestID != "" {
			if err := geoStore.RemoveCarrier(ctx, types.ID(msg.CarrierRequestID)); err != nil {
				log.Debug().Err(err).Str("carrier_request", msg.CarrierRequestID).Msg("geo index cleanup failed")
			}
		}
	}
}
