package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

var metricsAddr string

var rootCmd = &cobra.Command{
	Use:          "ride-dispatch-consumer",
	Short:        "Mirror the driver location stream into Redis",
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	log := logging.NewLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	mirror := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	defer func() { _ = mirror.Close() }()

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := mirror.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Infow("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Infow("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, mirror, cfg.Retries, cfg.RetryDelay, log)
	log.Infow("shutting down consumer")
	return nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume runs until ctx is cancelled. Read errors back off exponentially;
// bad messages and failed writes are counted and skipped.
func consume(ctx context.Context, r messageReader, mirror geo.Mirror, attempts int, delay time.Duration, log *zap.SugaredLogger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		loc, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.Warnw("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := upsertWithRetry(ctx, mirror, loc, attempts, delay); err != nil {
			redisErrors.Inc()
			log.Warnw("redis update failed", "driver_id", loc.DriverID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

var errNotLocation = errors.New("not a driver location event")

// decodeLocation unwraps the event envelope the dispatch server publishes.
func decodeLocation(b []byte) (models.DriverLocation, error) {
	var e struct {
		Type string                `json:"type"`
		Data models.DriverLocation `json:"data"`
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return models.DriverLocation{}, err
	}
	if e.Type != events.TypeDriverLocation {
		return models.DriverLocation{}, fmt.Errorf("%w: %q", errNotLocation, e.Type)
	}
	if e.Data.DriverID == "" || !e.Data.Loc.Valid() {
		return models.DriverLocation{}, errors.New("location lacks driver id or valid coordinates")
	}
	return e.Data, nil
}

// upsertWithRetry writes loc to the mirror, doubling the delay between
// attempts.
func upsertWithRetry(ctx context.Context, m geo.Mirror, loc models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.Upsert(ctx, loc); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
