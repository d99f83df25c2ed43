package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are primarily loaded from environment variables (optionally seeded
// from a .env file) with sane defaults so the binary can run locally without
// Redis, Kafka or Postgres.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	EventsBackend string // kafka, amqp or none
	KafkaBrokers  []string
	KafkaTopic    string // driver locations
	EventsTopic   string // dispatch lifecycle events
	AMQPURL       string
	AMQPExchange  string

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	JWTSecret string
	JWTTTL    time.Duration

	DispatchRadiusM     float64
	MaxCandidates       int
	TripRequestTTL      time.Duration
	ExpirySweepInterval time.Duration
	TripRetention       time.Duration
	SessionQueueSize    int

	DefaultSpeedMps float64
	OSRMEndpoint    string
	ETACacheTTL     time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		EventsBackend:       "none",
		KafkaTopic:          "driver-locations",
		EventsTopic:         "dispatch-events",
		AMQPExchange:        "dispatch.events",
		MigrationsPath:      "migrations",
		JWTTTL:              24 * time.Hour,
		DispatchRadiusM:     5000,
		MaxCandidates:       20,
		TripRequestTTL:      5 * time.Minute,
		ExpirySweepInterval: 5 * time.Second,
		TripRetention:       10 * time.Minute,
		SessionQueueSize:    256,
		DefaultSpeedMps:     10,
		ETACacheTTL:         time.Minute,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	// a missing .env is the normal case outside local development
	_ = godotenv.Load(".env")

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setStringFromEnv(&cfg.EventsBackend, "EVENTS_BACKEND")
	cfg.EventsBackend = strings.ToLower(cfg.EventsBackend)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.EventsTopic, "KAFKA_EVENTS_TOPIC")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setStringFromEnv(&cfg.MigrationsPath, "MIGRATIONS_PATH")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.JWTTTL, "JWT_TTL", &errs)

	setFloatFromEnv(&cfg.DispatchRadiusM, "DISPATCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&cfg.TripRequestTTL, "TRIP_REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.ExpirySweepInterval, "EXPIRY_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TripRetention, "TRIP_RETENTION", &errs)
	setIntFromEnv(&cfg.SessionQueueSize, "SESSION_QUEUE_SIZE", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(append(errs, cfg.validate()...)...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be set"))
	}
	if c.DispatchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_M must be > 0"))
	}
	if c.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if c.SessionQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_QUEUE_SIZE must be > 0"))
	}
	if c.TripRequestTTL <= 0 || c.ExpirySweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRIP_REQUEST_TTL and EXPIRY_SWEEP_INTERVAL must be > 0"))
	}
	switch c.EventsBackend {
	case "none":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("EVENTS_BACKEND=kafka requires KAFKA_BROKERS"))
		}
	case "amqp":
		if c.AMQPURL == "" {
			errs = append(errs, fmt.Errorf("EVENTS_BACKEND=amqp requires AMQP_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENTS_BACKEND %q", c.EventsBackend))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := cast.ToBoolE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig configures cmd/consumer, which mirrors the driver location
// stream into Redis for readers outside the dispatch process.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	Retries       int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load(".env")

	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		Retries:      3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error
	// KAFKA_BROKER is the older single-broker spelling
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	} else if broker := os.Getenv("KAFKA_BROKER"); broker != "" {
		cfg.KafkaBrokers = splitAndTrim(broker)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.Retries, "CONSUMER_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Retries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}
