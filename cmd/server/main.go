package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/negotiation"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:          "ride-dispatch",
	Short:        "Real-time ride dispatch server",
	SilenceUsage: true,
	RunE:         serve,
}

func main() {
	rootCmd.AddCommand(tokenCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.NewLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]func(context.Context) error{}
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warnw("close failed", "error", err)
			}
		}
	}()

	var repo storage.Repository = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			v, err := storage.Migrate(cfg.PGDSN, cfg.MigrationsPath)
			if err != nil {
				return err
			}
			log.Infow("migrations applied", "version", v)
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		checks["postgres"] = pg.Ping
		repo = pg
	}
	lastTrip, lastBid, err := repo.LastIDs(ctx)
	if err != nil {
		return fmt.Errorf("load id watermarks: %w", err)
	}

	bus, err := newPublisher(cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, bus.Close)

	verifier, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}
	reg := registry.New(verifier, cfg.SessionQueueSize, log)

	geoOpts := []geo.Option{geo.WithEvents(bus), geo.WithLogger(log)}
	if cfg.RedisAddr != "" {
		mirror := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		closers = append(closers, mirror.Close)
		checks["redis"] = mirror.Ping
		geoOpts = append(geoOpts, geo.WithMirror(mirror))
	}
	locations := geo.NewStore(reg, geoOpts...)
	// sessions end before the mirror and the bus they report to
	closers = append(closers, func() error { reg.CloseAll(); return nil })

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	notes := notify.New(reg, notify.WithLogger(log))
	trips := dispatch.New(dispatch.Config{
		RadiusM:       cfg.DispatchRadiusM,
		MaxCandidates: cfg.MaxCandidates,
		TTL:           cfg.TripRequestTTL,
		SweepInterval: cfg.ExpirySweepInterval,
		Retention:     cfg.TripRetention,
	}, locations, notes,
		dispatch.WithRepository(repo),
		dispatch.WithEvents(bus),
		dispatch.WithEstimator(estimator),
		dispatch.WithLogger(log),
		dispatch.WithFirstID(lastTrip),
	)
	bids := negotiation.New(trips, notes,
		negotiation.WithLocator(locations),
		negotiation.WithRepository(repo),
		negotiation.WithEstimator(estimator),
		negotiation.WithEvents(bus),
		negotiation.WithLogger(log),
		negotiation.WithFirstID(lastBid),
	)

	reg.OnConnect(func(s *registry.Session) {
		if s.Principal.Role == models.RoleDriver {
			locations.SetOnline(s.Principal.ID, true)
		}
	})
	reg.OnClose(func(p models.Principal) {
		switch p.Role {
		case models.RoleDriver:
			locations.SetOnline(p.ID, false)
		case models.RoleRider:
			locations.ForgetRider(p.ID)
		}
	})

	router := gateway.New(gateway.Deps{Locations: locations, Trips: trips, Bids: bids, Notes: notes}, cfg.DispatchRadiusM, cfg.MaxCandidates, log)
	api := httpapi.NewServer(httpapi.Deps{
		Auth:      verifier,
		Registry:  reg,
		Locations: locations,
		Trips:     trips,
		Notes:     notes,
		Router:    router,
		Checks:    checks,
	}, log)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go trips.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Infow("ride-dispatch listening", "addr", cfg.HTTPAddr, "events", cfg.EventsBackend, "postgres", cfg.PGDSN != "", "redis", cfg.RedisAddr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// hijacked websockets are not tracked by Shutdown; the registry closer ends them
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	return nil
}

func newPublisher(cfg config.ServerConfig, log *zap.SugaredLogger) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case "kafka":
		return events.NewAsync(events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.EventsTopic), 0, log), nil
	case "amqp":
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		return events.NewAsync(pub, 0, log), nil
	default:
		return events.Nop{}, nil
	}
}
