package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/mgazza/dorm-energy-sync/internal/config"
	"github.com/mgazza/dorm-energy-sync/internal/dashboard"
	"github.com/mgazza/dorm-energy-sync/internal/dorms"
	"github.com/mgazza/dorm-energy-sync/internal/httpapi"
	"github.com/mgazza/dorm-energy-sync/internal/metrics"
	"github.com/mgazza/dorm-energy-sync/internal/sink"
	"github.com/mgazza/dorm-energy-sync/internal/store"
	"github.com/mgazza/dorm-energy-sync/internal/telemetry"
	"github.com/mgazza/dorm-energy-sync/internal/tracing"
)

const (
	storePrefix     = "dorm-energy:"
	shutdownTimeout = 5 * time.Second
)

// core provides everything one aggregation cycle needs.
func core(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			newLogger,
			metrics.New,
			newTracing,
			newTransport,
			newStore,
			newTokenManager,
			newClient,
			newRecorder,
			newDormService,
		),
	)
}

// newApp builds the long-running service: scheduler, sinks and HTTP API.
func newApp(cfg config.Config) *fx.App {
	return fx.New(
		core(cfg),
		fx.Provide(
			newPublisher,
			newHTTPHandler,
		),
		fx.Invoke(startKafka, startHTTPServer),
	)
}

// runOnce runs a single aggregation cycle and writes the ranking to CSV.
func runOnce(ctx context.Context, cfg config.Config) error {
	var (
		svc    *dorms.Service
		logger *zap.Logger
	)
	app := fx.New(core(cfg), fx.Populate(&svc, &logger))
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	snapshots, err := svc.GetAllDormData(ctx)
	if err != nil {
		return fmt.Errorf("aggregate dorms: %w", err)
	}
	if err := writeCSV(cfg.OutputCSV, snapshots); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	logger.Info("wrote csv", zap.String("path", cfg.OutputCSV), zap.Int("dorms", len(snapshots)))
	return nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTracing(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*tracing.Provider, error) {
	provider, err := tracing.New(context.Background(), tracing.Settings{
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
		ServiceName: cfg.ServiceName,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing init: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})
	return provider, nil
}

// newTransport returns the upstream round tripper, recording and replaying
// responses when a cache directory is configured.
func newTransport(cfg config.Config, logger *zap.Logger) (http.RoundTripper, error) {
	rt := http.DefaultTransport
	if cfg.CacheDirectory == config.CacheDisabled {
		logger.Info("http caching disabled")
		return rt, nil
	}

	cacheDir := cfg.CacheDirectory
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "dorm-energy-sync")
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	logger.Info("http caching enabled", zap.String("dir", cacheDir))
	return &CachingRoundTripper{
		UnderlyingTransport: rt,
		CacheDir:            filepath.Clean(cacheDir),
		Logger:              logger.Named("cache"),
	}, nil
}

func newStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	logger.Info("using redis store", zap.String("addr", cfg.RedisAddr))
	return store.NewRedis(client, storePrefix), nil
}

func newTokenManager(rt http.RoundTripper, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*telemetry.TokenManager, error) {
	tokens := telemetry.NewTokenManager(rt, cfg.HTTPTimeout, logger, telemetry.WithTokenMetrics(m))
	if err := tokens.SetCredentials(cfg.Credentials()); err != nil {
		return nil, err
	}
	return tokens, nil
}

func newClient(rt http.RoundTripper, tokens *telemetry.TokenManager, cfg config.Config, logger *zap.Logger, m *metrics.Metrics, _ *tracing.Provider) *telemetry.Client {
	opts := []telemetry.ClientOption{
		telemetry.WithTimeout(cfg.HTTPTimeout),
		telemetry.WithLogger(logger),
		telemetry.WithMetrics(m),
	}
	if cfg.UpstreamRPS > 0 {
		opts = append(opts, telemetry.WithRateLimit(cfg.UpstreamRPS, cfg.UpstreamBurst))
	}
	return telemetry.NewClient(rt, tokens, opts...)
}

// newRecorder returns a nil Recorder when no InfluxDB is configured.
func newRecorder(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) dorms.Recorder {
	if cfg.InfluxURL == "" {
		return nil
	}
	influx := sink.NewInflux(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			influx.Close()
			return nil
		},
	})
	logger.Info("recording to influxdb", zap.String("url", cfg.InfluxURL), zap.String("bucket", cfg.InfluxBucket))
	return influx
}

func newDormService(lc fx.Lifecycle, client *telemetry.Client, st store.Store, recorder dorms.Recorder, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*dorms.Service, error) {
	entities, err := config.LoadEntities(cfg.EntitiesFile)
	if err != nil {
		return nil, err
	}
	svc := dorms.NewService(client, dorms.Options{
		Entities:         entities,
		TTL:              cfg.CacheTTL,
		IntegrateHistory: cfg.IntegrateHistory,
		DefaultSelection: dorms.UserSelection{Username: cfg.DefaultUsername, Dorm: cfg.DefaultDorm, EnergyPoints: cfg.EnergyPoints},
		Store:            st,
		Recorder:         recorder,
		Logger:           logger,
		Metrics:          m,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := svc.Restore(ctx); err != nil {
				logger.Warn("restore failed, starting cold", zap.Error(err))
			}
			return nil
		},
	})
	return svc, nil
}

func newPublisher(lc fx.Lifecycle, svc *dorms.Service, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) *dashboard.Publisher {
	p := dashboard.NewPublisher(svc, dashboard.Options{
		RefreshInterval: cfg.RefreshInterval,
		RotateInterval:  cfg.RotateInterval,
		RallyEnd:        cfg.RallyEnd,
		Logger:          logger,
		Metrics:         m,
	})
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				_ = p.Run(context.Background())
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Close()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	return p
}

func startKafka(lc fx.Lifecycle, cfg config.Config, p *dashboard.Publisher, logger *zap.Logger) {
	if len(cfg.KafkaBrokers) == 0 {
		return
	}
	k := sink.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	var unsubscribe func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			unsubscribe = p.Subscribe(k.Observe)
			logger.Info("publishing state to kafka", zap.String("topic", cfg.KafkaTopic))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if unsubscribe != nil {
				unsubscribe()
			}
			return k.Close(ctx)
		},
	})
}

func newHTTPHandler(svc *dorms.Service, p *dashboard.Publisher, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) http.Handler {
	return httpapi.NewHandler(svc, p, httpapi.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
		Metrics:        m,
	})
}

func startHTTPServer(lc fx.Lifecycle, handler http.Handler, cfg config.Config, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
