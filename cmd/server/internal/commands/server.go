package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	zlog "github.com/rs/zerolog/log"

	"github.com/tcprescott/multiworldhost/internal/logger"
	"github.com/tcprescott/multiworldhost/internal/multiserver"
	"github.com/tcprescott/multiworldhost/internal/orchestrator"
	"github.com/tcprescott/multiworldhost/internal/server"
	"github.com/tcprescott/multiworldhost/internal/store"
	postgresstore "github.com/tcprescott/multiworldhost/internal/store/postgres"
	"github.com/tcprescott/multiworldhost/internal/telemetry"
)

type ServerCmd struct {
	// API configuration
	Listen      string   `help:"HTTP API listen address" default:"127.0.0.1:5000" env:"MWHOST_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"*" env:"MWHOST_CORS_ORIGINS"`

	// Game server configuration
	Host         string `help:"interface game servers bind to" default:"0.0.0.0" env:"MWHOST_GAME_HOST"`
	PortLow      int    `help:"low end of the game server port range" default:"30000" env:"MWHOST_PORT_LOW"`
	PortHigh     int    `help:"high end of the game server port range" default:"35000" env:"MWHOST_PORT_HIGH"`
	DataDir      string `help:"directory for multidata and save files" default:"data" env:"MWHOST_DATA_DIR"`
	DefaultsFile string `help:"YAML file with default server options" default:"" env:"MWHOST_DEFAULTS_FILE"`

	StartTimeout time.Duration `help:"timeout for a single game create or resume" default:"60s" env:"MWHOST_START_TIMEOUT"`

	// SweepInterval enables the built-in expiry sweeper. Zero leaves
	// cleanup to the POST /jobs/cleanup endpoint.
	SweepInterval time.Duration `help:"how often to sweep expired games (0 disables)" default:"0" env:"MWHOST_SWEEP_INTERVAL"`
	SweepMaxAge   time.Duration `help:"age after which an untouched game expires" default:"24h" env:"MWHOST_SWEEP_MAX_AGE"`

	// Operational modes
	Tracing      bool `help:"enable tracing" default:"false" env:"MWHOST_TRACING"`
	SkipRecovery bool `help:"skip resuming active games on startup" default:"false" env:"MWHOST_SKIP_RECOVERY"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"MWHOST_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"MWHOST_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting multiworld host service")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "multiworldhost", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	var (
		multiworldStore store.MultiworldStore
		err             error
	)

	switch c.StoreType {
	case "postgres":
		multiworldStore, err = postgresstore.NewMultiworldStore(ctx, &postgresstore.Config{
			Pool: &postgresstore.PoolConfig{
				ConnString:      c.PostgresStore.ConnString,
				MaxConns:        c.PostgresStore.MaxConns,
				MinConns:        c.PostgresStore.MinConns,
				MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
				MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
			},
			AutoMigrate: c.PostgresStore.AutoMigrate,
		})
		if err != nil {
			return fmt.Errorf("failed to create postgres store: %w", err)
		}
		log.Info().Msg("Using PostgreSQL multiworld store")

	default:
		multiworldStore = store.NewMemoryMultiworldStore()
		log.Info().Msg("Using in-memory multiworld store")
	}

	if err = multiworldStore.Start(); err != nil {
		return err
	}
	defer func() {
		if err := multiworldStore.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop multiworld store")
		}
	}()

	defaults := multiserver.DefaultOptions()
	if c.DefaultsFile != "" {
		defaults, err = multiserver.LoadDefaults(c.DefaultsFile)
		if err != nil {
			return err
		}
		log.Info().Str("file", c.DefaultsFile).Msg("Loaded server option defaults")
	}

	svc, err := orchestrator.NewService(orchestrator.Config{
		Host:         c.Host,
		DataDir:      c.DataDir,
		PortLow:      c.PortLow,
		PortHigh:     c.PortHigh,
		Defaults:     defaults,
		StartTimeout: c.StartTimeout,
	}, multiworldStore)
	if err != nil {
		return err
	}

	if !c.SkipRecovery {
		if err := svc.Recover(ctx); err != nil {
			return fmt.Errorf("boot recovery failed: %w", err)
		}
	}

	if c.SweepInterval > 0 {
		go runSweeper(ctx, svc, c.SweepInterval, c.SweepMaxAge)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: c.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})

	handler := logger.Requests(log)(corsMiddleware.Handler(server.NewServer(svc).Handler()))
	httpServer := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", c.Listen).Msg("Listening for API requests")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server")
	}

	// Game servers stop but their records stay active, so the next
	// boot resumes them.
	svc.Shutdown(shutdownCtx)

	return nil
}

// runSweeper periodically expires games that have not been touched
// within the configured age.
func runSweeper(ctx context.Context, svc *orchestrator.Service, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Cleanup(ctx, maxAge); err != nil {
				zlog.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}
