package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/scriptmesh/internal/config"
	"github.com/3cpo-dev/scriptmesh/internal/dispatch"
	"github.com/3cpo-dev/scriptmesh/internal/health"
	"github.com/3cpo-dev/scriptmesh/internal/logging"
	"github.com/3cpo-dev/scriptmesh/internal/registry"
	"github.com/3cpo-dev/scriptmesh/internal/server"
	"github.com/3cpo-dev/scriptmesh/internal/telemetry"
	"github.com/3cpo-dev/scriptmesh/internal/vault"
)

// Run the orchestrator
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("listen"); v != "" {
				cfg.Listen = v
			}
			if cmd.Flags().Changed("log") {
				cfg.Log.Level, _ = cmd.Flags().GetString("log")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	closer, err := logging.Setup(logging.Options{
		Level:        cfg.Log.Level,
		Dir:          cfg.Log.Dir,
		Prefix:       "ScriptMesh-orchestrator",
		CompressDays: cfg.Log.CompressDays,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	v, err := vault.Open(cfg.Vault.KeyFile)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	backend, err := openBackend(cfg.Registry)
	if err != nil {
		return err
	}
	store := registry.NewStore(backend, v)
	defer store.Close()
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}

	agentTLS, err := cfg.Agents.TLS.ClientTLSConfig()
	if err != nil {
		return err
	}
	transport := dispatch.NewTransport(agentTLS)
	defer transport.CloseIdleConnections()

	metrics := telemetry.NewCollector()
	gateway := dispatch.New(store,
		dispatch.WithHTTPClient(&http.Client{Transport: transport}),
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithMetrics(metrics),
	)
	monitor := health.New(store,
		health.WithHTTPClient(&http.Client{Transport: transport}),
		health.WithInterval(cfg.Health.Interval),
		health.WithTimeout(cfg.Health.Timeout),
		health.WithMetrics(metrics),
	)
	srv := server.New(store, gateway, server.Options{
		APIKey:           cfg.APIKey,
		ReadDir:          cfg.ReadDir,
		VerifyOnRegister: cfg.Dispatch.VerifyOnRegister,
		Version:          version,
		Metrics:          metrics,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	defer monitor.Stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Listen) }()
	log.Info().Str("registry", cfg.Registry.Path).Str("backend", cfg.Registry.Backend).Msg("ScriptMesh orchestrator started and ready to receive requests")

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("ScriptMesh orchestrator shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openBackend(cfg config.RegistryConfig) (registry.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return registry.NewSQLiteBackend(cfg.Path)
	case "file":
		return registry.NewFileBackend(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}
