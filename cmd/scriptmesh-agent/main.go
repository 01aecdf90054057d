package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/scriptmesh/internal/agent"
	"github.com/3cpo-dev/scriptmesh/internal/config"
	"github.com/3cpo-dev/scriptmesh/internal/logging"
	"github.com/3cpo-dev/scriptmesh/internal/telemetry"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scriptmesh-agent",
		Short:         "Run a ScriptMesh agent",
		Long:          "The agent answers heartbeats, lists its script manifest and runs manifest scripts for the orchestrator.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgentConfig()
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("log", "l", "", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.Flags().String("listen", "", "listen address (default $AGENT_LISTEN or :5001)")
	cmd.Flags().String("name", "", "agent name (default $AGENT_NAME or <hostname>_ScriptMesh_Agent)")
	cmd.Flags().String("url", "", "URL the orchestrator reaches this agent at (default $AGENT_URL)")
	cmd.Flags().String("orchestrator", "", "orchestrator URL (default $ORCHESTRATOR_URL)")
	cmd.Flags().String("scripts", "", "scripts directory (default $SCRIPTS_DIR)")
	cmd.Flags().String("manifest", "", "script manifest, .json or .yaml (default $MANIFEST_PATH)")
	cmd.Flags().Bool("no-register", false, "skip self-registration")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scriptmesh-agent %s\n", version)
		},
	})
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *config.AgentConfig) {
	str := func(name string, dst *string) {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			*dst = v
		}
	}
	str("log", &cfg.Log.Level)
	str("listen", &cfg.Listen)
	str("name", &cfg.Name)
	str("url", &cfg.AdvertiseURL)
	str("orchestrator", &cfg.OrchestratorURL)
	str("scripts", &cfg.ScriptsDir)
	str("manifest", &cfg.ManifestPath)
	if skip, _ := cmd.Flags().GetBool("no-register"); skip {
		cfg.RegisterAttempts = 0
	}
}

func run(ctx context.Context, cfg config.AgentConfig) error {
	closer, err := logging.Setup(logging.Options{
		Level:        cfg.Log.Level,
		Dir:          cfg.Log.Dir,
		Prefix:       "ScriptMesh-agent",
		CompressDays: cfg.Log.CompressDays,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := os.MkdirAll(cfg.ScriptsDir, 0o755); err != nil {
		return fmt.Errorf("create scripts dir: %w", err)
	}

	srv := agent.NewServer(cfg, version, telemetry.NewCollector())
	tlsCfg := agent.MTLSConfigFrom(cfg)

	if err := srv.Listen(cfg.Listen, tlsCfg); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()
	log.Info().Str("agent", cfg.Name).Str("url", cfg.AdvertiseURL).Msg("ScriptMesh agent started and ready to receive requests")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RegisterAttempts > 0 {
		go func() {
			if err := agent.Register(ctx, cfg); err != nil {
				log.Warn().Err(err).Msg("Continuing without registration")
			}
		}()
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("ScriptMesh agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
