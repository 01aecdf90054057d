package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/scriptmesh/internal/logging"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scriptmesh",
		Short: "ScriptMesh: dispatch named scripts to a fleet of agents",
		Long:  "ScriptMesh tracks remote execution agents, checks that they are alive, and runs manifest scripts on them over authenticated HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (.yaml or .toml)")
	cmd.PersistentFlags().String("server", envOr("SCRIPT_MESH_URL", "http://localhost:8000"), "orchestrator URL for client commands")
	cmd.PersistentFlags().String("key", "", "control-plane API key (default $SCRIPT_MESH_MAIN_KEY)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		_, _ = logging.Setup(logging.Options{Level: levelStr})
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAgentsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newScriptsCmd())
	cmd.AddCommand(newTriggerCmd())
	cmd.AddCommand(newRegisterCmd())
	cmd.AddCommand(newReadCmd())
	cmd.AddCommand(newHealthCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scriptmesh %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Main entry point
func main() {
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
