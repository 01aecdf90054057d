package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/scriptmesh/internal/client"
	"github.com/3cpo-dev/scriptmesh/internal/config"
	"github.com/3cpo-dev/scriptmesh/pkg/api"
)

// Resolve the control-plane client from flags, environment and secrets.env
func resolveClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	key, _ := cmd.Flags().GetString("key")
	if key == "" {
		key = os.Getenv("SCRIPT_MESH_MAIN_KEY")
	}
	if key == "" {
		secrets, err := config.LoadSecretsEnv("")
		if err != nil {
			return nil, err
		}
		key = secrets["SCRIPT_MESH_MAIN_KEY"]
	}
	if key == "" {
		return nil, fmt.Errorf("no API key: pass --key or set SCRIPT_MESH_MAIN_KEY")
	}
	return client.New(server, key, 60*time.Second), nil
}

// List registered agents
func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tURL\tLAST SEEN")
			for _, name := range sortedKeys(agents) {
				a := agents[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, a.URL, a.LastSeen)
			}
			return tw.Flush()
		},
	}
}

// Show health-check status of every agent
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last health-check result for every agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			statuses, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tURL\tLAST CHECKED")
			for _, name := range sortedKeys(statuses) {
				s := statuses[name]
				checked := "-"
				if s.LastChecked != nil {
					checked = *s.LastChecked
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, colorStatus(s.Status), s.URL, checked)
			}
			return tw.Flush()
		},
	}
}

func colorStatus(status string) string {
	switch {
	case status == "online":
		return color.GreenString(status)
	case status == "offline":
		return color.RedString(status)
	case strings.HasPrefix(status, "error"):
		return color.YellowString(status)
	default:
		return color.HiBlackString(status)
	}
}

// List an agent's scripts
func newScriptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List the scripts an agent can run",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			raw, err := c.Scripts(cmd.Context(), agent)
			if err != nil {
				return err
			}
			var m api.Manifest
			if err := json.Unmarshal(raw, &m); err != nil || len(m.Scripts) == 0 {
				return printJSON(raw)
			}
			cyan := color.New(color.FgCyan)
			for _, s := range m.Scripts {
				cyan.Printf("%s", s.Name)
				fmt.Printf("\t%s", s.Path)
				if s.Description != "" {
					fmt.Printf("\t%s", s.Description)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().String("agent", "", "agent name")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// Run a script on an agent
func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger SCRIPT",
		Short: "Run a manifest script on an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			asJSON, _ := cmd.Flags().GetBool("json")
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			resp, err := c.Trigger(cmd.Context(), agent, args[0])
			if err != nil {
				return err
			}
			var reply api.RunScriptReply
			if asJSON || json.Unmarshal(resp.Output, &reply) != nil {
				return printJSON(resp.Output)
			}
			green := color.New(color.FgGreen)
			green.Printf("%s on %s: %s (exit %d)\n", reply.Script, resp.Agent, reply.Status, reply.Output.ReturnCode)
			if reply.Output.Stdout != "" {
				fmt.Println(reply.Output.Stdout)
			}
			if reply.Output.Stderr != "" {
				fmt.Fprintln(os.Stderr, color.YellowString(reply.Output.Stderr))
			}
			return nil
		},
	}
	cmd.Flags().String("agent", "", "agent name")
	cmd.Flags().Bool("json", false, "print the agent's raw reply")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// Register an agent by hand
func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register NAME URL",
		Short: "Register an agent with the orchestrator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentKey, _ := cmd.Flags().GetString("agent-key")
			if agentKey == "" {
				agentKey = os.Getenv("SCRIPT_MESH_AGENT_KEY")
			}
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			resp, err := c.Register(cmd.Context(), api.RegisterAgentRequest{AgentName: args[0], URL: args[1], APIKey: agentKey})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", resp.Agent, resp.Status)
			return nil
		},
	}
	cmd.Flags().String("agent-key", "", "the agent's API key (default $SCRIPT_MESH_AGENT_KEY)")
	return cmd
}

// Read a file from the orchestrator's data directory
func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read FILENAME",
		Short: "Print a file from the orchestrator's read directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			content, err := c.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		},
	}
}

// Check the orchestrator itself
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show orchestrator health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s: up %s, %d agent(s), registry %s\n",
				color.GreenString(h.Status),
				(time.Duration(h.UptimeSeconds) * time.Second).String(),
				h.RegisteredAgents,
				h.Registry)
			return nil
		},
	}
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = os.Stdout.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
