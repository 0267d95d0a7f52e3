package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gantrylabs/gantry/pkg/client"
	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/log"
	"github.com/gantrylabs/gantry/pkg/node"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry - execution node for AI agent runs",
	Long: `Gantry runs AI coding harnesses (codex, claude-code, opencode) as
admission-controlled jobs on a single node: containerized workspaces,
a durable event outbox, health-supervised runtimes and interactive
terminal sessions, behind one HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gantry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:7420", "node API address")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(healthCmd)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the execution node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		var opts []node.Option
		if cfg.ControlPlaneAddr != "" {
			opts = append(opts, node.WithControlClient(client.New(cfg.ControlPlaneAddr)))
		}

		n, err := node.New(cfg, opts...)
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Gantry node listening on %s (slots: %d)\n", cfg.ListenAddr, cfg.MaxSlots)
		return n.Run(ctx)
	},
}

func init() {
	nodeCmd.Flags().String("config", "", "path to a YAML config file")
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}
