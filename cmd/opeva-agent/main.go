// Command opeva-agent runs the worker-side poll-claim-run-report loop
// (spec §4.6): it claims one job at a time from the coordinator, runs
// it in a container via containerd, and reports status back over
// HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/opeva/pkg/agent"
	"github.com/cuemby/opeva/pkg/config"
	"github.com/cuemby/opeva/pkg/log"
	"github.com/cuemby/opeva/pkg/runtime"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "opeva-agent",
	Short:   "Worker agent for the opeva job-dispatch control plane",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker agent poll loop",
	RunE:  runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("opeva-agent version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.AddCommand(serveCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runner, err := runtime.NewContainerdRunner(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer runner.Close()

	a := agent.New(cfg, runner)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger.Info().Str("worker_id", cfg.WorkerID).Str("coordinator", cfg.CoordinatorURL).Msg("agent starting")
	return a.Run(ctx)
}
