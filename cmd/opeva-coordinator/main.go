// Command opeva-coordinator runs the control-plane HTTP server: job
// submission, the pull-based dispatch queue, status reporting, and the
// ops surface (spec §4.1-§4.5).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/opeva/pkg/api"
	"github.com/cuemby/opeva/pkg/clock"
	"github.com/cuemby/opeva/pkg/config"
	"github.com/cuemby/opeva/pkg/dispatcher"
	"github.com/cuemby/opeva/pkg/log"
	"github.com/cuemby/opeva/pkg/queue"
	"github.com/cuemby/opeva/pkg/reaper"
	"github.com/cuemby/opeva/pkg/registry"
	"github.com/cuemby/opeva/pkg/statusstore"
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
	Use:     "opeva-coordinator",
	Short:   "Coordinator for the opeva job-dispatch control plane",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("opeva-coordinator version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	cfg, err := config.LoadCoordinator()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := registry.Open(cfg.RegistryPath(), cfg.RegistryLockPath(), cfg.JobsDir())
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	clk := clock.Real{}
	q, err := queue.New(cfg.QueueDir(), cfg.QueueClaimTTL, clk)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	store := statusstore.New(cfg.JobsDir())

	disp := dispatcher.New(cfg, reg, q, store, clk)
	rpr := reaper.New(cfg, disp, clk)
	srv := api.NewServer(disp, rpr)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("coordinator listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
