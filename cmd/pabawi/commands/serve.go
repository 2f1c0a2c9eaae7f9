package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pabawi/pabawi/config"
	"github.com/pabawi/pabawi/db"
	"github.com/pabawi/pabawi/errors"
	"github.com/pabawi/pabawi/execution"
	"github.com/pabawi/pabawi/logger"
	"github.com/pabawi/pabawi/runner"
	"github.com/pabawi/pabawi/server"
	"github.com/pabawi/pabawi/stream"
	"github.com/pabawi/pabawi/version"
)

// ServeCmd starts the Pabawi server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the Pabawi server",
	Long: `Start the execution queue, record store, streaming manager and the
HTTP/WebSocket API on the configured address. Configuration comes from
pabawi.toml (working directory or ~/.config/pabawi), PABAWI_* environment
variables, or the --config flag.`,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config file (overrides default lookup)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	// Bad queue bounds or an unknown backend must stop startup, not
	// surface later as runtime errors.
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to run database migrations")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := stream.NewManager(logger.Logger)

	run, err := buildRunner(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to build runner")
	}

	queue, err := execution.NewQueue(ctx, database, run, streams, cfg.ExecutionQueueConfig(), logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to create execution queue")
	}

	srv := server.NewServer(ctx, queue, streams, cfg.Server, logger.Logger)

	printStartupBanner(cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server failed")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			shutdownDone <- srv.Shutdown(shutdownCtx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

func loadConfig() (*config.Config, error) {
	if serveConfigPath != "" {
		return config.LoadFromFile(serveConfigPath)
	}
	return config.Load()
}

// buildRunner selects the execution backend from configuration.
func buildRunner(cfg *config.Config) (execution.Runner, error) {
	switch cfg.Runner.Backend {
	case "shell":
		return runner.NewShellRunner(logger.Logger), nil
	case "ssh":
		return runner.NewSSHRunner(cfg.Runner.SSH, logger.Logger)
	default:
		return nil, errors.Newf("unknown runner backend %q", cfg.Runner.Backend)
	}
}

func printStartupBanner(cfg *config.Config) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Printf("Pabawi %s", info.Version)
	pterm.Println()
	pterm.Info.Printf("Listening:    http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	pterm.Info.Printf("Database:     %s\n", cfg.Database.Path)
	pterm.Info.Printf("Backend:      %s\n", cfg.Runner.Backend)
	pterm.Info.Printf("Concurrency:  %d running / %d queued max\n",
		cfg.Queue.ConcurrencyLimit, cfg.Queue.MaxQueueSize)
	pterm.Println()
}
