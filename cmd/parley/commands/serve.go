package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parleychat/parley/internal/app"
	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/printer"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full agent pipeline in the foreground",
	Long: `Run the full agent pipeline: the task bus, all four agents, the pool
janitor, and the health endpoint. Blocks until interrupted.

Configuration comes from parley.yml plus environment overrides
(REDIS_URL, PARLEY_INSTANCE_NAME, OPENAI_API_KEY). A .env file in the
working directory is loaded if present.

Examples:
  # Run with the default parley.yml
  parley serve

  # Run with an explicit config file
  parley serve --config /etc/parley/parley.yml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to parley.yml (defaults to ./parley.yml when present)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg)
	if err != nil {
		return printer.Error(
			"failed to start pipeline",
			err.Error(),
			[]string{"Check that Redis is reachable at the configured redis_url:\n  redis-cli -u \"$REDIS_URL\" ping"},
		)
	}
	defer application.Close()

	printer.Success("Pipeline wired for instance '%s'\n", cfg.InstanceName)
	printer.Info("Health endpoint listening on %s\n", cfg.Observer.HealthAddr)

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := application.Run(runCtx); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("pipeline error: %w", err)
	}

	printer.Info("Shutdown complete\n")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("parley.yml"); err == nil {
			path = "parley.yml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, printer.Error(
			"failed to load configuration",
			err.Error(),
			[]string{"Validate the file against the documented schema, or remove it to run with defaults."},
		)
	}
	return cfg, nil
}
