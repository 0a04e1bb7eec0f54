package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/parleychat/parley/internal/app"
	"github.com/parleychat/parley/internal/config"
)

func main() {
	// 1. Load environment variables (.env is optional)
	_ = godotenv.Load()

	// 2. Load parley.yml configuration, path overridable via PARLEY_CONFIG
	configPath := os.Getenv("PARLEY_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("parley.yml"); err == nil {
			configPath = "parley.yml"
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 3. Wire the pipeline and verify Redis connectivity
	ctx := context.Background()
	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	fmt.Printf("parleyd starting for instance '%s'\n", cfg.InstanceName)

	// 4. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 5. Run the pipeline
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(runCtx)
	}()

	// 6. Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "parleyd error: %v\n", runErr)
			os.Exit(1)
		}
	}

	fmt.Println("parleyd shutdown complete")
}
