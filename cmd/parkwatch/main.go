package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parkwatch/config"
	"parkwatch/core/appbootstrap"
	"parkwatch/core/utils"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", os.Getenv("PARKWATCH_CONFIG"), "path to a YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config")
	flag.Parse()

	logger := utils.NewLogger()
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatalf("load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := appbootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Errorf("server: %v", err)
		}
	case <-ctx.Done():
		logger.Printf("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
