// Command revocationd serves the revocation feed that client installs poll
// and accepts the processing certificates they upload.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"fathomlicense/internal/app"
	"fathomlicense/internal/config"
	"fathomlicense/internal/infrastructure"
)

func main() {
	configFile := flag.String("config", "", "YAML config file (env FATHOM_* wins)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "revocationd: load env file:", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "revocationd:", err)
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Warn("Failed to initialize logger, using default", "error", err)
		logger = slog.Default()
	}
	defer infrastructure.CloseLogFile()

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
