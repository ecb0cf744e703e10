package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wudi/atlas/internal/config"
	"github.com/wudi/atlas/internal/logging"
	"github.com/wudi/atlas/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "atlas.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Atlas Service Registry %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	// Initialize structured logger
	var fileCfg *logging.FileConfig
	if cfg.Logging.File != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}
	}
	logger, err := logging.New(cfg.Logging.Level, fileCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	// Print startup banner
	logging.Info("Starting Atlas Service Registry",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("addr", cfg.Addr()),
		zap.String("database", cfg.DatabasePath),
	)

	// Create and start the server
	srv, err := server.New(cfg, version)
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}

	// Run the server
	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
