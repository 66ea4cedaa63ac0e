// Package main implements the factlog binary. It runs ingest, query and the
// view refresher in one process, or one of them based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/factlog/factlog/internal/app"
	"github.com/factlog/factlog/internal/config"
	"github.com/factlog/factlog/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		mode        string
		httpAddr    string
		grpcAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", "", "Dotenv file with FACTLOG_* variables; set variables win")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, ingest, query, refresh (default all)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "factlog - append-only fact log with a derived, access-checked view\n\n")
		fmt.Fprintf(os.Stderr, "Usage: factlog [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  factlog --data-dir /data/factlog\n")
		fmt.Fprintf(os.Stderr, "  factlog --mode query --config /etc/factlog/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_MODE                 Service mode (all, ingest, query, refresh)\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_DATA_DIR             Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_HTTP_ADDR            HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_GRPC_ADDR            gRPC listen address\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_INGEST_BACKEND       Ingest buffer (wal, postgres)\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_INGEST_POSTGRES_URL  Postgres connection string\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_ACCESS_PEPPER        Credential hash key\n")
		fmt.Fprintf(os.Stderr, "  FACTLOG_STORAGE_TYPE         Snapshot storage (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("factlog version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, envFile, dataDir, mode, httpAddr, grpcAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting factlog",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("mode", string(cfg.Mode)),
		zap.String("data_dir", cfg.DataDir),
		zap.String("backend", cfg.Ingest.Backend))

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
// An env file only fills variables the environment does not already set.
func loadConfig(configFile, envFile, dataDir, mode, httpAddr, grpcAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	// flags win
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}

	return cfg, nil
}
