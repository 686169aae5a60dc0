package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/gateway"
	"github.com/relaypoint/relaypoint/internal/hub"
	"github.com/relaypoint/relaypoint/internal/identity"
	"github.com/relaypoint/relaypoint/internal/logger"
	"github.com/relaypoint/relaypoint/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
		logPath    string
	)

	rootCmd := &cobra.Command{
		Use:          "relaypoint",
		Short:        "Realtime update distribution hub",
		Long:         "relaypoint accepts persistent client connections, groups them by account, and fans structured update events out to the matching subset of connections.",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath, listen, logLevel, logPath)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to JSON config file")
	rootCmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, none (overrides config)")
	rootCmd.Flags().StringVar(&logPath, "log-path", "", "Log file path (overrides config; default stderr)")

	return rootCmd
}

func run(configPath, listen, logLevel, logPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	verifier, err := identity.NewVerifier(&cfg.Auth)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	met := metrics.New(registry)

	router := hub.NewRouter(cfg.Hub, logger.Global(), met)
	server := gateway.NewServer(cfg, verifier, router, met, registry)

	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("relaypoint started on %s", cfg.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received %s, shutting down", sig)

	return server.Stop()
}
