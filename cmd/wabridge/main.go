package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wabridge/internal/config"
	"wabridge/internal/httpapi"
	"wabridge/internal/logging"
	"wabridge/internal/whatsapp"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dataDir    string

	// Logger
	logger *zap.Logger

	version = "0.1.0"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wabridge",
	Short: "wabridge - WhatsApp session bridge",
	Long: `wabridge hosts browser-backed WhatsApp sessions for multiple users
and exposes them over HTTP: connect, pair via QR, check status, send
messages and disconnect. Session credentials are kept on disk so a
linked session survives restarts.

Run "wabridge serve" to start the bridge.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// serveCmd runs the bridge until a termination signal.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP bridge and session manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if dataDir != "" {
			cfg.WhatsApp.DataDir = dataDir
		}

		if err := logging.Initialize(cfg.WhatsApp.DataDir, logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		defer logging.CloseAll()

		settings := whatsapp.SettingsFromConfig(cfg.WhatsApp)
		manager := whatsapp.NewSessionManager(settings)
		server := httpapi.NewServer(cfg.Server, manager)

		logger.Info("wabridge starting",
			zap.String("version", version),
			zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
			zap.String("data_dir", cfg.WhatsApp.DataDir))

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		manager.Shutdown(shutdownCtx)
		logger.Info("wabridge stopped")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the wabridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wabridge %s\n", version)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
