package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"photosync/internal/app"
	"photosync/internal/config"
	"photosync/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "photosync",
	Short: "Upload photo and video orders to S3-compatible storage",
	Long:  `A resumable upload tool for photo and video order folders with checkpointing, a completion ledger, and per-category organization.`,
	RunE:  runUpload,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Remote store flags
	rootCmd.Flags().String("endpoint", "", "S3-compatible endpoint")
	rootCmd.Flags().String("access-key", "", "Access key")
	rootCmd.Flags().String("secret-key", "", "Secret key")
	rootCmd.Flags().Bool("secure", false, "Use HTTPS")

	// Task flags
	rootCmd.Flags().String("task-id", "", "Task identifier (generated when empty; reuse to resume)")
	rootCmd.Flags().String("bucket", "", "Bucket name (required)")
	rootCmd.Flags().String("remote-prefix", "", "Remote key prefix for this order")
	rootCmd.Flags().String("local-root", "", "Local order folder to upload (required)")

	// Engine flags
	rootCmd.Flags().String("ledger", "./photosync.db", "Completion ledger database file")
	rootCmd.Flags().String("state-dir", "./state", "Directory for task checkpoint files")
	rootCmd.Flags().Int("checkpoint-every", 10, "Entries between checkpoint saves")
	rootCmd.Flags().Bool("skip-existing", true, "Skip objects that already exist remotely with the same size")
	rootCmd.Flags().Bool("show-progress", true, "Show console progress display")
	rootCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	// Load configuration
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create application
	uploader, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create uploader: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	// Run upload
	err = uploader.Run(ctx)

	// Close uploader resources after the run completes or is cancelled
	if closeErr := uploader.Close(); closeErr != nil {
		log.Error("Error closing uploader", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
