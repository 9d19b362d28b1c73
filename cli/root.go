// Package cli provides the lexflow command-line interface: worker pool
// startup, document and batch submission, and status reporting.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables with the LEXFLOW_ prefix
//  2. .env files
//  3. Configuration file (--config, ./config.yaml, /etc/lexflow/...)
//  4. Built-in defaults
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
)

// cfgFile holds the path given via --config, empty for the default search.
var cfgFile string

// RootCmd is the lexflow entry point.
var RootCmd = &cobra.Command{
	Use:   "lexflow",
	Short: "distributed legal document processing pipeline",
	Long: `lexflow drives legal PDFs through a six-stage pipeline:
OCR, chunking, entity extraction, entity resolution, relationship
building, and finalization.

Workers coordinate through Redis (state, locks, queues), persist results
to PostgreSQL, and read source documents from S3-compatible storage.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
}

// loadConfig loads configuration and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}
