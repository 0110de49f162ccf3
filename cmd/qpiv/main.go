// Command qpiv issues self-signed X.509 certificates whose private key never
// leaves a PIV token.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/remiblancher/qpiv/internal/config"
	"github.com/remiblancher/qpiv/internal/logger"
	"github.com/remiblancher/qpiv/pkg/audit"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath   string
	auditLogPath string
	logLevel     string
	envFile      string
)

// Loaded by the root PersistentPreRunE.
var (
	appConfig *config.Config
	appLog    = zerolog.Nop()
)

func main() {
	// Close the token session on SIGINT/SIGTERM so the card is released.
	setupSignalHandler()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		closeActiveSession()
		os.Exit(1)
	}
	closeActiveSession()
}

func setupSignalHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		closeActiveSession()
		_ = audit.Close()
		os.Exit(130)
	}()
}

var rootCmd = &cobra.Command{
	Use:   "qpiv",
	Short: "Self-signed certificates for PIV tokens",
	Long: `qpiv generates a key in a PIV slot (or reuses the one there), builds a
self-signed X.509 certificate around it on the host, and has the token sign
the certificate digest. The private key never leaves the token.

Supported algorithms:
  ECC:  P-256, P-384 (ECDSA with SHA-256 / SHA-384)
  RSA:  1024, 2048, 3072, 4096 (PKCS#1 v1.5 with SHA-256)

Examples:
  # Issue a certificate for the authentication slot and store it on the token
  QPIV_PIN=123456 qpiv generate --slot 9a --cn "Jane Operator" --store --out jane.pem

  # Show the slot model and what the token currently holds
  qpiv slots --token

  # Serve the HTTP API
  qpiv serve --config qpiv.yaml`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		log, err := logger.Setup(cfg.Log.Level, cfg.Log.Console)
		if err != nil {
			return err
		}
		appConfig, appLog = cfg, log

		// Flag, then environment, then configuration file.
		path := auditLogPath
		if path == "" {
			path = os.Getenv("QPIV_AUDIT_LOG")
		}
		if path == "" {
			path = cfg.Audit.Log
		}
		if path != "" {
			if err := audit.InitFile(path); err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeActiveSession()
		return audit.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file (or set QPIV_AUDIT_LOG env var)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load secrets from a dotenv file")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(algorithmsCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(serveCmd)
}
