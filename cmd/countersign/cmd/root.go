// Package cmd provides the CLI commands for countersign.
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/countersign-dev/countersign/internal/adapter/outbound/audit"
	"github.com/countersign-dev/countersign/internal/adapter/outbound/sqlite"
	"github.com/countersign-dev/countersign/internal/config"
	"github.com/countersign-dev/countersign/internal/domain/key"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "countersign",
	Short: "countersign - cryptographic approval gate for autonomous agents",
	Long: `countersign stands between an agent's proposed tool calls and their
execution. Calls that policy cannot auto-approve are sealed into a
single-use envelope; execution proceeds only against a decision signed
by the holder of the approval key, verified against the exact plan that
was proposed.

Quick start:
  1. Generate an approval key: countersign keygen
  2. Point your agent harness at the countersign library or hook.

Configuration:
  Config is loaded from countersign.yaml in the current directory,
  $HOME/.countersign/, or /etc/countersign/.

  Environment variables can override config values with the COUNTERSIGN_
  prefix. Example: COUNTERSIGN_ENVELOPE_TTL=5m

Commands:
  keygen      Generate the approval keypair
  rotate      Rotate the approval key (expires all pending envelopes)
  propose     Propose tool calls for approval
  approve     Sign and submit a decision for a pending envelope
  classify    Classify a shell command line into an escalation tier
  status      Show keyring and envelope store status
  prune       Remove expired envelopes past the retention window
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./countersign.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the stderr text logger every command uses. stdout is
// reserved for command output.
func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

// parseLogLevel maps a config log level string to a slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openDatabase opens the envelope/keyring database, creating parent
// directories on first use.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return sqlite.Open(ctx, cfg.Store.Path)
}

// newKeyManager wires the key manager against the sqlite keyring.
func newKeyManager(db *sql.DB, cfg *config.Config, logger *slog.Logger) *key.Manager {
	keyring := sqlite.NewKeyringStore(db, logger)
	return key.NewManager(cfg.Keys.Dir, keyring, logger)
}

// newAuditRecorder builds the configured audit recorder: a rotating file
// store for file:// outputs, a JSON line stream for stdout.
func newAuditRecorder(cfg *config.Config, logger *slog.Logger) (audit.Recorder, error) {
	path := cfg.AuditFilePath()
	if path == "" {
		return audit.NewStreamRecorder(os.Stdout, logger), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return audit.NewFileStore(path, int64(cfg.Audit.MaxFileSizeMB)<<20, logger)
}
