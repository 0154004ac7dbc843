package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/countersign-dev/countersign/internal/adapter/outbound/sqlite"
	"github.com/countersign-dev/countersign/internal/config"
)

var pruneAll bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired envelopes past the retention window",
	Long: `Remove expired envelopes past the retention window.

Pending and consumed envelopes are never pruned: consumed rows are the
durable record that an approval was spent. Use --all to drop expired
envelopes regardless of age.`,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneAll, "all", false, "prune all expired envelopes regardless of retention")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx := cmd.Context()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cutoff := time.Now().UTC().Add(-cfg.StoreRetention())
	if pruneAll {
		cutoff = time.Now().UTC()
	}

	store := sqlite.NewEnvelopeStore(db, cfg.EnvelopeClockSkew(), logger)
	swept, pruned, err := store.PruneExpired(ctx, cutoff)
	if err != nil {
		return err
	}

	fmt.Printf("Expired %d pending envelope(s), pruned %d\n", swept, pruned)
	return nil
}
