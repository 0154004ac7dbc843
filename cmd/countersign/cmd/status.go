package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/countersign-dev/countersign/internal/adapter/outbound/sqlite"
	"github.com/countersign-dev/countersign/internal/config"
	"github.com/countersign-dev/countersign/internal/domain/approval"
	"github.com/countersign-dev/countersign/internal/domain/key"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show keyring and envelope store status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	keyring := sqlite.NewKeyringStore(db, logger)
	entries, err := keyring.List(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Keyring (%s):\n", cfg.Store.Path)
	if len(entries) == 0 {
		fmt.Println("  no keys; run 'countersign keygen'")
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-7s  created %s", e.KeyID, e.Status, e.CreatedAt.Format("2006-01-02 15:04"))
		if e.RetiredAt != nil {
			line += fmt.Sprintf("  retired %s", e.RetiredAt.Format("2006-01-02 15:04"))
		}
		fmt.Println(line)
	}

	if _, err := keyring.ActiveEntry(ctx); errors.Is(err, key.ErrNoActiveKey) && len(entries) > 0 {
		fmt.Println("  warning: no active key; run 'countersign keygen'")
	}

	envelopes := sqlite.NewEnvelopeStore(db, cfg.EnvelopeClockSkew(), logger)
	counts, err := envelopes.CountByStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Envelopes:")
	for _, status := range []approval.EnvelopeStatus{
		approval.StatusPending, approval.StatusConsumed, approval.StatusExpired,
	} {
		fmt.Printf("  %-9s %d\n", status, counts[status])
	}
	return nil
}
