package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/countersign-dev/countersign/internal/adapter/outbound/audit"
	"github.com/countersign-dev/countersign/internal/adapter/outbound/sqlite"
	"github.com/countersign-dev/countersign/internal/config"
	"github.com/countersign-dev/countersign/internal/domain/approval"
	"github.com/countersign-dev/countersign/internal/domain/key"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the approval key",
	Long: `Rotate the approval keypair.

The current key must be unlocked with its passphrase, then a new keypair
is generated and sealed under a new passphrase. The old keyring entry is
retired and every pending envelope is expired in the same transaction:
nothing proposed under the old key remains approvable.`,
	RunE: runRotate,
}

func init() {
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	current, err := readPassphrase("Current passphrase: ", false)
	if err != nil {
		return err
	}
	next, err := readPassphrase("Passphrase for new key: ", true)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := newKeyManager(db, cfg, logger)
	unlocked, err := mgr.Unlock(current)
	if err != nil {
		return err
	}
	defer unlocked.Zeroize()

	oldKeyID := unlocked.KeyID()

	// Pending envelopes are expired inside the rotation transaction, so
	// count them up front for the audit trail.
	var pending int64
	store := sqlite.NewEnvelopeStore(db, cfg.EnvelopeClockSkew(), logger)
	if counts, err := store.CountByStatus(ctx); err != nil {
		logger.Warn("envelope count unavailable", "error", err)
	} else {
		pending = counts[approval.StatusPending]
	}

	mat, err := mgr.Rotate(ctx, unlocked, next)
	if err != nil {
		return err
	}

	recorder, err := newAuditRecorder(cfg, logger)
	if err != nil {
		logger.Warn("audit recorder unavailable", "error", err)
	} else {
		if pending > 0 {
			recorder.Append(audit.Record{
				Event:  audit.EventExpired,
				KeyID:  oldKeyID,
				Reason: fmt.Sprintf("%d pending envelope(s) expired by key rotation", pending),
			})
		}
		recorder.Append(audit.Record{
			Event:  audit.EventRotated,
			KeyID:  mat.KeyID,
			Reason: fmt.Sprintf("retired %s", oldKeyID),
		})
	}

	fmt.Printf("Rotated approval key\n")
	fmt.Printf("  Retired key: %s\n", oldKeyID)
	fmt.Printf("  Active key:  %s\n", mat.KeyID)
	fmt.Printf("  Fingerprint: %s\n", key.Fingerprint(mat.PublicKey))
	return nil
}
