package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/countersign-dev/countersign/internal/config"
	"github.com/countersign-dev/countersign/internal/domain/key"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the approval keypair",
	Long: `Generate an Ed25519 approval keypair.

The private key is sealed with a passphrase-derived key and written to
the key directory; the public key is registered as the active keyring
entry. Refuses to overwrite an existing key: use "countersign rotate"
to replace it.`,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	passphrase, err := readPassphrase("Passphrase for new key: ", true)
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
	mat, err := mgr.Generate(ctx, passphrase)
	if err != nil {
		if errors.Is(err, key.ErrKeyExists) {
			return fmt.Errorf("%w: use 'countersign rotate' to replace the key", err)
		}
		return err
	}

	fmt.Printf("Generated approval key\n")
	fmt.Printf("  Key ID:      %s\n", mat.KeyID)
	fmt.Printf("  Fingerprint: %s\n", key.Fingerprint(mat.PublicKey))
	fmt.Printf("  Created:     %s\n", mat.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

// readPassphrase prompts on stderr and reads a passphrase without echo.
// When confirm is true the passphrase is read twice and must match.
func readPassphrase(prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; cannot read passphrase")
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", errors.New("passphrase must not be empty")
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(first), nil
}
