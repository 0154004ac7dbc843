package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/countersign-dev/countersign/internal/domain/approval"
	"github.com/countersign-dev/countersign/internal/service"
)

var proposeFile string

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose tool calls for approval",
	Long: `Propose a set of tool calls for approval.

Reads a JSON array of tool calls from stdin (or --file):

  [{"call_id": "c1", "tool_name": "shell", "arguments": {"command": "rm -rf build"}}]

Calls the policy marks auto or read-only are authorized immediately.
The rest are sealed into a pending envelope; the printed payload carries
the nonce and the exact calls awaiting a signed decision. Submit the
decision with "countersign approve <nonce>".`,
	RunE: runPropose,
}

func init() {
	proposeCmd.Flags().StringVar(&proposeFile, "file", "", "read tool calls from file instead of stdin")
	rootCmd.AddCommand(proposeCmd)
}

func runPropose(cmd *cobra.Command, args []string) error {
	var input io.Reader = os.Stdin
	if proposeFile != "" {
		f, err := os.Open(proposeFile)
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}

	var calls []approval.ToolCall
	if err := json.NewDecoder(input).Decode(&calls); err != nil {
		return fmt.Errorf("decode tool calls: %w", err)
	}
	if len(calls) == 0 {
		return fmt.Errorf("no tool calls to propose")
	}

	ctx := cmd.Context()
	g, err := buildGate(ctx)
	if err != nil {
		return err
	}
	defer g.Close(ctx)

	activeKeyID, err := service.ActiveKeyID(ctx, g.keyring)
	if err != nil {
		return err
	}

	result, err := g.svc.Propose(ctx, activeKeyID, calls)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
