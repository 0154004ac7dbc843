package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/countersign-dev/countersign/internal/domain/approval"
)

var approveDeny []string

var approveCmd = &cobra.Command{
	Use:   "approve <nonce>",
	Short: "Sign and submit a decision for a pending envelope",
	Long: `Sign and submit a decision for a pending envelope.

Shows the envelope's tool calls, unlocks the approval key with its
passphrase, signs a decision for every call, and submits the signed set
for verification. All calls are approved unless listed in --deny.

The envelope is single-use: whatever the outcome of each call's verdict,
a successfully verified submission consumes the nonce.

Examples:
  countersign approve 4f1f...
  countersign approve 4f1f... --deny c2,c3`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().StringSliceVar(&approveDeny, "deny", nil, "call ids to deny (all others are approved)")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	nonce := args[0]

	ctx := cmd.Context()
	g, err := buildGate(ctx)
	if err != nil {
		return err
	}
	defer g.Close(ctx)

	env, err := g.envelopes.FindPending(ctx, nonce)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Envelope %s (plan %s), %d call(s):\n",
		env.Nonce, approval.HashPrefix(env.PlanHash), len(env.ToolCalls))
	for _, call := range env.ToolCalls {
		verdict := approval.VerdictApprove
		if slices.Contains(approveDeny, call.CallID) {
			verdict = approval.VerdictDeny
		}
		args, _ := json.Marshal(call.Arguments)
		fmt.Fprintf(os.Stderr, "  [%s] %s %s %s\n", call.CallID, verdict, call.ToolName, args)
	}

	for _, id := range approveDeny {
		if !slices.ContainsFunc(env.ToolCalls, func(c approval.ToolCall) bool { return c.CallID == id }) {
			return fmt.Errorf("--deny %s: no such call in envelope", id)
		}
	}

	passphrase, err := readPassphrase("Passphrase: ", false)
	if err != nil {
		return err
	}
	unlocked, err := g.manager.Unlock(passphrase)
	if err != nil {
		return err
	}
	defer unlocked.Zeroize()

	decisions := make([]approval.Decision, 0, len(env.ToolCalls))
	for _, call := range env.ToolCalls {
		verdict := approval.VerdictApprove
		if slices.Contains(approveDeny, call.CallID) {
			verdict = approval.VerdictDeny
		}
		decisions = append(decisions, approval.Decision{CallID: call.CallID, Verdict: verdict})
	}

	set := &approval.SignedDecisionSet{
		Nonce:     env.Nonce,
		PlanHash:  env.PlanHash,
		Decisions: decisions,
		KeyID:     unlocked.KeyID(),
	}
	set.Signature = unlocked.Sign(approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions))

	result, err := g.svc.VerifyAndConsume(ctx, set)
	if err != nil {
		return err
	}

	for _, res := range result.Results {
		status := "denied"
		if res.Authorized {
			status = "authorized"
		}
		line := fmt.Sprintf("%s %s: %s", res.CallID, res.ToolName, status)
		if res.Reason != "" {
			line += " (" + res.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}
