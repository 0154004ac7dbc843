// Package approval contains the domain types for the approval envelope
// protocol: proposed tool calls, execution scopes, persisted envelopes,
// and the signed decision sets a human submits against them.
package approval

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NonceSize is the size in bytes of an envelope nonce before hex encoding.
const NonceSize = 32

// HashPrefixLen is the number of hex characters of the plan hash shown to
// humans in transport payloads. The full hash is retained internally.
const HashPrefixLen = 12

// EnvelopeStatus is the lifecycle state of a persisted approval envelope.
type EnvelopeStatus string

const (
	// StatusPending means the envelope awaits a signed decision.
	StatusPending EnvelopeStatus = "pending"

	// StatusConsumed means a signed decision was verified and the envelope
	// was atomically consumed. Terminal.
	StatusConsumed EnvelopeStatus = "consumed"

	// StatusExpired means the TTL elapsed or a key rotation invalidated the
	// envelope before consumption. Terminal.
	StatusExpired EnvelopeStatus = "expired"
)

// Verdict is a human's decision for a single tool call.
type Verdict string

const (
	// VerdictApprove authorizes the call for execution.
	VerdictApprove Verdict = "approve"

	// VerdictDeny rejects the call.
	VerdictDeny Verdict = "deny"
)

// IsValid returns true if the verdict is a known value.
func (v Verdict) IsValid() bool {
	return v == VerdictApprove || v == VerdictDeny
}

// ToolCall is a single proposed side-effecting action. Identity for
// bijection purposes is CallID, stable per proposal.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ExecutionScope is the contextual binding for a proposal. It is derived
// from live system state at both proposal and verification time, never
// accepted as opaque caller input.
type ExecutionScope struct {
	// ContextID is a stable per-conversation approval context identifier.
	ContextID string `json:"context_id"`

	// AgentIdentity names the agent on whose behalf calls are proposed.
	AgentIdentity string `json:"agent_identity"`

	// WorkspaceIdentity binds the proposal to a workspace (typically an
	// absolute path or a stable workspace fingerprint).
	WorkspaceIdentity string `json:"workspace_identity"`
}

// Envelope is the persisted unit of trust binding a single-use nonce to a
// set of proposed tool calls and their canonical plan hash.
type Envelope struct {
	Nonce     string         `json:"nonce"`
	PlanHash  string         `json:"plan_hash"`
	ToolCalls []ToolCall     `json:"tool_calls"`
	KeyID     string         `json:"key_id"`
	Status    EnvelopeStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// ExpiredBy reports whether the envelope's TTL has elapsed at the given
// instant, after allowing for the given clock-skew tolerance.
func (e *Envelope) ExpiredBy(now time.Time, skew time.Duration) bool {
	return now.After(e.ExpiresAt.Add(skew))
}

// Decision is one (call_id, verdict) pair in a signed decision set.
type Decision struct {
	CallID  string  `json:"call_id"`
	Verdict Verdict `json:"verdict"`
}

// SignedDecisionSet is the human's response to a transport payload. It is
// ephemeral: it exists in transit only and is never persisted beyond what
// the envelope store records about the outcome.
type SignedDecisionSet struct {
	Nonce     string     `json:"nonce"`
	PlanHash  string     `json:"plan_hash"`
	Decisions []Decision `json:"decisions"`
	KeyID     string     `json:"key_id"`

	// Signature is a detached Ed25519 signature over the canonical bytes of
	// (Nonce, PlanHash, Decisions). See DecisionSigningBytes.
	Signature []byte `json:"signature"`
}

// TransportPayload is what the human-facing layer receives for review.
// Tool call arguments are carried in full: the human must see exactly what
// will execute.
type TransportPayload struct {
	Nonce          string     `json:"nonce"`
	PlanHashPrefix string     `json:"plan_hash_prefix"`
	ToolCalls      []ToolCall `json:"tool_calls"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// CallResult is the per-call outcome of a verified decision set.
type CallResult struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
}

// AuthorizationResult is returned to the agent loop after proposal or
// verification. The caller executes authorized calls and surfaces denial
// reasons for the rest; the protocol itself executes nothing.
type AuthorizationResult struct {
	Nonce   string       `json:"nonce,omitempty"`
	Results []CallResult `json:"results"`

	// Payload is set when deferred calls await a human decision. Nil when
	// every proposed call was auto-authorized.
	Payload *TransportPayload `json:"payload,omitempty"`
}

// NewNonce returns a fresh hex-encoded nonce with NonceSize bytes of
// entropy from crypto/rand.
func NewNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
