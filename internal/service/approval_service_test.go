package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/countersign-dev/countersign/internal/adapter/outbound/audit"
	"github.com/countersign-dev/countersign/internal/adapter/outbound/memory"
	"github.com/countersign-dev/countersign/internal/domain/approval"
	"github.com/countersign-dev/countersign/internal/domain/key"
	"github.com/countersign-dev/countersign/internal/domain/tool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubScope returns a fixed scope; swapping Scope after proposal simulates
// workspace drift between proposal and verification.
type stubScope struct {
	mu    sync.Mutex
	Scope approval.ExecutionScope
	Err   error
}

func (s *stubScope) Resolve() (approval.ExecutionScope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Scope, s.Err
}

func (s *stubScope) Set(scope approval.ExecutionScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scope = scope
}

// captureRecorder collects audit records for assertions.
type captureRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureRecorder) Append(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) byEvent(event string) []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Record
	for _, rec := range c.records {
		if rec.Event == event {
			out = append(out, rec)
		}
	}
	return out
}

const testPolicyYAML = `version: 1
rules:
  - tool: read_file
    class: auto
    read_only: true
  - tool: format_code
    class: auto
  - tool: shell
    class: deferred
  - tool: write_file
    class: deferred
`

type testGate struct {
	svc     *ApprovalService
	store   *memory.EnvelopeStore
	manager *key.Manager
	scope   *stubScope
	audit   *captureRecorder
	metrics *Metrics
	keyID   string
	signer  *key.UnlockedKey
}

func newTestGate(t *testing.T) *testGate {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()

	store := memory.NewEnvelopeStore(0)
	keyring := memory.NewKeyringStore(store)
	manager := key.NewManager(t.TempDir(), keyring, logger)

	material, err := manager.Generate(ctx, "correct horse battery")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	signer, err := manager.Unlock("correct horse battery")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	t.Cleanup(signer.Zeroize)

	policy, err := tool.ParsePolicy([]byte(testPolicyYAML), nil, logger)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}

	scope := &stubScope{Scope: approval.ExecutionScope{
		ContextID:         "ctx-1",
		AgentIdentity:     "agent",
		WorkspaceIdentity: "/workspace/project",
	}}
	recorder := &captureRecorder{}
	metrics := NewMetrics(prometheus.NewRegistry())

	svc := NewApprovalService(store, manager, policy, scope, 10*time.Minute, recorder, metrics, logger)
	return &testGate{
		svc:     svc,
		store:   store,
		manager: manager,
		scope:   scope,
		audit:   recorder,
		metrics: metrics,
		keyID:   material.KeyID,
		signer:  signer,
	}
}

// propose defers one shell call and returns the resulting envelope.
func (g *testGate) propose(t *testing.T) *approval.Envelope {
	t.Helper()
	result, err := g.svc.Propose(context.Background(), g.keyID, []approval.ToolCall{
		{CallID: "c1", ToolName: "shell", Arguments: map[string]any{"command": "rm -rf build"}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if result.Nonce == "" {
		t.Fatal("Propose deferred nothing")
	}
	env, err := g.store.FindPending(context.Background(), result.Nonce)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	return env
}

// sign builds a signed decision set approving every call in the envelope.
func (g *testGate) sign(env *approval.Envelope) *approval.SignedDecisionSet {
	set := &approval.SignedDecisionSet{
		Nonce:    env.Nonce,
		PlanHash: env.PlanHash,
		KeyID:    g.keyID,
	}
	for _, call := range env.ToolCalls {
		set.Decisions = append(set.Decisions, approval.Decision{
			CallID:  call.CallID,
			Verdict: approval.VerdictApprove,
		})
	}
	set.Signature = g.signer.Sign(approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions))
	return set
}

func TestPropose_AutoAndReadOnlyBypass(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)

	result, err := g.svc.Propose(context.Background(), g.keyID, []approval.ToolCall{
		{CallID: "r1", ToolName: "read_file", Arguments: map[string]any{"path": "main.go"}},
		{CallID: "a1", ToolName: "format_code"},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if result.Nonce != "" || result.Payload != nil {
		t.Fatalf("auto-only proposal created an envelope: %+v", result)
	}
	if len(result.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(result.Results))
	}
	for _, res := range result.Results {
		if !res.Authorized {
			t.Fatalf("call %s not authorized", res.CallID)
		}
	}
	if got := testutil.ToFloat64(g.metrics.ProposalsTotal.WithLabelValues("auto")); got != 2 {
		t.Fatalf("auto proposals counter = %v, want 2", got)
	}
}

func TestPropose_MixedCallsDeferOnlyUnapproved(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)

	result, err := g.svc.Propose(context.Background(), g.keyID, []approval.ToolCall{
		{CallID: "r1", ToolName: "read_file"},
		{CallID: "s1", ToolName: "shell", Arguments: map[string]any{"command": "make deploy"}},
		{CallID: "w1", ToolName: "write_file", Arguments: map[string]any{"path": "out.txt"}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].CallID != "r1" {
		t.Fatalf("immediate results %+v, want only r1", result.Results)
	}
	if result.Payload == nil {
		t.Fatal("no transport payload for deferred calls")
	}
	if len(result.Payload.ToolCalls) != 2 {
		t.Fatalf("payload carries %d calls, want 2", len(result.Payload.ToolCalls))
	}
	if len(result.Payload.PlanHashPrefix) != approval.HashPrefixLen {
		t.Fatalf("hash prefix %q, want %d characters", result.Payload.PlanHashPrefix, approval.HashPrefixLen)
	}

	env, err := g.store.FindPending(context.Background(), result.Nonce)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if env.KeyID != g.keyID {
		t.Fatalf("envelope key id %s, want %s", env.KeyID, g.keyID)
	}
	if env.ExpiresAt.Sub(env.CreatedAt) != 10*time.Minute {
		t.Fatalf("envelope TTL %s, want 10m", env.ExpiresAt.Sub(env.CreatedAt))
	}

	proposed := g.audit.byEvent(audit.EventProposed)
	if len(proposed) != 1 {
		t.Fatalf("got %d proposed audit records, want 1", len(proposed))
	}
	if len(proposed[0].ToolNames) != 2 {
		t.Fatalf("audit tool names %v, want deferred calls only", proposed[0].ToolNames)
	}
}

func TestPropose_AssignsMissingCallIDs(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)

	result, err := g.svc.Propose(context.Background(), g.keyID, []approval.ToolCall{
		{ToolName: "shell", Arguments: map[string]any{"command": "true"}},
		{ToolName: "shell", Arguments: map[string]any{"command": "false"}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	calls := result.Payload.ToolCalls
	if calls[0].CallID == "" || calls[1].CallID == "" {
		t.Fatalf("call ids not assigned: %+v", calls)
	}
	if calls[0].CallID == calls[1].CallID {
		t.Fatalf("duplicate assigned call id %s", calls[0].CallID)
	}
}

func TestVerifyAndConsume_Approve(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)
	env := g.propose(t)

	result, err := g.svc.VerifyAndConsume(context.Background(), g.sign(env))
	if err != nil {
		t.Fatalf("VerifyAndConsume: %v", err)
	}
	if len(result.Results) != 1 || !result.Results[0].Authorized {
		t.Fatalf("results %+v, want c1 authorized", result.Results)
	}

	// The nonce is spent: replaying the identical signed set fails.
	if _, err := g.svc.VerifyAndConsume(context.Background(), g.sign(env)); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("replay returned %v, want ErrUnknownOrConsumedNonce", err)
	}

	if got := testutil.ToFloat64(g.metrics.ConsumesTotal.WithLabelValues("consumed")); got != 1 {
		t.Fatalf("consumed counter = %v, want 1", got)
	}
	if len(g.audit.byEvent(audit.EventConsumed)) != 1 {
		t.Fatal("no consumed audit record")
	}
}

func TestVerifyAndConsume_Deny(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)
	env := g.propose(t)

	set := g.sign(env)
	set.Decisions[0].Verdict = approval.VerdictDeny
	set.Signature = g.signer.Sign(approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions))

	result, err := g.svc.VerifyAndConsume(context.Background(), set)
	if err != nil {
		t.Fatalf("VerifyAndConsume: %v", err)
	}
	if result.Results[0].Authorized {
		t.Fatal("denied call authorized")
	}
	if result.Results[0].Reason == "" {
		t.Fatal("denied call carries no reason")
	}

	// A denial still consumes the nonce.
	if _, err := g.store.FindPending(context.Background(), env.Nonce); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("envelope still pending after denial: %v", err)
	}
}

func TestVerifyAndConsume_TamperedDecisions(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)
	env := g.propose(t)

	// Flip the verdict after signing: the signature no longer covers the
	// decision set.
	set := g.sign(env)
	set.Decisions[0].Verdict = approval.VerdictDeny

	if _, err := g.svc.VerifyAndConsume(context.Background(), set); !errors.Is(err, approval.ErrInvalidSignature) {
		t.Fatalf("tampered set returned %v, want ErrInvalidSignature", err)
	}

	// The failed attempt did not spend the nonce.
	if _, err := g.store.FindPending(context.Background(), env.Nonce); err != nil {
		t.Fatalf("envelope lost after rejected attempt: %v", err)
	}
}

func TestVerifyAndConsume_WrongKey(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)
	env := g.propose(t)

	set := g.sign(env)
	set.KeyID = "ffffffffffffffff"
	if _, err := g.svc.VerifyAndConsume(context.Background(), set); !errors.Is(err, approval.ErrInvalidSignature) {
		t.Fatalf("foreign key id returned %v, want ErrInvalidSignature", err)
	}
	if got := testutil.ToFloat64(g.metrics.ConsumesTotal.WithLabelValues("invalid_signature")); got != 1 {
		t.Fatalf("invalid_signature counter = %v, want 1", got)
	}
	rejected := g.audit.byEvent(audit.EventRejected)
	if len(rejected) != 1 || rejected[0].Reason != "invalid_signature" {
		t.Fatalf("rejected audit records %+v", rejected)
	}
}

func TestVerifyAndConsume_SignedWrongPlanHash(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)
	env := g.propose(t)

	// A correctly signed set over some other plan hash proves nothing
	// about this envelope.
	set := g.sign(env)
	set.PlanHash = "0000000000000000000000000000000000000000000000000000000000000000"
	set.Signature = g.signer.Sign(approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions))

	if _, err := g.svc.VerifyAndConsume(context.Background(), set); !errors.Is(err, approval.ErrInvalidSignature) {
		t.Fatalf("wrong plan hash returned %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyAndConsume_ContextDrift(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)
	env := g.propose(t)
	set := g.sign(env)

	// The workspace moved between proposal and verification.
	g.scope.Set(approval.ExecutionScope{
		ContextID:         "ctx-1",
		AgentIdentity:     "agent",
		WorkspaceIdentity: "/workspace/other",
	})

	if _, err := g.svc.VerifyAndConsume(context.Background(), set); !errors.Is(err, approval.ErrContextDrift) {
		t.Fatalf("drifted scope returned %v, want ErrContextDrift", err)
	}
	if got := testutil.ToFloat64(g.metrics.ConsumesTotal.WithLabelValues("context_drift")); got != 1 {
		t.Fatalf("context_drift counter = %v, want 1", got)
	}
}

func TestVerifyAndConsume_DecisionBijection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(set *approval.SignedDecisionSet)
	}{
		{
			name: "missing decision",
			mutate: func(set *approval.SignedDecisionSet) {
				set.Decisions = nil
			},
		},
		{
			name: "extra decision",
			mutate: func(set *approval.SignedDecisionSet) {
				set.Decisions = append(set.Decisions, approval.Decision{CallID: "ghost", Verdict: approval.VerdictApprove})
			},
		},
		{
			name: "duplicate call id",
			mutate: func(set *approval.SignedDecisionSet) {
				set.Decisions[0].CallID = "c1"
				set.Decisions = append(set.Decisions, set.Decisions[0])
			},
		},
		{
			name: "unknown call id",
			mutate: func(set *approval.SignedDecisionSet) {
				set.Decisions[0].CallID = "someone-else"
			},
		},
		{
			name: "invalid verdict",
			mutate: func(set *approval.SignedDecisionSet) {
				set.Decisions[0].Verdict = "maybe"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newTestGate(t)
			env := g.propose(t)

			set := g.sign(env)
			tt.mutate(set)
			// Re-sign so the mutation is not caught as a signature failure.
			set.Signature = g.signer.Sign(approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions))

			if _, err := g.svc.VerifyAndConsume(context.Background(), set); !errors.Is(err, approval.ErrDecisionMismatch) {
				t.Fatalf("VerifyAndConsume returned %v, want ErrDecisionMismatch", err)
			}
		})
	}
}

func TestVerifyAndConsume_UnknownNonce(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)

	set := &approval.SignedDecisionSet{
		Nonce:    "never-issued",
		PlanHash: "abc",
		KeyID:    g.keyID,
	}
	set.Signature = g.signer.Sign(approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions))

	if _, err := g.svc.VerifyAndConsume(context.Background(), set); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("unknown nonce returned %v, want ErrUnknownOrConsumedNonce", err)
	}
	if got := testutil.ToFloat64(g.metrics.ConsumesTotal.WithLabelValues("unknown_or_consumed_nonce")); got != 1 {
		t.Fatalf("unknown_or_consumed_nonce counter = %v, want 1", got)
	}
}

func TestVerifyAndConsume_Expired(t *testing.T) {
	t.Parallel()
	g := newTestGate(t)
	env := g.propose(t)
	set := g.sign(env)

	// The approval arrives after the envelope's TTL has elapsed.
	g.store.SetClock(func() time.Time { return env.ExpiresAt.Add(time.Minute) })

	if _, err := g.svc.VerifyAndConsume(context.Background(), set); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("stale approval returned %v, want ErrExpired", err)
	}
	if got := testutil.ToFloat64(g.metrics.ExpiredTotal); got != 1 {
		t.Fatalf("expired counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(g.metrics.ConsumesTotal.WithLabelValues("expired")); got != 1 {
		t.Fatalf("expired consume counter = %v, want 1", got)
	}
	if len(g.audit.byEvent(audit.EventExpired)) != 1 {
		t.Fatal("no expired audit record")
	}
	if len(g.audit.byEvent(audit.EventRejected)) != 0 {
		t.Fatal("expired envelope recorded as rejected")
	}
}

func TestActiveKeyID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewEnvelopeStore(0)
	keyring := memory.NewKeyringStore(store)

	if _, err := ActiveKeyID(ctx, keyring); !errors.Is(err, key.ErrNoActiveKey) {
		t.Fatalf("ActiveKeyID on empty keyring returned %v, want ErrNoActiveKey", err)
	}

	manager := key.NewManager(t.TempDir(), keyring, discardLogger())
	material, err := manager.Generate(ctx, "pass")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got, err := ActiveKeyID(ctx, keyring)
	if err != nil {
		t.Fatalf("ActiveKeyID: %v", err)
	}
	if got != material.KeyID {
		t.Fatalf("ActiveKeyID = %s, want %s", got, material.KeyID)
	}
}

// Proposal and verification run in separate CLI processes sharing only the
// store and the persisted context id. With both resolvers loading the same
// id, an envelope proposed by one process verifies in the other.
func TestVerifyAndConsume_AcrossProcesses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := discardLogger()

	store := memory.NewEnvelopeStore(0)
	keyring := memory.NewKeyringStore(store)
	keyDir := t.TempDir()
	workdir := t.TempDir()
	contextPath := filepath.Join(t.TempDir(), "context_id")

	manager := key.NewManager(keyDir, keyring, logger)
	material, err := manager.Generate(ctx, "shared pass")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	policy, err := tool.ParsePolicy([]byte(testPolicyYAML), nil, logger)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}

	// Each "process" wires its own service and resolves its own scope.
	newProcess := func() *ApprovalService {
		id, err := approval.LoadOrCreateContextID(contextPath)
		if err != nil {
			t.Fatalf("LoadOrCreateContextID: %v", err)
		}
		scope := &approval.LocalScopeResolver{ContextID: id, AgentIdentity: "agent", Workdir: workdir}
		return NewApprovalService(store, manager, policy, scope,
			10*time.Minute, audit.NopRecorder(), NewMetrics(prometheus.NewRegistry()), logger)
	}
	proposer := newProcess()
	approver := newProcess()

	result, err := proposer.Propose(ctx, material.KeyID, []approval.ToolCall{
		{CallID: "c1", ToolName: "shell", Arguments: map[string]any{"command": "make deploy"}},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	env, err := store.FindPending(ctx, result.Nonce)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}

	signer, err := manager.Unlock("shared pass")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer signer.Zeroize()

	set := &approval.SignedDecisionSet{
		Nonce:     env.Nonce,
		PlanHash:  env.PlanHash,
		KeyID:     material.KeyID,
		Decisions: []approval.Decision{{CallID: "c1", Verdict: approval.VerdictApprove}},
	}
	set.Signature = signer.Sign(approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions))

	consumed, err := approver.VerifyAndConsume(ctx, set)
	if err != nil {
		t.Fatalf("VerifyAndConsume in second process: %v", err)
	}
	if len(consumed.Results) != 1 || !consumed.Results[0].Authorized {
		t.Fatalf("results %+v, want c1 authorized", consumed.Results)
	}
}
