// Package service wires the domain components into the approval protocol:
// proposing envelopes, verifying signed decisions, and consuming nonces.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/countersign-dev/countersign/internal/adapter/outbound/audit"
	"github.com/countersign-dev/countersign/internal/domain/approval"
	"github.com/countersign-dev/countersign/internal/domain/key"
	"github.com/countersign-dev/countersign/internal/domain/tool"
)

// tracerName identifies this package's spans.
const tracerName = "github.com/countersign-dev/countersign/internal/service"

// Verifier checks decision signatures against the keyring. *key.Manager
// satisfies it.
type Verifier interface {
	Verify(ctx context.Context, keyID string, msg, sig []byte) bool
}

// ApprovalService is the protocol orchestrator. It holds no persistent
// state of its own: envelopes belong to the store, key material to the key
// manager. It never executes anything.
type ApprovalService struct {
	store    approval.EnvelopeStore
	verifier Verifier
	policy   *tool.Policy
	scope    approval.ScopeResolver
	ttl      time.Duration
	audit    audit.Recorder
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewApprovalService creates the orchestrator. The active key id is passed
// to each Propose call (resolve it with ActiveKeyID), so a rotation takes
// effect on the next proposal without rebuilding the service.
func NewApprovalService(
	store approval.EnvelopeStore,
	verifier Verifier,
	policy *tool.Policy,
	scope approval.ScopeResolver,
	ttl time.Duration,
	auditLog audit.Recorder,
	metrics *Metrics,
	logger *slog.Logger,
) *ApprovalService {
	return &ApprovalService{
		store:    store,
		verifier: verifier,
		policy:   policy,
		scope:    scope,
		ttl:      ttl,
		audit:    auditLog,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// Propose filters the proposed tool calls through the classification
// policy, authorizes auto and read-only calls immediately, and persists a
// pending envelope for the rest. The returned payload carries the nonce, a
// human-readable hash prefix, and the deferred calls with full arguments.
func (s *ApprovalService) Propose(ctx context.Context, activeKeyID string, toolCalls []approval.ToolCall) (*approval.AuthorizationResult, error) {
	ctx, span := s.tracer.Start(ctx, "approval.Propose",
		trace.WithAttributes(attribute.Int("tool_calls", len(toolCalls))))
	defer span.End()

	result := &approval.AuthorizationResult{}
	var deferred []approval.ToolCall

	for _, call := range toolCalls {
		if call.CallID == "" {
			call.CallID = uuid.New().String()
		}

		if s.policy.IsReadOnly(call.ToolName) || s.policy.ClassifyCall(call.ToolName, call.Arguments) == tool.ClassAuto {
			result.Results = append(result.Results, approval.CallResult{
				CallID:     call.CallID,
				ToolName:   call.ToolName,
				Authorized: true,
			})
			s.metrics.ProposalsTotal.WithLabelValues("auto").Inc()
			continue
		}
		deferred = append(deferred, call)
	}

	if len(deferred) == 0 {
		return result, nil
	}

	scope, err := s.scope.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve scope: %w", err)
	}

	planHash, err := approval.PlanHash(scope, deferred)
	if err != nil {
		return nil, fmt.Errorf("hash plan: %w", err)
	}

	nonce, err := approval.NewNonce()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	env := &approval.Envelope{
		Nonce:     nonce,
		PlanHash:  planHash,
		ToolCalls: deferred,
		KeyID:     activeKeyID,
		Status:    approval.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("persist envelope: %w", err)
	}

	s.metrics.ProposalsTotal.WithLabelValues("deferred").Inc()
	s.audit.Append(audit.Record{
		Event:     audit.EventProposed,
		Nonce:     nonce,
		PlanHash:  planHash,
		KeyID:     activeKeyID,
		ToolNames: toolNames(deferred),
	})
	s.logger.Info("approval envelope proposed",
		"nonce", nonce,
		"plan_hash_prefix", approval.HashPrefix(planHash),
		"deferred_calls", len(deferred),
	)

	result.Nonce = nonce
	result.Payload = &approval.TransportPayload{
		Nonce:          nonce,
		PlanHashPrefix: approval.HashPrefix(planHash),
		ToolCalls:      deferred,
		ExpiresAt:      env.ExpiresAt,
	}
	return result, nil
}

// VerifyAndConsume validates a signed decision set and atomically consumes
// its envelope. Checks run in order, short-circuiting on first failure:
// nonce lookup, signature, context drift, decision bijection, consume.
// Every rejection is typed and non-retryable for this submission; the
// caller may re-propose from scratch but never retry the same nonce.
func (s *ApprovalService) VerifyAndConsume(ctx context.Context, set *approval.SignedDecisionSet) (*approval.AuthorizationResult, error) {
	ctx, span := s.tracer.Start(ctx, "approval.VerifyAndConsume",
		trace.WithAttributes(attribute.String("key_id", set.KeyID)))
	defer span.End()

	env, err := s.store.Consume(ctx, set.Nonce, func(env *approval.Envelope) error {
		return s.checkDecisionSet(ctx, env, set)
	})
	if err != nil {
		s.recordRejection(set, err)
		return nil, err
	}

	verdicts := make(map[string]approval.Verdict, len(set.Decisions))
	for _, d := range set.Decisions {
		verdicts[d.CallID] = d.Verdict
	}

	result := &approval.AuthorizationResult{Nonce: env.Nonce}
	for _, call := range env.ToolCalls {
		res := approval.CallResult{CallID: call.CallID, ToolName: call.ToolName}
		if verdicts[call.CallID] == approval.VerdictApprove {
			res.Authorized = true
		} else {
			res.Reason = "denied by approver"
		}
		result.Results = append(result.Results, res)
	}

	s.metrics.ConsumesTotal.WithLabelValues("consumed").Inc()
	s.audit.Append(audit.Record{
		Event:     audit.EventConsumed,
		Nonce:     env.Nonce,
		PlanHash:  env.PlanHash,
		KeyID:     env.KeyID,
		ToolNames: toolNames(env.ToolCalls),
	})
	return result, nil
}

// checkDecisionSet is the consume predicate: signature, drift, and
// bijection checks against the loaded envelope. It runs inside the
// store's consume transaction.
func (s *ApprovalService) checkDecisionSet(ctx context.Context, env *approval.Envelope, set *approval.SignedDecisionSet) error {
	// The decision must claim the key the envelope was issued under; a
	// structurally valid signature from any other key fails, even one the
	// keyring knows.
	if set.KeyID != env.KeyID {
		return approval.ErrInvalidSignature
	}
	msg := approval.DecisionSigningBytes(set.Nonce, set.PlanHash, set.Decisions)
	if !s.verifier.Verify(ctx, set.KeyID, msg, set.Signature) {
		return approval.ErrInvalidSignature
	}
	// The signed plan hash must be the envelope's. A signature over some
	// other plan proves nothing about this envelope.
	if set.PlanHash != env.PlanHash {
		return approval.ErrInvalidSignature
	}

	// TOCTOU defense: recompute the scope and plan hash now, from live
	// state. This runs even though the signature already verified; a
	// valid signature over a stale plan is still rejected.
	scope, err := s.scope.Resolve()
	if err != nil {
		return fmt.Errorf("resolve scope: %w", err)
	}
	fresh, err := approval.PlanHash(scope, env.ToolCalls)
	if err != nil {
		return fmt.Errorf("hash plan: %w", err)
	}
	if fresh != env.PlanHash {
		return approval.ErrContextDrift
	}

	// Bijection: decision call ids must exactly equal the envelope's tool
	// call ids. Missing, extra, or duplicate ids reject the whole set.
	if len(set.Decisions) != len(env.ToolCalls) {
		return approval.ErrDecisionMismatch
	}
	seen := make(map[string]bool, len(set.Decisions))
	for _, d := range set.Decisions {
		if !d.Verdict.IsValid() {
			return approval.ErrDecisionMismatch
		}
		if seen[d.CallID] {
			return approval.ErrDecisionMismatch
		}
		seen[d.CallID] = true
	}
	for _, call := range env.ToolCalls {
		if !seen[call.CallID] {
			return approval.ErrDecisionMismatch
		}
	}
	return nil
}

// recordRejection maps a consume failure to metrics and the audit log. An
// envelope discovered expired at consume time records an expired event
// rather than a rejected one.
func (s *ApprovalService) recordRejection(set *approval.SignedDecisionSet, err error) {
	reason := rejectionReason(err)
	s.metrics.ConsumesTotal.WithLabelValues(reason).Inc()

	event := audit.EventRejected
	if errors.Is(err, approval.ErrExpired) {
		event = audit.EventExpired
		s.metrics.ExpiredTotal.Inc()
	}
	s.audit.Append(audit.Record{
		Event:  event,
		Nonce:  set.Nonce,
		KeyID:  set.KeyID,
		Reason: reason,
	})
	s.logger.Info("decision set rejected", "nonce", set.Nonce, "reason", reason)
}

// rejectionReason returns the metric label for a rejection error.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, approval.ErrUnknownOrConsumedNonce):
		return "unknown_or_consumed_nonce"
	case errors.Is(err, approval.ErrExpired):
		return "expired"
	case errors.Is(err, approval.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, approval.ErrContextDrift):
		return "context_drift"
	case errors.Is(err, approval.ErrDecisionMismatch):
		return "decision_mismatch"
	default:
		return "error"
	}
}

// toolNames extracts tool names for audit records.
func toolNames(calls []approval.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.ToolName
	}
	return names
}

// ActiveKeyID resolves the keyring's current active key id. Convenience
// for callers constructing proposals.
func ActiveKeyID(ctx context.Context, keyring key.KeyringStore) (string, error) {
	entry, err := keyring.ActiveEntry(ctx)
	if err != nil {
		return "", err
	}
	return entry.KeyID, nil
}
