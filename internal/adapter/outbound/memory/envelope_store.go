// Package memory provides in-memory implementations of outbound ports,
// for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/countersign-dev/countersign/internal/domain/approval"
)

// EnvelopeStore implements approval.EnvelopeStore with a mutex-guarded
// map. It honors the same atomicity contract as the sqlite store: consume
// is a compare-and-swap under the lock, so two racing consumers on the
// same nonce have exactly one winner. State does not survive restarts.
type EnvelopeStore struct {
	mu        sync.Mutex
	envelopes map[string]*approval.Envelope

	skew time.Duration
	now  func() time.Time
}

var _ approval.EnvelopeStore = (*EnvelopeStore)(nil)

// NewEnvelopeStore creates an empty in-memory envelope store.
func NewEnvelopeStore(skew time.Duration) *EnvelopeStore {
	return &EnvelopeStore{
		envelopes: make(map[string]*approval.Envelope),
		skew:      skew,
		now:       time.Now,
	}
}

// SetClock replaces the store's clock. Test helper.
func (s *EnvelopeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create persists a fresh pending envelope.
func (s *EnvelopeStore) Create(_ context.Context, env *approval.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.envelopes[env.Nonce]; exists {
		return approval.ErrDuplicateNonce
	}
	clone := *env
	clone.ToolCalls = append([]approval.ToolCall(nil), env.ToolCalls...)
	s.envelopes[env.Nonce] = &clone
	return nil
}

// FindPending returns the pending envelope for the nonce.
func (s *EnvelopeStore) FindPending(_ context.Context, nonce string) (*approval.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.loadPendingLocked(nonce)
	if err != nil {
		return nil, err
	}
	clone := *env
	return &clone, nil
}

// Find returns the envelope for the nonce in any status.
func (s *EnvelopeStore) Find(_ context.Context, nonce string) (*approval.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envelopes[nonce]
	if !ok {
		return nil, approval.ErrUnknownOrConsumedNonce
	}
	clone := *env
	return &clone, nil
}

// Consume atomically transitions pending -> consumed when the predicate
// passes. The whole check-and-swap runs under the store lock.
func (s *EnvelopeStore) Consume(_ context.Context, nonce string, predicate approval.ConsumePredicate) (*approval.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.loadPendingLocked(nonce)
	if err != nil {
		return nil, err
	}

	// Predicate sees a copy: a misbehaving predicate cannot mutate the
	// stored row.
	snapshot := *env
	if err := predicate(&snapshot); err != nil {
		return nil, err
	}

	env.Status = approval.StatusConsumed
	clone := *env
	return &clone, nil
}

// ExpireAllPending transitions every pending envelope to expired.
func (s *EnvelopeStore) ExpireAllPending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, env := range s.envelopes {
		if env.Status == approval.StatusPending {
			env.Status = approval.StatusExpired
			n++
		}
	}
	return n, nil
}

// PruneExpired sweeps due pending envelopes to expired and deletes
// expired envelopes older than the cutoff.
func (s *EnvelopeStore) PruneExpired(_ context.Context, olderThan time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var swept, pruned int64
	for nonce, env := range s.envelopes {
		if env.Status == approval.StatusPending && env.ExpiredBy(now, s.skew) {
			env.Status = approval.StatusExpired
			swept++
		}
		if env.Status == approval.StatusExpired && env.ExpiresAt.Before(olderThan) {
			delete(s.envelopes, nonce)
			pruned++
		}
	}
	return swept, pruned, nil
}

// CountByStatus returns envelope counts per lifecycle status.
func (s *EnvelopeStore) CountByStatus(_ context.Context) (map[approval.EnvelopeStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[approval.EnvelopeStatus]int64)
	for _, env := range s.envelopes {
		counts[env.Status]++
	}
	return counts, nil
}

// loadPendingLocked enforces pending status and TTL. Caller holds the lock.
func (s *EnvelopeStore) loadPendingLocked(nonce string) (*approval.Envelope, error) {
	env, ok := s.envelopes[nonce]
	if !ok {
		return nil, approval.ErrUnknownOrConsumedNonce
	}
	if env.Status != approval.StatusPending {
		return nil, approval.ErrUnknownOrConsumedNonce
	}
	if env.ExpiredBy(s.now(), s.skew) {
		env.Status = approval.StatusExpired
		return nil, approval.ErrExpired
	}
	return env, nil
}
