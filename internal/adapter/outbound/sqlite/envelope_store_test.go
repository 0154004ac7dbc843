package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/countersign-dev/countersign/internal/domain/approval"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *EnvelopeStore {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewEnvelopeStore(db, 0, testLogger())
}

func newTestEnvelope(nonce string, ttl time.Duration) *approval.Envelope {
	now := time.Now().UTC()
	return &approval.Envelope{
		Nonce:    nonce,
		PlanHash: "b7e23ec29af22b0b4e41da31e868d57226121c84",
		ToolCalls: []approval.ToolCall{
			{CallID: "c1", ToolName: "shell", Arguments: map[string]any{"command": "rm -rf build"}},
		},
		KeyID:     "0123456789abcdef",
		Status:    approval.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestEnvelopeStore_Lifecycle(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	env := newTestEnvelope("nonce-lifecycle", time.Minute)
	if err := store.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := store.FindPending(ctx, env.Nonce)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if found.PlanHash != env.PlanHash || found.KeyID != env.KeyID {
		t.Fatalf("FindPending returned %+v, want hash %s key %s", found, env.PlanHash, env.KeyID)
	}
	if len(found.ToolCalls) != 1 || found.ToolCalls[0].ToolName != "shell" {
		t.Fatalf("tool calls not round-tripped: %+v", found.ToolCalls)
	}

	consumed, err := store.Consume(ctx, env.Nonce, func(*approval.Envelope) error { return nil })
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if consumed.Status != approval.StatusConsumed {
		t.Fatalf("consumed envelope has status %s", consumed.Status)
	}

	if _, err := store.Consume(ctx, env.Nonce, func(*approval.Envelope) error { return nil }); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("second Consume returned %v, want ErrUnknownOrConsumedNonce", err)
	}
	if _, err := store.FindPending(ctx, env.Nonce); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("FindPending on consumed returned %v, want ErrUnknownOrConsumedNonce", err)
	}

	// Find still sees the consumed row for status reporting.
	found, err = store.Find(ctx, env.Nonce)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.Status != approval.StatusConsumed {
		t.Fatalf("Find returned status %s, want consumed", found.Status)
	}
}

func TestEnvelopeStore_DuplicateNonce(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	env := newTestEnvelope("nonce-dup", time.Minute)
	if err := store.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.Create(ctx, newTestEnvelope("nonce-dup", time.Minute))
	if !errors.Is(err, approval.ErrDuplicateNonce) {
		t.Fatalf("Create with reused nonce returned %v, want ErrDuplicateNonce", err)
	}
}

func TestEnvelopeStore_UnknownNonce(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	if _, err := store.FindPending(ctx, "never-issued"); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("FindPending returned %v, want ErrUnknownOrConsumedNonce", err)
	}
	if _, err := store.Find(ctx, "never-issued"); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("Find returned %v, want ErrUnknownOrConsumedNonce", err)
	}
	if _, err := store.Consume(ctx, "never-issued", func(*approval.Envelope) error { return nil }); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("Consume returned %v, want ErrUnknownOrConsumedNonce", err)
	}
}

func TestEnvelopeStore_TTLExpiry(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	env := newTestEnvelope("nonce-ttl", time.Second)
	if err := store.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}

	store.now = func() time.Time { return env.ExpiresAt.Add(2 * time.Second) }

	if _, err := store.Consume(ctx, env.Nonce, func(*approval.Envelope) error { return nil }); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("Consume past TTL returned %v, want ErrExpired", err)
	}

	// The expiry transition is committed, so the row now reads expired.
	found, err := store.Find(ctx, env.Nonce)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.Status != approval.StatusExpired {
		t.Fatalf("envelope status %s after TTL elapse, want expired", found.Status)
	}

	if _, err := store.FindPending(ctx, env.Nonce); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("FindPending on expired returned %v, want ErrExpired", err)
	}
}

func TestEnvelopeStore_SkewTolerance(t *testing.T) {
	t.Parallel()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := NewEnvelopeStore(db, 30*time.Second, testLogger())
	ctx := context.Background()

	env := newTestEnvelope("nonce-skew", time.Second)
	if err := store.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Past the TTL but inside the skew window: still consumable.
	store.now = func() time.Time { return env.ExpiresAt.Add(10 * time.Second) }
	if _, err := store.Consume(ctx, env.Nonce, func(*approval.Envelope) error { return nil }); err != nil {
		t.Fatalf("Consume inside skew window: %v", err)
	}
}

func TestEnvelopeStore_FailedPredicateLeavesPending(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	env := newTestEnvelope("nonce-predicate", time.Minute)
	if err := store.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := store.Consume(ctx, env.Nonce, func(*approval.Envelope) error {
		return approval.ErrInvalidSignature
	})
	if !errors.Is(err, approval.ErrInvalidSignature) {
		t.Fatalf("Consume returned %v, want predicate error unchanged", err)
	}

	// The nonce survives the failed attempt and is still usable exactly once.
	found, err := store.FindPending(ctx, env.Nonce)
	if err != nil {
		t.Fatalf("FindPending after failed predicate: %v", err)
	}
	if found.Status != approval.StatusPending {
		t.Fatalf("envelope status %s after failed predicate, want pending", found.Status)
	}
	if _, err := store.Consume(ctx, env.Nonce, func(*approval.Envelope) error { return nil }); err != nil {
		t.Fatalf("Consume after failed predicate: %v", err)
	}
}

func TestEnvelopeStore_ExpireAllPending(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	for _, nonce := range []string{"pend-1", "pend-2"} {
		if err := store.Create(ctx, newTestEnvelope(nonce, time.Minute)); err != nil {
			t.Fatalf("Create %s: %v", nonce, err)
		}
	}
	if err := store.Create(ctx, newTestEnvelope("done-1", time.Minute)); err != nil {
		t.Fatalf("Create done-1: %v", err)
	}
	if _, err := store.Consume(ctx, "done-1", func(*approval.Envelope) error { return nil }); err != nil {
		t.Fatalf("Consume done-1: %v", err)
	}

	expired, err := store.ExpireAllPending(ctx)
	if err != nil {
		t.Fatalf("ExpireAllPending: %v", err)
	}
	if expired != 2 {
		t.Fatalf("ExpireAllPending expired %d envelopes, want 2", expired)
	}

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[approval.StatusExpired] != 2 || counts[approval.StatusConsumed] != 1 || counts[approval.StatusPending] != 0 {
		t.Fatalf("counts after ExpireAllPending: %+v", counts)
	}
}

func TestEnvelopeStore_PruneExpired(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	// One envelope long past its TTL, one fresh.
	stale := newTestEnvelope("nonce-stale", time.Minute)
	stale.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	stale.ExpiresAt = stale.CreatedAt.Add(time.Minute)
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	if err := store.Create(ctx, newTestEnvelope("nonce-fresh", time.Hour)); err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	swept, pruned, err := store.PruneExpired(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if swept != 1 {
		t.Fatalf("PruneExpired swept %d envelopes, want 1", swept)
	}
	if pruned != 1 {
		t.Fatalf("PruneExpired removed %d rows, want 1", pruned)
	}

	if _, err := store.Find(ctx, "nonce-stale"); !errors.Is(err, approval.ErrUnknownOrConsumedNonce) {
		t.Fatalf("pruned envelope still findable: %v", err)
	}
	if _, err := store.FindPending(ctx, "nonce-fresh"); err != nil {
		t.Fatalf("fresh envelope lost to prune: %v", err)
	}
}

func TestEnvelopeStore_PruneSweepsElapsedPending(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	// Pending but past its TTL: the prune pass transitions it to expired
	// even when it is too recent to delete.
	env := newTestEnvelope("nonce-elapsed", time.Second)
	if err := store.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}
	store.now = func() time.Time { return env.ExpiresAt.Add(time.Minute) }

	swept, pruned, err := store.PruneExpired(ctx, env.CreatedAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if swept != 1 {
		t.Fatalf("PruneExpired swept %d envelopes, want 1", swept)
	}
	if pruned != 0 {
		t.Fatalf("PruneExpired removed %d rows, want 0", pruned)
	}

	found, err := store.Find(ctx, env.Nonce)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.Status != approval.StatusExpired {
		t.Fatalf("elapsed pending envelope has status %s after sweep, want expired", found.Status)
	}
}

func TestEnvelopeStore_CountByStatus(t *testing.T) {
	t.Parallel()
	store := openTestDB(t)
	ctx := context.Background()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus on empty store: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("empty store reported counts %+v", counts)
	}

	for _, nonce := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, newTestEnvelope(nonce, time.Minute)); err != nil {
			t.Fatalf("Create %s: %v", nonce, err)
		}
	}
	if _, err := store.Consume(ctx, "a", func(*approval.Envelope) error { return nil }); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	counts, err = store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[approval.StatusPending] != 2 || counts[approval.StatusConsumed] != 1 {
		t.Fatalf("counts %+v, want 2 pending / 1 consumed", counts)
	}
}
