package approval

import (
	"context"
	"time"
)

// ConsumePredicate is evaluated against the loaded envelope inside the
// store's consume transaction. A nil return consumes the envelope; any
// error aborts the consume and is returned to the caller unchanged, with
// the envelope left pending and still usable once.
type ConsumePredicate func(env *Envelope) error

// EnvelopeStore is the persistence port for approval envelopes. The store
// exclusively owns envelope lifecycle state; the only transitions are
// pending -> consumed (atomic, single winner) and pending -> expired (TTL
// elapse or key rotation).
type EnvelopeStore interface {
	// Create persists a fresh pending envelope. Returns ErrDuplicateNonce
	// if the nonce already exists.
	Create(ctx context.Context, env *Envelope) error

	// FindPending returns the pending envelope for the nonce. A nonce that
	// was never issued, or whose envelope is consumed or expired, yields
	// ErrUnknownOrConsumedNonce. An envelope whose TTL has elapsed is
	// transitioned to expired and reported as ErrExpired.
	FindPending(ctx context.Context, nonce string) (*Envelope, error)

	// Find returns the envelope for the nonce in any status, for audit and
	// status reporting. Returns ErrUnknownOrConsumedNonce if never issued.
	Find(ctx context.Context, nonce string) (*Envelope, error)

	// Consume atomically transitions the envelope from pending to consumed.
	// Within a single transaction it re-reads the row, confirms it is still
	// pending and unexpired, evaluates the predicate, and only then writes
	// the consumed status. Two racing consumes on the same nonce have
	// exactly one winner; the loser observes ErrUnknownOrConsumedNonce or
	// ErrExpired. A failing predicate leaves the row pending.
	Consume(ctx context.Context, nonce string, predicate ConsumePredicate) (*Envelope, error)

	// ExpireAllPending transitions every pending envelope to expired.
	// Used by key rotation and by administrative sweeps. Returns the number
	// of envelopes expired.
	ExpireAllPending(ctx context.Context) (int64, error)

	// PruneExpired first transitions every pending envelope whose TTL has
	// elapsed to expired, then deletes expired envelopes older than the
	// given cutoff. Safe to run at any time. Returns the number of
	// envelopes newly expired and the number of rows removed.
	PruneExpired(ctx context.Context, olderThan time.Time) (swept, pruned int64, err error)

	// CountByStatus returns envelope counts per lifecycle status.
	CountByStatus(ctx context.Context) (map[EnvelopeStatus]int64, error)
}
