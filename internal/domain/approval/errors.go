package approval

import "errors"

// ErrDuplicateNonce is returned when an envelope is created with a nonce
// that already exists. Nonces carry enough entropy that this indicates a
// programming error, but the store still guards it.
var ErrDuplicateNonce = errors.New("duplicate nonce")

// ErrUnknownOrConsumedNonce is returned when a decision set references a
// nonce that was never issued, or whose envelope is no longer pending.
var ErrUnknownOrConsumedNonce = errors.New("unknown or already consumed nonce")

// ErrInvalidSignature is returned when a decision set's signature does not
// verify against the keyring entry for its claimed key id.
var ErrInvalidSignature = errors.New("invalid decision signature")

// ErrContextDrift is returned when the freshly recomputed plan hash differs
// from the hash stored at proposal time. A valid signature over a stale
// plan is still rejected.
var ErrContextDrift = errors.New("execution context drifted since proposal")

// ErrDecisionMismatch is returned when the decision set's call ids are not
// in bijection with the envelope's tool calls. No partial authorization is
// granted from a malformed decision set.
var ErrDecisionMismatch = errors.New("decision set does not match envelope tool calls")

// ErrExpired is returned when the envelope's TTL elapsed before the
// decision set was verified.
var ErrExpired = errors.New("envelope expired")
