// Package key implements the Ed25519 key lifecycle for the approval
// protocol: generation, passphrase-sealed storage, unlock, rotation, and
// the keyring of active and retired verification keys.
package key

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// KeyIDLen is the number of hex characters in a key id (first 8 bytes of
// the SHA-256 of the public key).
const KeyIDLen = 16

// EntryStatus is the lifecycle status of a keyring entry.
type EntryStatus string

const (
	// StatusActive marks the single entry whose key may sign new decisions.
	StatusActive EntryStatus = "active"

	// StatusRetired marks entries kept for auditing historically consumed
	// envelopes. Retired keys never verify new consume attempts: rotation
	// expires all pending envelopes outright.
	StatusRetired EntryStatus = "retired"
)

// Material is the public half of a keypair plus its derived id. The
// private key never appears here; it lives sealed on disk or inside an
// UnlockedKey.
type Material struct {
	KeyID     string            `json:"key_id"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	CreatedAt time.Time         `json:"created_at"`
}

// KeyringEntry is one append-only keyring record.
type KeyringEntry struct {
	KeyID     string            `json:"key_id"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	Status    EntryStatus       `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	RetiredAt *time.Time        `json:"retired_at,omitempty"`
}

// KeyringStore is the persistence port for the keyring. The append-only
// list holds at most one active entry; only rotation mutates it.
type KeyringStore interface {
	// Append adds the first active entry at key generation time.
	Append(ctx context.Context, entry KeyringEntry) error

	// ActiveEntry returns the single active entry, or ErrNoActiveKey.
	ActiveEntry(ctx context.Context) (*KeyringEntry, error)

	// Entry returns the entry for a key id in any status.
	Entry(ctx context.Context, keyID string) (*KeyringEntry, error)

	// List returns all entries in creation order.
	List(ctx context.Context) ([]KeyringEntry, error)

	// Rotate retires the current active entry, appends the new active
	// entry, and expires every pending approval envelope — all within one
	// transaction, so no window exists where old-key proposals remain
	// valid after the new key is declared active. Returns the number of
	// envelopes expired.
	Rotate(ctx context.Context, retireKeyID string, next KeyringEntry) (int64, error)
}

// DeriveKeyID returns the deterministic key id for a public key.
func DeriveKeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:KeyIDLen/2])
}
