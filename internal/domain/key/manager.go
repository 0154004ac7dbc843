package key

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// sealedFileName is the name of the sealed key file inside the key
// storage directory.
const sealedFileName = "key.json"

// UnlockedKey holds the decrypted private key in memory for the process
// lifetime. It is never serialized; Sign is the only way to use it.
type UnlockedKey struct {
	keyID string
	priv  ed25519.PrivateKey
}

// KeyID returns the id of the unlocked key.
func (u *UnlockedKey) KeyID() string { return u.keyID }

// Sign returns a deterministic Ed25519 signature over msg.
func (u *UnlockedKey) Sign(msg []byte) []byte {
	return ed25519.Sign(u.priv, msg)
}

// Zeroize clears the private key from memory. The key is unusable after.
func (u *UnlockedKey) Zeroize() {
	zeroize(u.priv)
	u.priv = nil
}

// Manager owns key material: generation, sealed storage, unlock, rotation,
// and keyring-backed signature verification.
type Manager struct {
	dir     string
	keyring KeyringStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager storing the sealed key file under dir and
// persisting the keyring through the given store.
func NewManager(dir string, keyring KeyringStore, logger *slog.Logger) *Manager {
	return &Manager{
		dir:     dir,
		keyring: keyring,
		logger:  logger,
		now:     time.Now,
	}
}

// keyPath returns the sealed key file path.
func (m *Manager) keyPath() string {
	return filepath.Join(m.dir, sealedFileName)
}

// Generate creates the first keypair, seals it under the passphrase, and
// writes a fresh keyring with a single active entry. Fails with
// ErrKeyExists if key material is already present.
func (m *Manager) Generate(ctx context.Context, passphrase string) (*Material, error) {
	if _, err := os.Stat(m.keyPath()); err == nil {
		return nil, ErrKeyExists
	}

	material, priv, err := m.newKeypair()
	if err != nil {
		return nil, err
	}
	defer zeroize(priv)

	if err := m.writeSealed(priv, material.PublicKey, passphrase, material.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeygen, err)
	}

	entry := KeyringEntry{
		KeyID:     material.KeyID,
		PublicKey: material.PublicKey,
		Status:    StatusActive,
		CreatedAt: material.CreatedAt,
	}
	if err := m.keyring.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: append keyring entry: %v", ErrKeygen, err)
	}

	m.logger.Info("signing key generated", "key_id", material.KeyID)
	return material, nil
}

// Unlock decrypts the private key with the passphrase and returns the
// in-memory handle. Returns ErrNoKeyMaterial if no key was ever generated
// and ErrInvalidPassphrase on mismatch.
func (m *Manager) Unlock(passphrase string) (*UnlockedKey, error) {
	data, err := os.ReadFile(m.keyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKeyMaterial
		}
		return nil, fmt.Errorf("read sealed key file: %w", err)
	}

	file, priv, err := open(data, passphrase)
	if err != nil {
		return nil, err
	}

	m.logger.Info("signing key unlocked", "key_id", file.KeyID)
	return &UnlockedKey{keyID: file.KeyID, priv: priv}, nil
}

// Verify checks an Ed25519 signature against the keyring entry for the
// claimed key id. Unknown key ids and bad signatures both return false;
// verification never errors on attacker-controlled input.
func (m *Manager) Verify(ctx context.Context, keyID string, msg, sig []byte) bool {
	entry, err := m.keyring.Entry(ctx, keyID)
	if err != nil {
		return false
	}
	if len(entry.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(entry.PublicKey, msg, sig)
}

// Rotate generates a new keypair sealed under the passphrase, retires the
// currently unlocked key, and appends the new active keyring entry. The
// keyring store expires every pending envelope in the same transaction, so
// no proposal issued under the old key survives rotation.
func (m *Manager) Rotate(ctx context.Context, unlocked *UnlockedKey, passphrase string) (*Material, error) {
	if unlocked == nil || unlocked.priv == nil {
		return nil, errors.New("rotation requires an unlocked key")
	}

	material, priv, err := m.newKeypair()
	if err != nil {
		return nil, err
	}
	defer zeroize(priv)

	// Keep the prior sealed file restorable until the keyring transaction
	// commits.
	backup, readErr := os.ReadFile(m.keyPath())
	if readErr != nil && !os.IsNotExist(readErr) {
		return nil, fmt.Errorf("read sealed key file: %w", readErr)
	}

	if err := m.writeSealed(priv, material.PublicKey, passphrase, material.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeygen, err)
	}

	next := KeyringEntry{
		KeyID:     material.KeyID,
		PublicKey: material.PublicKey,
		Status:    StatusActive,
		CreatedAt: material.CreatedAt,
	}
	expired, err := m.keyring.Rotate(ctx, unlocked.KeyID(), next)
	if err != nil {
		if backup != nil {
			if restoreErr := m.writeFileLocked(backup); restoreErr != nil {
				m.logger.Error("failed to restore sealed key file after rotation failure",
					"error", restoreErr)
			}
		}
		return nil, fmt.Errorf("rotate keyring: %w", err)
	}

	m.logger.Info("signing key rotated",
		"old_key_id", unlocked.KeyID(),
		"new_key_id", material.KeyID,
		"envelopes_expired", expired,
	)
	return material, nil
}

// Material returns the public key material from the sealed file without
// requiring a passphrase. Returns ErrNoKeyMaterial if never generated.
func (m *Manager) Material() (*Material, error) {
	data, err := os.ReadFile(m.keyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoKeyMaterial
		}
		return nil, fmt.Errorf("read sealed key file: %w", err)
	}

	var file sealedFile
	if err := parseSealedHeader(data, &file); err != nil {
		return nil, err
	}
	return &Material{
		KeyID:     file.KeyID,
		PublicKey: file.PublicKey,
		CreatedAt: file.CreatedAt,
	}, nil
}

// PublicKeyString returns the base64 public key for display.
func (mat *Material) PublicKeyString() string {
	return encodePublicKey(mat.PublicKey)
}

// newKeypair generates a fresh Ed25519 keypair and derives its key id.
func (m *Manager) newKeypair() (*Material, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeygen, err)
	}
	return &Material{
		KeyID:     DeriveKeyID(pub),
		PublicKey: pub,
		CreatedAt: m.now().UTC(),
	}, priv, nil
}

// writeSealed seals the private key and writes the key file atomically.
func (m *Manager) writeSealed(priv ed25519.PrivateKey, pub ed25519.PublicKey, passphrase string, createdAt time.Time) error {
	data, err := seal(priv, pub, passphrase, createdAt)
	if err != nil {
		return err
	}
	return m.writeFileLocked(data)
}

// writeFileLocked writes the sealed key file under an exclusive flock with
// write-tmp-then-rename atomicity and 0600 permissions.
func (m *Manager) writeFileLocked(data []byte) error {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	lockPath := m.keyPath() + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	tmpPath := m.keyPath() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open temp key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync temp key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp key file: %w", err)
	}

	if err := os.Rename(tmpPath, m.keyPath()); err != nil {
		return fmt.Errorf("rename key file: %w", err)
	}
	return nil
}

// SignatureSize is re-exported for callers validating wire input lengths.
const SignatureSize = ed25519.SignatureSize

// Fingerprint returns the full SHA-256 of a public key, hex encoded. Used
// by the status command to display keys unambiguously.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return fmt.Sprintf("%x", sum)
}
