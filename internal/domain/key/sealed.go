package key

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealedFileVersion is the schema version of the sealed key file.
const sealedFileVersion = 1

// Argon2id parameters for deriving the key-encryption key from the
// passphrase. Distinct from passphraseHashParams: the verifier hash exists
// only to distinguish a wrong passphrase from file corruption cheaply.
const (
	kdfTime    = 2
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32
	kdfSaltLen = 16
)

// passphraseHashParams are OWASP minimum parameters for the stored
// passphrase verifier.
var passphraseHashParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// sealedFile is the on-disk representation of the encrypted private key.
// The public half and key id are stored in the clear; the Ed25519 seed is
// sealed with XChaCha20-Poly1305 under an Argon2id-derived key.
type sealedFile struct {
	Version        int       `json:"version"`
	KeyID          string    `json:"key_id"`
	PublicKey      []byte    `json:"public_key"`
	PassphraseHash string    `json:"passphrase_hash"`
	KDFSalt        []byte    `json:"kdf_salt"`
	Nonce          []byte    `json:"nonce"`
	SealedSeed     []byte    `json:"sealed_seed"`
	CreatedAt      time.Time `json:"created_at"`
}

// seal encrypts the private key seed under the passphrase and returns the
// serialized sealed file. The seed buffer is not modified.
func seal(priv ed25519.PrivateKey, pub ed25519.PublicKey, passphrase string, createdAt time.Time) ([]byte, error) {
	verifier, err := argon2id.CreateHash(passphrase, passphraseHashParams)
	if err != nil {
		return nil, fmt.Errorf("hash passphrase: %w", err)
	}

	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate kdf salt: %w", err)
	}

	kek := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	defer zeroize(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	keyID := DeriveKeyID(pub)
	sealed := aead.Seal(nil, nonce, priv.Seed(), []byte(keyID))

	file := sealedFile{
		Version:        sealedFileVersion,
		KeyID:          keyID,
		PublicKey:      pub,
		PassphraseHash: verifier,
		KDFSalt:        salt,
		Nonce:          nonce,
		SealedSeed:     sealed,
		CreatedAt:      createdAt.UTC(),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal sealed key file: %w", err)
	}
	return append(data, '\n'), nil
}

// open verifies the passphrase and decrypts the private key from a sealed
// file. Returns ErrInvalidPassphrase on mismatch.
func open(data []byte, passphrase string) (*sealedFile, ed25519.PrivateKey, error) {
	var file sealedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse sealed key file: %w", err)
	}
	if file.Version != sealedFileVersion {
		return nil, nil, fmt.Errorf("unsupported sealed key file version %d", file.Version)
	}

	match, err := argon2id.ComparePasswordAndHash(passphrase, file.PassphraseHash)
	if err != nil {
		return nil, nil, fmt.Errorf("verify passphrase: %w", err)
	}
	if !match {
		return nil, nil, ErrInvalidPassphrase
	}

	kek := argon2.IDKey([]byte(passphrase), file.KDFSalt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	defer zeroize(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, nil, fmt.Errorf("init aead: %w", err)
	}

	seed, err := aead.Open(nil, file.Nonce, file.SealedSeed, []byte(file.KeyID))
	if err != nil {
		// The verifier matched but the ciphertext did not authenticate:
		// the file was tampered with after sealing.
		return nil, nil, fmt.Errorf("sealed key does not authenticate: %w", err)
	}
	defer zeroize(seed)

	priv := ed25519.NewKeyFromSeed(seed)
	return &file, priv, nil
}

// zeroize overwrites a byte slice with zeros to clear sensitive data from
// memory as soon as it is no longer needed.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// parseSealedHeader parses the sealed file without touching the sealed
// seed, for callers that only need the public half.
func parseSealedHeader(data []byte, file *sealedFile) error {
	if err := json.Unmarshal(data, file); err != nil {
		return fmt.Errorf("parse sealed key file: %w", err)
	}
	if file.Version != sealedFileVersion {
		return fmt.Errorf("unsupported sealed key file version %d", file.Version)
	}
	return nil
}

// encodePublicKey keeps base64 handling in one place for CLI display.
func encodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
