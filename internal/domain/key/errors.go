package key

import "errors"

// ErrInvalidPassphrase is returned when the unlock passphrase does not
// match the sealed key file.
var ErrInvalidPassphrase = errors.New("invalid passphrase")

// ErrNoKeyMaterial is returned when no key has ever been generated. The
// system remains usable in read-only mode; nothing can be approved.
var ErrNoKeyMaterial = errors.New("no key material")

// ErrKeyExists is returned when Generate is called while a sealed key file
// already exists. Use Rotate to replace an existing key.
var ErrKeyExists = errors.New("key material already exists")

// ErrKeygen is returned on entropy or IO failure during key generation.
var ErrKeygen = errors.New("key generation failed")

// ErrNoActiveKey is returned when the keyring holds no active entry.
var ErrNoActiveKey = errors.New("keyring has no active entry")
