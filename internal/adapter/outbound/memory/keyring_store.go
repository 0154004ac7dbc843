package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/countersign-dev/countersign/internal/domain/key"
)

// KeyringStore implements key.KeyringStore in memory. Rotation expires all
// pending envelopes in the linked envelope store under the same logical
// operation, mirroring the sqlite store's single transaction.
type KeyringStore struct {
	mu        sync.Mutex
	entries   []key.KeyringEntry
	envelopes *EnvelopeStore
	now       func() time.Time
}

var _ key.KeyringStore = (*KeyringStore)(nil)

// NewKeyringStore creates an empty in-memory keyring store. envelopes may
// be nil when rotation is not exercised.
func NewKeyringStore(envelopes *EnvelopeStore) *KeyringStore {
	return &KeyringStore{envelopes: envelopes, now: time.Now}
}

// Append adds the first active entry.
func (s *KeyringStore) Append(_ context.Context, entry key.KeyringEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.Status == key.StatusActive {
			return fmt.Errorf("keyring already has active key %s", e.KeyID)
		}
		if e.KeyID == entry.KeyID {
			return fmt.Errorf("keyring entry %s already exists", entry.KeyID)
		}
	}
	s.entries = append(s.entries, entry)
	return nil
}

// ActiveEntry returns the single active entry.
func (s *KeyringStore) ActiveEntry(_ context.Context) (*key.KeyringEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].Status == key.StatusActive {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, key.ErrNoActiveKey
}

// Entry returns the entry for a key id in any status.
func (s *KeyringStore) Entry(_ context.Context, keyID string) (*key.KeyringEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].KeyID == keyID {
			e := s.entries[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("keyring entry %s not found", keyID)
}

// List returns all entries in creation order.
func (s *KeyringStore) List(_ context.Context) ([]key.KeyringEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]key.KeyringEntry(nil), s.entries...), nil
}

// Rotate retires the active entry, appends the new one, and expires all
// pending envelopes.
func (s *KeyringStore) Rotate(ctx context.Context, retireKeyID string, next key.KeyringEntry) (int64, error) {
	s.mu.Lock()

	retired := false
	for i := range s.entries {
		if s.entries[i].KeyID == retireKeyID && s.entries[i].Status == key.StatusActive {
			now := s.now().UTC()
			s.entries[i].Status = key.StatusRetired
			s.entries[i].RetiredAt = &now
			retired = true
			break
		}
	}
	if !retired {
		s.mu.Unlock()
		return 0, fmt.Errorf("key %s is not the active key", retireKeyID)
	}
	s.entries = append(s.entries, next)
	s.mu.Unlock()

	if s.envelopes == nil {
		return 0, nil
	}
	return s.envelopes.ExpireAllPending(ctx)
}
