package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/countersign-dev/countersign/internal/domain/approval"
	"github.com/countersign-dev/countersign/internal/domain/key"
)

// KeyringStore implements key.KeyringStore on the embedded sqlite
// database. The keyring and the envelopes live in the same database so
// rotation can retire a key, activate its successor, and expire every
// pending envelope in one transaction.
type KeyringStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ key.KeyringStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore over an opened database.
func NewKeyringStore(db *sql.DB, logger *slog.Logger) *KeyringStore {
	return &KeyringStore{db: db, logger: logger, now: time.Now}
}

// Append adds the first active entry. Fails if an active entry exists:
// the keyring holds at most one active key, and only Rotate replaces it.
func (s *KeyringStore) Append(ctx context.Context, entry key.KeyringEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT key_id FROM keyring WHERE status = ?`, string(key.StatusActive)).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("keyring already has active key %s", existing)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("query active key: %w", err)
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit keyring append: %w", err)
	}
	return nil
}

// ActiveEntry returns the single active keyring entry.
func (s *KeyringStore) ActiveEntry(ctx context.Context) (*key.KeyringEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key_id, public_key, status, created_at, retired_at
		 FROM keyring WHERE status = ?`, string(key.StatusActive))
	entry, err := scanKeyringEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, key.ErrNoActiveKey
	}
	return entry, err
}

// Entry returns the keyring entry for a key id in any status.
func (s *KeyringStore) Entry(ctx context.Context, keyID string) (*key.KeyringEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key_id, public_key, status, created_at, retired_at
		 FROM keyring WHERE key_id = ?`, keyID)
	entry, err := scanKeyringEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("keyring entry %s not found", keyID)
	}
	return entry, err
}

// List returns all keyring entries in creation order.
func (s *KeyringStore) List(ctx context.Context) ([]key.KeyringEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, public_key, status, created_at, retired_at
		 FROM keyring ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list keyring: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []key.KeyringEntry
	for rows.Next() {
		entry, err := scanKeyringEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Rotate retires the active entry, appends the new active entry, and
// expires every pending envelope — all inside one transaction, so there
// is no window where proposals issued under the old key remain valid
// after the new key becomes active.
func (s *KeyringStore) Rotate(ctx context.Context, retireKeyID string, next key.KeyringEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE keyring SET status = ?, retired_at = ? WHERE key_id = ? AND status = ?`,
		string(key.StatusRetired),
		s.now().UTC().Format(time.RFC3339Nano),
		retireKeyID,
		string(key.StatusActive),
	)
	if err != nil {
		return 0, fmt.Errorf("retire key %s: %w", retireKeyID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retire key %s: %w", retireKeyID, err)
	}
	if affected != 1 {
		return 0, fmt.Errorf("key %s is not the active key", retireKeyID)
	}

	if err := insertEntry(ctx, tx, next); err != nil {
		return 0, err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE envelopes SET status = ? WHERE status = ?`,
		string(approval.StatusExpired), string(approval.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("expire pending envelopes: %w", err)
	}
	expired, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending envelopes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rotation: %w", err)
	}

	s.logger.Info("keyring rotated",
		"retired_key_id", retireKeyID,
		"active_key_id", next.KeyID,
		"envelopes_expired", expired,
	)
	return expired, nil
}

// insertEntry inserts a keyring entry inside tx.
func insertEntry(ctx context.Context, tx *sql.Tx, entry key.KeyringEntry) error {
	var retiredAt any
	if entry.RetiredAt != nil {
		retiredAt = entry.RetiredAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO keyring (key_id, public_key, status, created_at, retired_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.KeyID, []byte(entry.PublicKey), string(entry.Status),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano), retiredAt,
	)
	if err != nil {
		return fmt.Errorf("insert keyring entry %s: %w", entry.KeyID, err)
	}
	return nil
}

// scanKeyringEntry scans one keyring row.
func scanKeyringEntry(row rowScanner) (*key.KeyringEntry, error) {
	var entry key.KeyringEntry
	var pub []byte
	var status, createdAt string
	var retiredAt sql.NullString
	if err := row.Scan(&entry.KeyID, &pub, &status, &createdAt, &retiredAt); err != nil {
		return nil, err
	}

	entry.PublicKey = pub
	entry.Status = key.EntryStatus(status)

	var err error
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if retiredAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, retiredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse retired_at: %w", err)
		}
		entry.RetiredAt = &t
	}
	return &entry, nil
}
