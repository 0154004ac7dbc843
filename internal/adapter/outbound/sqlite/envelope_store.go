package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlitelib "modernc.org/sqlite"

	"github.com/countersign-dev/countersign/internal/domain/approval"
)

// sqlite extended result codes for uniqueness violations.
const (
	codeConstraintPrimaryKey = 1555
	codeConstraintUnique     = 2067
)

// EnvelopeStore implements approval.EnvelopeStore on the embedded sqlite
// database. All lifecycle transitions happen inside transactions; consume
// uses a compare-and-swap on the status column so two racing consumers
// have exactly one winner.
type EnvelopeStore struct {
	db     *sql.DB
	logger *slog.Logger

	// skew is the clock-skew tolerance applied when judging expiry.
	skew time.Duration

	// now is the clock; replaceable in tests.
	now func() time.Time
}

var _ approval.EnvelopeStore = (*EnvelopeStore)(nil)

// NewEnvelopeStore creates an EnvelopeStore over an opened database.
func NewEnvelopeStore(db *sql.DB, skew time.Duration, logger *slog.Logger) *EnvelopeStore {
	return &EnvelopeStore{
		db:     db,
		logger: logger,
		skew:   skew,
		now:    time.Now,
	}
}

// Create persists a fresh pending envelope.
func (s *EnvelopeStore) Create(ctx context.Context, env *approval.Envelope) error {
	calls, err := json.Marshal(env.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO envelopes (nonce, plan_hash, tool_calls, key_id, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.Nonce, env.PlanHash, string(calls), env.KeyID, string(env.Status),
		env.CreatedAt.UTC().Format(time.RFC3339Nano),
		env.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return approval.ErrDuplicateNonce
		}
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

// FindPending returns the pending envelope for the nonce, transitioning it
// to expired first if its TTL has elapsed.
func (s *EnvelopeStore) FindPending(ctx context.Context, nonce string) (*approval.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	env, err := s.loadPendingTx(ctx, tx, nonce)
	if err != nil {
		// Commit so a pending -> expired transition performed during the
		// load is durable even though the lookup failed.
		_ = tx.Commit()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return env, nil
}

// Find returns the envelope for the nonce in any status.
func (s *EnvelopeStore) Find(ctx context.Context, nonce string) (*approval.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT nonce, plan_hash, tool_calls, key_id, status, created_at, expires_at
		 FROM envelopes WHERE nonce = ?`, nonce)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrUnknownOrConsumedNonce
	}
	return env, err
}

// Consume atomically transitions pending -> consumed when the predicate
// passes. A failing predicate rolls the transaction back, leaving the row
// pending: the nonce locks only on an actual successful consumption.
func (s *EnvelopeStore) Consume(ctx context.Context, nonce string, predicate approval.ConsumePredicate) (*approval.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	env, err := s.loadPendingTx(ctx, tx, nonce)
	if err != nil {
		_ = tx.Commit() // durably record any expiry transition
		return nil, err
	}

	if err := predicate(env); err != nil {
		// Roll back: the envelope stays pending and usable once.
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE envelopes SET status = ?, consumed_at = ? WHERE nonce = ? AND status = ?`,
		string(approval.StatusConsumed),
		s.now().UTC().Format(time.RFC3339Nano),
		nonce,
		string(approval.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("consume envelope: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume envelope: %w", err)
	}
	if affected != 1 {
		// Lost the race: another consumer won between load and update.
		return nil, approval.ErrUnknownOrConsumedNonce
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}

	env.Status = approval.StatusConsumed
	s.logger.Info("envelope consumed", "nonce", nonce, "key_id", env.KeyID)
	return env, nil
}

// ExpireAllPending transitions every pending envelope to expired.
func (s *EnvelopeStore) ExpireAllPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET status = ? WHERE status = ?`,
		string(approval.StatusExpired), string(approval.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("expire pending envelopes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending envelopes: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired pending envelopes", "count", n)
	}
	return n, nil
}

// PruneExpired first sweeps due pending envelopes to expired, then deletes
// expired envelopes older than the cutoff.
func (s *EnvelopeStore) PruneExpired(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	nowStr := s.now().UTC().Add(-s.skew).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE envelopes SET status = ? WHERE status = ? AND expires_at < ?`,
		string(approval.StatusExpired), string(approval.StatusPending), nowStr)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep due envelopes: %w", err)
	}
	swept, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("sweep due envelopes: %w", err)
	}

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM envelopes WHERE status = ? AND expires_at < ?`,
		string(approval.StatusExpired), olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return swept, 0, fmt.Errorf("prune expired envelopes: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return swept, 0, fmt.Errorf("prune expired envelopes: %w", err)
	}
	return swept, pruned, nil
}

// CountByStatus returns envelope counts per lifecycle status.
func (s *EnvelopeStore) CountByStatus(ctx context.Context) (map[approval.EnvelopeStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM envelopes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count envelopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[approval.EnvelopeStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan envelope count: %w", err)
		}
		counts[approval.EnvelopeStatus(status)] = n
	}
	return counts, rows.Err()
}

// loadPendingTx loads the envelope inside tx and enforces pending status.
// An envelope whose TTL has elapsed is transitioned to expired in place
// and reported as ErrExpired.
func (s *EnvelopeStore) loadPendingTx(ctx context.Context, tx *sql.Tx, nonce string) (*approval.Envelope, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT nonce, plan_hash, tool_calls, key_id, status, created_at, expires_at
		 FROM envelopes WHERE nonce = ?`, nonce)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrUnknownOrConsumedNonce
	}
	if err != nil {
		return nil, err
	}

	if env.Status != approval.StatusPending {
		return nil, approval.ErrUnknownOrConsumedNonce
	}

	if env.ExpiredBy(s.now(), s.skew) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE envelopes SET status = ? WHERE nonce = ? AND status = ?`,
			string(approval.StatusExpired), nonce, string(approval.StatusPending)); err != nil {
			return nil, fmt.Errorf("expire envelope: %w", err)
		}
		return nil, approval.ErrExpired
	}

	return env, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanEnvelope scans one envelope row.
func scanEnvelope(row rowScanner) (*approval.Envelope, error) {
	var env approval.Envelope
	var callsJSON, status, createdAt, expiresAt string
	if err := row.Scan(&env.Nonce, &env.PlanHash, &callsJSON, &env.KeyID, &status, &createdAt, &expiresAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(callsJSON), &env.ToolCalls); err != nil {
		return nil, fmt.Errorf("unmarshal tool calls: %w", err)
	}
	env.Status = approval.EnvelopeStatus(status)

	var err error
	if env.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if env.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &env, nil
}

// isUniqueViolation reports whether err is a sqlite uniqueness violation.
func isUniqueViolation(err error) bool {
	var serr *sqlitelib.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == codeConstraintPrimaryKey || code == codeConstraintUnique
}
