// Package audit provides an append-only JSON Lines log of approval
// protocol events: proposals, consumptions, rejections, expiries, and key
// rotations. Together with keyring retention it is how historically
// consumed envelopes are audited.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names recorded in the log.
const (
	EventProposed = "proposed"
	EventConsumed = "consumed"
	EventRejected = "rejected"
	EventExpired  = "expired"
	EventRotated  = "key_rotated"
)

// Record is one audit log line. PlanHash identifies the proposal; no tool
// call arguments are logged, only names, so secrets in arguments stay out
// of the audit trail.
type Record struct {
	Time      time.Time `json:"time"`
	Event     string    `json:"event"`
	Nonce     string    `json:"nonce,omitempty"`
	PlanHash  string    `json:"plan_hash,omitempty"`
	KeyID     string    `json:"key_id,omitempty"`
	ToolNames []string  `json:"tool_names,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// DefaultMaxFileSize is the rotation threshold in bytes.
const DefaultMaxFileSize = 50 * 1024 * 1024

// FileStore appends audit records to a JSON Lines file, rotating it by
// size. Writes are serialized by a mutex; a write failure is logged and
// dropped rather than failing the protocol operation that produced it.
type FileStore struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	size    int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewFileStore opens (creating if necessary) the audit log at path.
func NewFileStore(path string, maxSize int64, logger *slog.Logger) (*FileStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	return &FileStore{
		path:    path,
		maxSize: maxSize,
		file:    f,
		size:    info.Size(),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Append writes one record. Failures are swallowed after logging: audit
// backpressure must never block or fail an approval decision.
func (s *FileStore) Append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Time.IsZero() {
		rec.Time = s.now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal audit record", "error", err)
		return
	}
	line = append(line, '\n')

	if s.size+int64(len(line)) > s.maxSize {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error("rotate audit log", "error", err)
		}
	}

	n, err := s.file.Write(line)
	if err != nil {
		s.logger.Error("write audit record", "error", err)
		return
	}
	s.size += int64(n)
}

// Close flushes and closes the log file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// rotateLocked renames the current file with a timestamp suffix and opens
// a fresh one. When the rename fails the original file is reopened so
// appends keep landing somewhere. Caller holds the lock.
func (s *FileStore) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	rotated := fmt.Sprintf("%s.%s", s.path, s.now().UTC().Format("20060102T150405"))
	renameErr := os.Rename(s.path, rotated)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("reopen audit log: %w", err)
	}
	s.file = f
	if renameErr != nil {
		return fmt.Errorf("rename audit log: %w", renameErr)
	}
	s.size = 0
	return nil
}

// Recorder is the sink interface the orchestrator writes through.
// FileStore satisfies it; NopRecorder is used when auditing is disabled.
type Recorder interface {
	Append(rec Record)
}

var _ Recorder = (*FileStore)(nil)

// nopRecorder discards all records.
type nopRecorder struct{}

func (nopRecorder) Append(Record) {}

// NopRecorder returns a recorder that discards everything.
func NopRecorder() Recorder { return nopRecorder{} }

// StreamRecorder writes records as JSON lines to a writer. Used for the
// "stdout" audit output. Like FileStore, write failures are logged and
// dropped.
type StreamRecorder struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
	now    func() time.Time
}

// NewStreamRecorder creates a recorder writing to w.
func NewStreamRecorder(w io.Writer, logger *slog.Logger) *StreamRecorder {
	return &StreamRecorder{w: w, logger: logger, now: time.Now}
}

// Append writes one record as a JSON line.
func (s *StreamRecorder) Append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Time.IsZero() {
		rec.Time = s.now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal audit record", "error", err)
		return
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		s.logger.Error("write audit record", "error", err)
	}
}

var _ Recorder = (*StreamRecorder)(nil)
