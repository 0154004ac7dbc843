package approval

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ScopeResolver derives the execution scope from live system state. The
// orchestrator calls it twice per envelope, at proposal time and again at
// verification time, so any drift in the underlying state surfaces as a
// plan hash mismatch. Scope is never accepted from the caller as data.
type ScopeResolver interface {
	Resolve() (ExecutionScope, error)
}

// LocalScopeResolver resolves the scope for a local single-workspace
// session: a fixed per-conversation context id, a fixed agent identity, and
// the process working directory as the workspace identity.
type LocalScopeResolver struct {
	ContextID     string
	AgentIdentity string

	// Workdir overrides the process working directory when non-empty.
	Workdir string
}

var _ ScopeResolver = (*LocalScopeResolver)(nil)

// Resolve returns the current execution scope. The workspace identity is
// the symlink-resolved absolute path, so two spellings of the same
// directory hash identically.
func (r *LocalScopeResolver) Resolve() (ExecutionScope, error) {
	dir := r.Workdir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return ExecutionScope{}, fmt.Errorf("resolve workspace: %w", err)
		}
		dir = wd
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return ExecutionScope{}, fmt.Errorf("resolve workspace %q: %w", dir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	return ExecutionScope{
		ContextID:         r.ContextID,
		AgentIdentity:     r.AgentIdentity,
		WorkspaceIdentity: abs,
	}, nil
}

// LoadOrCreateContextID returns the approval context id persisted at path,
// minting and persisting one on first use. Proposal and verification
// typically run in separate processes; both must resolve the identical
// context id or no envelope could ever verify.
func LoadOrCreateContextID(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("context id file %s is empty", path)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read context id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create context id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist context id: %w", err)
	}
	return id, nil
}
