package approval

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnvelope_ExpiredBy(t *testing.T) {
	t.Parallel()

	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &Envelope{ExpiresAt: expires}

	tests := []struct {
		name string
		now  time.Time
		skew time.Duration
		want bool
	}{
		{"before expiry", expires.Add(-time.Minute), 0, false},
		{"at expiry", expires, 0, false},
		{"past expiry", expires.Add(time.Second), 0, true},
		{"past expiry within skew", expires.Add(10 * time.Second), 30 * time.Second, false},
		{"past expiry beyond skew", expires.Add(time.Minute), 30 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := env.ExpiredBy(tt.now, tt.skew); got != tt.want {
				t.Errorf("ExpiredBy(%v, %v) = %v, want %v", tt.now, tt.skew, got, tt.want)
			}
		})
	}
}

func TestVerdict_IsValid(t *testing.T) {
	t.Parallel()

	if !VerdictApprove.IsValid() || !VerdictDeny.IsValid() {
		t.Error("known verdicts should be valid")
	}
	if Verdict("allow").IsValid() || Verdict("").IsValid() {
		t.Error("unknown verdicts should be invalid")
	}
}

func TestLocalScopeResolver_Resolve(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := &LocalScopeResolver{
		ContextID:     "ctx-1",
		AgentIdentity: "agent",
		Workdir:       dir,
	}

	scope, err := r.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if scope.ContextID != "ctx-1" || scope.AgentIdentity != "agent" {
		t.Errorf("scope identity fields = %+v", scope)
	}
	if !filepath.IsAbs(scope.WorkspaceIdentity) {
		t.Errorf("workspace identity %q is not absolute", scope.WorkspaceIdentity)
	}
}

func TestLocalScopeResolver_SymlinkStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(dir, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	direct, err := (&LocalScopeResolver{Workdir: dir}).Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	viaLink, err := (&LocalScopeResolver{Workdir: link}).Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if direct.WorkspaceIdentity != viaLink.WorkspaceIdentity {
		t.Errorf("workspace identity differs across spellings: %q vs %q",
			direct.WorkspaceIdentity, viaLink.WorkspaceIdentity)
	}
}

func TestLoadOrCreateContextID(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "context_id")

	first, err := LoadOrCreateContextID(path)
	if err != nil {
		t.Fatalf("LoadOrCreateContextID: %v", err)
	}
	if first == "" {
		t.Fatal("empty context id minted")
	}

	// Every later load (a separate process in practice) sees the same id.
	second, err := LoadOrCreateContextID(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateContextID: %v", err)
	}
	if second != first {
		t.Fatalf("context id changed across loads: %s then %s", first, second)
	}

	// Two resolvers built from the persisted id resolve identical scopes.
	dir := t.TempDir()
	a := &LocalScopeResolver{ContextID: first, AgentIdentity: "agent", Workdir: dir}
	b := &LocalScopeResolver{ContextID: second, AgentIdentity: "agent", Workdir: dir}
	scopeA, err := a.Resolve()
	if err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	scopeB, err := b.Resolve()
	if err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	if scopeA != scopeB {
		t.Fatalf("scopes differ: %+v vs %+v", scopeA, scopeB)
	}
}

func TestLoadOrCreateContextID_EmptyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "context_id")
	if err := os.WriteFile(path, []byte("\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadOrCreateContextID(path); err == nil {
		t.Fatal("empty context id file accepted")
	}
}
