package denyretry

import (
	"strings"
	"testing"

	"github.com/safesh/safesh/internal/errs"
	"github.com/safesh/safesh/internal/policy"
)

func newTestProtocol(t *testing.T) *Protocol {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store)
}

func TestBlockWritesEncryptedPendingAndReturnsPrompt(t *testing.T) {
	p := newTestProtocol(t)
	prompt, err := p.Block("script-1", "hash-abc", []string{"curl", "docker"}, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "[SAFESH] BLOCKED: curl, docker") {
		t.Fatalf("unexpected prompt: %s", prompt)
	}
	if !strings.Contains(prompt, "desh retry --id=script-1 --choice=<user's choice>") {
		t.Fatalf("prompt missing retry instruction: %s", prompt)
	}

	raw, err := p.Store.Read("script-1")
	if err != nil {
		t.Fatal(err)
	}
	if raw.ScriptHash != "hash-abc" || len(raw.Commands) != 2 {
		t.Fatalf("got %+v", raw)
	}
}

func TestRetryStaleHashAborts(t *testing.T) {
	p := newTestProtocol(t)
	p.Block("script-1", "hash-abc", []string{"curl"}, "/work")
	pol := &policy.EffectivePolicy{}
	_, err := p.Retry("script-1", AllowSession, "hash-different", pol, nil)
	var stale *errs.StalePending
	if c, ok := err.(*errs.StalePending); !ok {
		t.Fatalf("expected StalePending, got %v", err)
	} else {
		stale = c
	}
	if stale.ID != "script-1" {
		t.Fatalf("got %q", stale.ID)
	}
}

func TestRetryDenyDeletesPending(t *testing.T) {
	p := newTestProtocol(t)
	p.Block("script-1", "hash-abc", []string{"curl"}, "/work")
	pol := &policy.EffectivePolicy{}
	res, err := p.Retry("script-1", Deny, "hash-abc", pol, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Denied {
		t.Fatal("expected Denied result")
	}
	if _, err := p.Store.Read("script-1"); err == nil {
		t.Fatal("expected pending file to be deleted after deny")
	}
}

func TestRetryAllowOnceDoesNotMutatePolicy(t *testing.T) {
	p := newTestProtocol(t)
	p.Block("script-1", "hash-abc", []string{"curl"}, "/work")
	pol := &policy.EffectivePolicy{}
	res, err := p.Retry("script-1", AllowOnce, "hash-abc", pol, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Once {
		t.Fatal("expected Once=true for allow-once")
	}
	for _, c := range pol.AllAllowedCommands() {
		if c == "curl" {
			t.Fatal("allow-once must not durably widen session_allowed_commands")
		}
	}
}

func TestRetryAllowSessionMutatesPolicy(t *testing.T) {
	p := newTestProtocol(t)
	p.Block("script-1", "hash-abc", []string{"curl"}, "/work")
	pol := &policy.EffectivePolicy{}
	_, err := p.Retry("script-1", AllowSession, "hash-abc", pol, nil)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range pol.AllAllowedCommands() {
		if c == "curl" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected curl to be added to session_allowed_commands")
	}
}

func TestRetryAlwaysAllowCallsPersistAndMutatesPolicy(t *testing.T) {
	p := newTestProtocol(t)
	p.Block("script-1", "hash-abc", []string{"curl"}, "/work")
	pol := &policy.EffectivePolicy{}
	var persisted []string
	_, err := p.Retry("script-1", AlwaysAllow, "hash-abc", pol, func(cmds []string) error {
		persisted = cmds
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || persisted[0] != "curl" {
		t.Fatalf("expected persist callback invoked with [curl], got %v", persisted)
	}
}
