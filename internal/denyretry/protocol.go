// Package denyretry implements the DenyRetryProtocol: a
// command blocked inside a script is recorded as a PendingCommand, a
// structured prompt is emitted for the host to relay to the user, and a
// later retry(id, choice) call widens the policy (transiently or
// durably) before the same script is re-invoked.
package denyretry

import (
	"fmt"
	"strings"
	"time"

	"github.com/safesh/safesh/internal/errs"
	"github.com/safesh/safesh/internal/jobstore"
	"github.com/safesh/safesh/internal/policy"
)

// Choice is the user's answer to the deny-with-retry prompt.
type Choice int

const (
	AllowOnce    Choice = 1
	AlwaysAllow  Choice = 2
	AllowSession Choice = 3
	Deny         Choice = 4
)

const promptTemplate = `[SAFESH] BLOCKED: %s

WAIT for user choice (1-4):
1. Allow once
2. Always allow
3. Allow for session
4. Deny

DO NOT SHOW OR REPEAT OPTIONS. AFTER USER RESPONDS: desh retry --id=%s --choice=<user's choice>`

// Prompt renders the fixed-format stderr prompt for a blocked script.
func Prompt(scriptID string, commands []string) string {
	return fmt.Sprintf(promptTemplate, strings.Join(commands, ", "), scriptID)
}

// Protocol ties a pending-command Store to the policy mutation rules each
// retry choice implies.
type Protocol struct {
	Store *Store

	// Index is an optional denormalized audit trail. Store remains
	// authoritative for retry; Index just keeps a history entry alive
	// after Store deletes the resolved file.
	Index *jobstore.Store
}

func New(store *Store) *Protocol {
	return &Protocol{Store: store}
}

// Block records a blocked script and returns the prompt to emit on stderr.
func (p *Protocol) Block(scriptID, scriptHash string, commands []string, cwd string) (string, error) {
	pc := PendingCommand{
		ID:         scriptID,
		ScriptHash: scriptHash,
		Commands:   commands,
		Cwd:        cwd,
		CreatedAt:  time.Now(),
	}
	if err := p.Store.Write(pc); err != nil {
		return "", err
	}
	if p.Index != nil {
		_ = p.Index.RecordPending(&jobstore.PendingCommand{
			ID:         pc.ID,
			ScriptHash: pc.ScriptHash,
			Commands:   pc.Commands,
			Cwd:        pc.Cwd,
			CreatedAt:  pc.CreatedAt,
		})
	}
	return Prompt(scriptID, commands), nil
}

// PersistProject is called for AlwaysAllow to write the widened commands
// into the project-level policy file. The caller supplies the actual file
// mutation (PolicyStore doesn't own file I/O for authored configs).
type PersistProject func(commands []string) error

// RetryResult reports what Retry decided. Once is true for AllowOnce: the
// caller must widen the policy only for this single re-invocation (e.g. by
// adding Commands to the preamble's allowed-commands list), not mutate the
// session's durable EffectivePolicy.
type RetryResult struct {
	Denied   bool
	Commands []string
	Once     bool
	Cwd      string
}

// Retry resolves a pending command by id. scriptHash must match the
// recorded one or the retry is aborted as stale.
func (p *Protocol) Retry(id string, choice Choice, scriptHash string, pol *policy.EffectivePolicy, persist PersistProject) (*RetryResult, error) {
	pc, err := p.Store.Read(id)
	if err != nil {
		return nil, err
	}
	if pc.ScriptHash != scriptHash {
		return nil, &errs.StalePending{ID: id}
	}

	switch choice {
	case Deny:
		if err := p.Store.Delete(id); err != nil {
			return nil, err
		}
		p.resolveIndex(id, "deny")
		return &RetryResult{Denied: true, Commands: pc.Commands, Cwd: pc.Cwd}, nil

	case AllowOnce:
		if err := p.Store.Delete(id); err != nil {
			return nil, err
		}
		p.resolveIndex(id, "allow_once")
		return &RetryResult{Commands: pc.Commands, Once: true, Cwd: pc.Cwd}, nil

	case AllowSession:
		for _, cmd := range pc.Commands {
			pol.AllowSession(cmd)
		}
		if err := p.Store.Delete(id); err != nil {
			return nil, err
		}
		p.resolveIndex(id, "allow_session")
		return &RetryResult{Commands: pc.Commands, Cwd: pc.Cwd}, nil

	case AlwaysAllow:
		if persist != nil {
			if err := persist(pc.Commands); err != nil {
				return nil, err
			}
		}
		for _, cmd := range pc.Commands {
			pol.AllowSession(cmd)
		}
		if err := p.Store.Delete(id); err != nil {
			return nil, err
		}
		p.resolveIndex(id, "always_allow")
		return &RetryResult{Commands: pc.Commands, Cwd: pc.Cwd}, nil

	default:
		return nil, fmt.Errorf("invalid retry choice: %d", choice)
	}
}

func (p *Protocol) resolveIndex(id, resolution string) {
	if p.Index == nil {
		return
	}
	_ = p.Index.Resolve(id, resolution, time.Now())
}
