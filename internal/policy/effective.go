package policy

import (
	"sync"

	"github.com/gobwas/glob"
)

// EffectivePolicy is the immutable, frozen result of merging every config
// layer. Every field is read-only after Load returns except
// SessionAllowedCommands, which DenyRetryProtocol appends to — the only
// mutation permitted after a session starts.
type EffectivePolicy struct {
	ReadRoots  []string
	WriteRoots []string
	NetTargets []string
	EnvNames   []string

	AllowedCommands      []string
	ProjectDir           string
	AllowProjectCommands bool
	WorkspaceDir         string

	Imports ImportGlobs
	Env     EnvGlobs

	TimeoutMS int64
	Preset    Preset
	External  map[string]ExternalCommand
	Tasks     map[string]Task

	mu                     sync.Mutex
	sessionAllowedCommands []string
}

// ImportGlobs holds compiled glob matchers for the imports.* sections.
type ImportGlobs struct {
	Trusted []glob.Glob
	Allowed []glob.Glob
	Blocked []glob.Glob
}

// EnvGlobs holds compiled glob matchers for the env.* sections.
type EnvGlobs struct {
	Allow []glob.Glob
	Mask  []glob.Glob
}

// SessionAllowedCommands returns a snapshot of the append-only list granted
// by DenyRetryProtocol during this session.
func (p *EffectivePolicy) SessionAllowedCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sessionAllowedCommands))
	copy(out, p.sessionAllowedCommands)
	return out
}

// AllowSession appends a command to the session-granted allowlist. The only
// mutation permitted on a frozen EffectivePolicy.
func (p *EffectivePolicy) AllowSession(cmd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.sessionAllowedCommands {
		if c == cmd {
			return
		}
	}
	p.sessionAllowedCommands = append(p.sessionAllowedCommands, cmd)
}

// AllAllowedCommands returns AllowedCommands ∪ SessionAllowedCommands, the
// set CommandPolicy.Check consults.
func (p *EffectivePolicy) AllAllowedCommands() []string {
	out := make([]string, 0, len(p.AllowedCommands)+len(p.sessionAllowedCommands))
	out = append(out, p.AllowedCommands...)
	out = append(out, p.SessionAllowedCommands()...)
	return out
}

func compileGlobs(patterns []string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pat := range patterns {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			// An invalid glob can never match; policy authoring errors
			// should not widen what a session can touch.
			continue
		}
		out = append(out, g)
	}
	return out
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// ImportAllowed classifies a module identifier per imports rules:
// blocked wins over trusted/allowed; trusted and allowed are both "may
// import", the distinction (if any) belongs to the host, not the core.
func (p *EffectivePolicy) ImportAllowed(module string) bool {
	if matchAny(p.Imports.Blocked, module) {
		return false
	}
	return matchAny(p.Imports.Trusted, module) || matchAny(p.Imports.Allowed, module)
}

// EnvVisible reports whether name should be visible to the child. The
// plain permissions.env name set and the glob-based env.allow section are
// both "may see this var"; env.mask always wins over either.
func (p *EffectivePolicy) EnvVisible(name string) bool {
	if matchAny(p.Env.Mask, name) {
		return false
	}
	if matchAny(p.Env.Allow, name) {
		return true
	}
	for _, n := range p.EnvNames {
		if n == name {
			return true
		}
	}
	return false
}
