// Package cmdpolicy implements the CommandPolicy decision tree: given a
// command reference the child wants to spawn, decide whether the policy
// allows it and, if so, the exact path the runner should exec.
package cmdpolicy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/safesh/safesh/internal/errs"
	"github.com/safesh/safesh/internal/policy"
)

// Decision is the resolved outcome of Check: either Allowed with the path
// the runner should exec, or an error (always *errs.CommandNotAllowed or
// *errs.CommandNotFound).
type Decision struct {
	Allowed  bool
	Resolved string
}

// Check implements CommandPolicy's decision tree. cwd is the session's
// current working directory, used to resolve relative references.
func Check(cmdRef string, pol *policy.EffectivePolicy, cwd string) (Decision, error) {
	allowed := allowedSet(pol)

	if !strings.Contains(cmdRef, string(filepath.Separator)) && !strings.Contains(cmdRef, "/") {
		if matches(allowed, cmdRef) {
			return Decision{Allowed: true, Resolved: cmdRef}, nil
		}
		return Decision{}, &errs.CommandNotAllowed{Command: cmdRef, Resolved: cmdRef}
	}

	base := filepath.Base(cmdRef)
	if matches(allowed, base) {
		abs := cmdRef
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, abs)
		}
		return Decision{Allowed: true, Resolved: filepath.Clean(abs)}, nil
	}

	if filepath.IsAbs(cmdRef) {
		clean := filepath.Clean(cmdRef)
		if matches(allowed, clean) {
			return Decision{Allowed: true, Resolved: clean}, nil
		}
		return Decision{}, &errs.CommandNotAllowed{Command: cmdRef, Resolved: clean}
	}

	// Relative, not matched by basename: try cwd-relative, then
	// project_dir-relative.
	p := filepath.Clean(filepath.Join(cwd, cmdRef))
	if isRegularFile(p) {
		if pol.AllowProjectCommands && pol.ProjectDir != "" && within(p, pol.ProjectDir) {
			return Decision{Allowed: true, Resolved: p}, nil
		}
		if matches(allowed, p) {
			return Decision{Allowed: true, Resolved: p}, nil
		}
		return Decision{}, &errs.CommandNotAllowed{Command: cmdRef, Resolved: p}
	}

	if pol.ProjectDir != "" {
		q := filepath.Clean(filepath.Join(pol.ProjectDir, cmdRef))
		if isRegularFile(q) {
			if pol.AllowProjectCommands {
				return Decision{Allowed: true, Resolved: q}, nil
			}
			if matches(allowed, q) {
				return Decision{Allowed: true, Resolved: q}, nil
			}
			return Decision{}, &errs.CommandNotAllowed{Command: cmdRef, Resolved: q}
		}
	}

	return Decision{}, &errs.CommandNotFound{Command: cmdRef}
}

func allowedSet(pol *policy.EffectivePolicy) []string {
	return pol.AllAllowedCommands()
}

// matches reports whether name is literally present in allowed, or matches
// one of allowed's entries as a glob pattern (bare command-name globs like
// "git*" — flag-allowlisting shapes like "npm:*" are out of scope).
func matches(allowed []string, name string) bool {
	for _, a := range allowed {
		if a == name {
			return true
		}
		if strings.ContainsAny(a, "*?[") {
			if g, err := glob.Compile(a); err == nil && g.Match(name) {
				return true
			}
		}
	}
	return false
}

// within reports whether p, once . and .. segments are normalized, stays
// inside root.
func within(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
