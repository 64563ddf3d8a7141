// Package pathresolve implements the single chokepoint every filesystem
// access in safesh passes through: expansion, canonicalization, and
// read/write authorization against a set of allowed roots.
//
// The algorithm is deliberately conservative: symlinks are resolved before
// any containment check runs, so an allowed directory that happens to
// contain a symlink escaping the sandbox can never be used to read or write
// outside the declared roots.
package pathresolve

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/safesh/safesh/internal/errs"
)

// Op is the kind of access being authorized.
type Op string

const (
	Read  Op = "read"
	Write Op = "write"
)

// Resolver expands and canonicalizes paths relative to a session's cwd and
// HOME, and authorizes the result against a set of allowed roots.
type Resolver struct {
	Home string
}

// New returns a Resolver that expands ~ and ${HOME} to home.
func New(home string) *Resolver {
	return &Resolver{Home: home}
}

// Expand substitutes the recognized placeholders: ~, ${CWD}, ${HOME}. Any
// other ${...} reference is an error — the set is restricted on purpose
// so path templates can't smuggle in arbitrary env var expansion.
func (r *Resolver) Expand(input, cwd string) (string, error) {
	if input == "~" || strings.HasPrefix(input, "~/") {
		input = filepath.Join(r.Home, strings.TrimPrefix(input, "~"))
	}

	var b strings.Builder
	i := 0
	for i < len(input) {
		if input[i] == '$' && i+1 < len(input) && input[i+1] == '{' {
			end := strings.IndexByte(input[i+2:], '}')
			if end == -1 {
				return "", &UnrecognizedPlaceholder{Raw: input[i:]}
			}
			name := input[i+2 : i+2+end]
			switch name {
			case "CWD":
				b.WriteString(cwd)
			case "HOME":
				b.WriteString(r.Home)
			default:
				return "", &UnrecognizedPlaceholder{Raw: "${" + name + "}"}
			}
			i += 2 + end + 1
			continue
		}
		b.WriteByte(input[i])
		i++
	}
	return b.String(), nil
}

// UnrecognizedPlaceholder is returned by Expand for any ${...} token other
// than ${CWD} / ${HOME}.
type UnrecognizedPlaceholder struct{ Raw string }

func (e *UnrecognizedPlaceholder) Error() string {
	return "unrecognized path placeholder: " + e.Raw
}

// Resolve expands input, joins it against cwd if relative, and canonicalizes
// it: existing ancestors have their symlinks followed to a real path, and
// the non-existing tail is lexically normalized ("." / ".." collapsed).
//
// A path whose parent does not exist is an error for read (AuthorizeOp
// checks this); for write it is fine so long as the deepest *existing*
// ancestor canonicalizes inside an allowed root (checked later by
// Authorize, not here).
func (r *Resolver) Resolve(input, cwd string) (string, error) {
	expanded, err := r.Expand(input, cwd)
	if err != nil {
		return "", err
	}
	abs := expanded
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, abs)
	}
	hops := 0
	return r.canonicalize(abs, &hops)
}

// canonicalize walks abs component by component, resolving symlinks for
// every component that exists, and lexically cleaning the remaining tail.
// Cycle-safe: follows at most 40 link hops total (matches typical OS limits)
// before raising SymlinkCycle.
func (r *Resolver) canonicalize(abs string, hops *int) (string, error) {
	abs = filepath.Clean(abs)
	vol := filepath.VolumeName(abs)
	parts := strings.Split(strings.TrimPrefix(abs[len(vol):], string(filepath.Separator)), string(filepath.Separator))
	cur := vol + string(filepath.Separator)
	pastExisting := false

	for _, part := range parts {
		if part == "" {
			continue
		}
		next := filepath.Join(cur, part)
		if pastExisting {
			cur = next
			continue
		}
		info, err := os.Lstat(next)
		if err != nil {
			if os.IsNotExist(err) {
				pastExisting = true
				cur = next
				continue
			}
			return "", &errs.CanonicalizeFailed{Path: next, Err: err}
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(next)
			if err != nil {
				return "", &errs.CanonicalizeFailed{Path: next, Err: err}
			}
			*hops++
			if *hops > 40 {
				return "", &errs.SymlinkCycle{Path: next}
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(cur, target)
			}
			resolved, err := r.canonicalize(target, hops)
			if err != nil {
				return "", err
			}
			cur = resolved
			continue
		}
		cur = next
	}
	return filepath.Clean(cur), nil
}

// CanonicalizeRoot canonicalizes a policy root at load time (no containment
// check — roots define the containment boundary themselves). Errors if the
// root does not exist; callers that want to tolerate a not-yet-created root
// (e.g. one under the system temp dir) must catch os.IsNotExist(err) and
// decide for themselves — CanonicalizeRoot makes no exception of its own.
func (r *Resolver) CanonicalizeRoot(root string) (string, error) {
	abs := root
	if !filepath.IsAbs(abs) {
		return "", &errs.CanonicalizeFailed{Path: root, Err: os.ErrInvalid}
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &errs.CanonicalizeFailed{Path: root, Err: err}
	}
	return filepath.Clean(real), nil
}

// Authorize reports whether abs is equal to, or a descendant of, at least
// one root in roots. Both sides must already be canonical absolute paths
// with no trailing slash.
func Authorize(abs string, roots []string) bool {
	abs = filepath.Clean(abs)
	for _, root := range roots {
		root = filepath.Clean(root)
		if abs == root {
			return true
		}
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// AuthorizeOp resolves+checks in one call and returns the typed error the
// rest of the system expects on denial.
func (r *Resolver) AuthorizeOp(input, cwd string, op Op, roots []string) (string, error) {
	abs, err := r.Resolve(input, cwd)
	if err != nil {
		return "", err
	}
	if !Authorize(abs, roots) {
		return "", &errs.PathViolation{Path: abs, Op: string(op), Roots: roots}
	}
	if op == Read {
		if _, err := os.Stat(filepath.Dir(abs)); err != nil {
			return "", &errs.CanonicalizeFailed{Path: abs, Err: err}
		}
	}
	return abs, nil
}
