package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/safesh/safesh/internal/pathresolve"
)

// Layer is one input to Load, ordered from lowest to highest precedence:
// built-in defaults, preset, global user config, project config, explicit
// session overrides. Source is a human-readable label (file path, or
// "session-override") used only in error messages.
type Layer struct {
	Source string
	Doc    Document
}

// Store loads and merges policy layers into a frozen EffectivePolicy.
type Store struct {
	Home string
}

func New(home string) *Store {
	return &Store{Home: home}
}

// Load merges layers in order (later overrides earlier), resolves the
// declared preset, canonicalizes every root path, and compiles the glob
// sections. Returns an error if an explicitly listed permission root does
// not exist (roots under /tmp are exempt since the host may create them
// at session open).
func (s *Store) Load(layers []Layer, cwd string) (*EffectivePolicy, error) {
	merged := Document{}
	for i, l := range layers {
		if i == 0 {
			merged = l.Doc
			continue
		}
		merged = Merge(merged, l.Doc)
	}

	if merged.Preset != "" {
		preset := merged.Preset
		base := presetBaseline(preset)
		merged = Merge(base, mergeWithoutPresetField(merged))
		merged.Preset = preset
	}

	resolver := pathresolve.New(s.Home)

	readRoots, err := s.canonicalizeRoots(resolver, merged.Permissions.Read.Values, cwd)
	if err != nil {
		return nil, fmt.Errorf("permissions.read: %w", err)
	}
	writeRoots, err := s.canonicalizeRoots(resolver, merged.Permissions.Write.Values, cwd)
	if err != nil {
		return nil, fmt.Errorf("permissions.write: %w", err)
	}

	var projectDir string
	if merged.ProjectDir != "" {
		projectDir, err = resolver.Resolve(merged.ProjectDir, cwd)
		if err != nil {
			return nil, fmt.Errorf("project_dir: %w", err)
		}
	}
	var workspaceDir string
	if merged.WorkspaceDir != "" {
		workspaceDir, err = resolver.Resolve(merged.WorkspaceDir, cwd)
		if err != nil {
			return nil, fmt.Errorf("workspace_dir: %w", err)
		}
	}

	ep := &EffectivePolicy{
		ReadRoots:            readRoots,
		WriteRoots:           writeRoots,
		NetTargets:           append([]string{}, merged.Permissions.Net.Values...),
		EnvNames:             append([]string{}, merged.Permissions.Env.Values...),
		AllowedCommands:      append([]string{}, merged.Permissions.Run.Values...),
		ProjectDir:           projectDir,
		AllowProjectCommands: merged.AllowProjectCommands,
		WorkspaceDir:         workspaceDir,
		Imports: ImportGlobs{
			Trusted: compileGlobs(merged.Imports.Trusted.Values),
			Allowed: compileGlobs(merged.Imports.Allowed.Values),
			Blocked: compileGlobs(merged.Imports.Blocked.Values),
		},
		Env: EnvGlobs{
			Allow: compileGlobs(merged.Env.Allow.Values),
			Mask:  compileGlobs(merged.Env.Mask.Values),
		},
		TimeoutMS: merged.TimeoutMS,
		Preset:    merged.Preset,
		External:  merged.External,
		Tasks:     merged.Tasks,
	}
	if ep.TimeoutMS == 0 {
		ep.TimeoutMS = 30_000
	}
	return ep, nil
}

// canonicalizeRoots canonicalizes each declared root. A root under the
// system temp dir that does not yet exist is accepted as-is (the host may
// create it at session open); any other missing required root is an error.
func (s *Store) canonicalizeRoots(r *pathresolve.Resolver, raw []string, cwd string) ([]string, error) {
	tmp := filepath.Clean(os.TempDir())
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		expanded, err := r.Expand(entry, cwd)
		if err != nil {
			return nil, err
		}
		abs := expanded
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, abs)
		}
		abs = filepath.Clean(abs)

		canon, err := r.CanonicalizeRoot(abs)
		if err != nil {
			if _, statErr := os.Stat(abs); os.IsNotExist(statErr) && isUnder(abs, tmp) {
				out = append(out, abs)
				continue
			}
			return nil, fmt.Errorf("root %q: %w", entry, err)
		}
		out = append(out, canon)
	}
	return out, nil
}

func isUnder(path, root string) bool {
	return path == root || len(path) > len(root) && path[:len(root)] == root && path[len(root)] == filepath.Separator
}

// mergeWithoutPresetField clears Preset before re-merging over the preset
// baseline, so the baseline's own (empty) preset field doesn't loop.
func mergeWithoutPresetField(d Document) Document {
	d.Preset = ""
	return d
}

// WithSessionAllow returns a shallow reference to policy after recording a
// newly session-granted command — the only field DenyRetryProtocol may
// mutate on an already-frozen policy.
func WithSessionAllow(p *EffectivePolicy, cmd string) *EffectivePolicy {
	p.AllowSession(cmd)
	return p
}
