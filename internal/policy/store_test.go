package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMergeOmittedVsExplicitEmpty(t *testing.T) {
	parent := Document{Permissions: Permissions{Read: setList("/a", "/b")}}

	// Omitted field: child says nothing about read, parent's list survives.
	childOmit := Document{}
	gotOmit := Merge(parent, childOmit)
	if len(gotOmit.Permissions.Read.Values) != 2 {
		t.Fatalf("expected inherited read roots, got %v", gotOmit.Permissions.Read.Values)
	}

	// Explicit empty list: child declares read: [] — replaces, not unions.
	childEmpty := Document{Permissions: Permissions{Read: StringList{Set: true, Values: []string{}}}}
	gotEmpty := Merge(parent, childEmpty)
	if len(gotEmpty.Permissions.Read.Values) != 0 {
		t.Fatalf("expected replaced (empty) read roots, got %v", gotEmpty.Permissions.Read.Values)
	}
}

func TestMergeExplicitReplaces(t *testing.T) {
	parent := Document{Permissions: Permissions{Read: setList("/a")}}
	child := Document{Permissions: Permissions{Read: setList("/c", "/d")}}
	got := Merge(parent, child)
	want := []string{"/c", "/d"}
	if len(got.Permissions.Read.Values) != len(want) {
		t.Fatalf("got %v want %v", got.Permissions.Read.Values, want)
	}
	for i, v := range want {
		if got.Permissions.Read.Values[i] != v {
			t.Fatalf("got %v want %v", got.Permissions.Read.Values, want)
		}
	}
}

func TestCanonicalMergeIdempotence(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	layers := []Layer{
		{Doc: Document{Permissions: Permissions{Read: setList(dir)}}},
	}
	ep1, err := store.Load(layers, dir)
	if err != nil {
		t.Fatal(err)
	}
	layers2 := []Layer{
		{Doc: Document{Permissions: Permissions{Read: setList(ep1.ReadRoots...)}}},
	}
	ep2, err := store.Load(layers2, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(ep1.ReadRoots) != len(ep2.ReadRoots) || ep1.ReadRoots[0] != ep2.ReadRoots[0] {
		t.Fatalf("re-canonicalizing an already-canonical root changed it: %v -> %v", ep1.ReadRoots, ep2.ReadRoots)
	}
}

func TestMissingRequiredRootErrors(t *testing.T) {
	store := New(t.TempDir())
	layers := []Layer{
		{Doc: Document{Permissions: Permissions{Read: setList("/definitely/does/not/exist/xyz")}}},
	}
	if _, err := store.Load(layers, "/"); err == nil {
		t.Fatal("expected error for nonexistent required root")
	}
}

func TestTmpRootNotRequiredToExist(t *testing.T) {
	store := New(t.TempDir())
	tmp := filepath.Join(os.TempDir(), "safesh-test-not-yet-created")
	layers := []Layer{
		{Doc: Document{Permissions: Permissions{Write: setList(tmp)}}},
	}
	ep, err := store.Load(layers, "/")
	if err != nil {
		t.Fatalf("unexpected error for not-yet-created /tmp root: %v", err)
	}
	if len(ep.WriteRoots) != 1 {
		t.Fatalf("expected write root to be carried through, got %v", ep.WriteRoots)
	}
}

func TestPresetBaselineApplied(t *testing.T) {
	work := t.TempDir()
	store := New(t.TempDir())
	layers := []Layer{
		{Doc: Document{Preset: PresetStrict}},
	}
	ep, err := store.Load(layers, work)
	if err != nil {
		t.Fatal(err)
	}
	if len(ep.WriteRoots) != 0 {
		t.Fatalf("strict preset should have no write roots by default, got %v", ep.WriteRoots)
	}
	if len(ep.ReadRoots) != 1 || ep.ReadRoots[0] != work {
		t.Fatalf("expected read root to be canonicalized cwd, got %v", ep.ReadRoots)
	}
}

// TestPresetSurvivesUnderPresetlessLayer guards against regressing to a
// caller that only supplies the builtin/preset layer conditionally: a
// project layer naming permissions but no preset key must still inherit
// the standard preset's baseline instead of ending up with zero roots.
func TestPresetSurvivesUnderPresetlessLayer(t *testing.T) {
	work := t.TempDir()
	store := New(t.TempDir())
	layers := []Layer{
		{Source: "builtin", Doc: Document{Preset: PresetStandard}},
		{Source: "project", Doc: Document{
			Permissions: Permissions{Run: setList("git")},
		}},
	}
	ep, err := store.Load(layers, work)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Preset != PresetStandard {
		t.Fatalf("expected preset to survive as %q, got %q", PresetStandard, ep.Preset)
	}
	if len(ep.ReadRoots) == 0 {
		t.Fatalf("expected standard preset's default read roots, got none")
	}
	if len(ep.WriteRoots) == 0 {
		t.Fatalf("expected standard preset's default write roots, got none")
	}
}

func TestSessionAllowAppendOnly(t *testing.T) {
	ep := &EffectivePolicy{AllowedCommands: []string{"git"}}
	ep.AllowSession("curl")
	ep.AllowSession("curl")
	all := ep.AllAllowedCommands()
	count := 0
	for _, c := range all {
		if c == "curl" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected curl to appear once (append-only, deduped), got %d in %v", count, all)
	}
	if len(all) != 2 {
		t.Fatalf("expected git+curl, got %v", all)
	}
}

func TestImportGlobsBlockedWinsOverAllowed(t *testing.T) {
	ep := &EffectivePolicy{
		Imports: ImportGlobs{
			Allowed: compileGlobs([]string{"lodash*"}),
			Blocked: compileGlobs([]string{"lodash-evil"}),
		},
	}
	if !ep.ImportAllowed("lodash-core") {
		t.Fatal("expected lodash-core to be allowed")
	}
	if ep.ImportAllowed("lodash-evil") {
		t.Fatal("expected lodash-evil to be blocked despite matching allowed glob")
	}
}
