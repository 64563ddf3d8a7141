package pathresolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/safesh/safesh/internal/errs"
)

func TestExpandPlaceholders(t *testing.T) {
	r := New("/home/u")
	got, err := r.Expand("${CWD}/sub", "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/work/sub" {
		t.Fatalf("got %q", got)
	}

	got, err = r.Expand("~/.config", "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/home/u/.config" {
		t.Fatalf("got %q", got)
	}

	if _, err := r.Expand("${UNKNOWN}/x", "/work"); err == nil {
		t.Fatal("expected error for unrecognized placeholder")
	}
}

func TestSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "allowed")
	if err := os.Mkdir(allowed, 0755); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(dir, "outside.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(allowed, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	r := New(dir)
	abs, err := r.Resolve(link, dir)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if abs != outside {
		t.Fatalf("expected canonical path %s, got %s", outside, abs)
	}

	roots, err := r.CanonicalizeRoot(allowed)
	if err != nil {
		t.Fatal(err)
	}
	if Authorize(abs, []string{roots}) {
		t.Fatal("expected symlink target outside allowed root to be denied")
	}
}

func TestSymlinkCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")
	if err := os.Symlink(b, a); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(c, b); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(a, c); err != nil {
		t.Fatal(err)
	}

	r := New(dir)
	_, err := r.Resolve(a, dir)
	var cyc *errs.SymlinkCycle
	if !asCycle(err, &cyc) {
		t.Fatalf("expected SymlinkCycle, got %v", err)
	}
}

func asCycle(err error, target **errs.SymlinkCycle) bool {
	c, ok := err.(*errs.SymlinkCycle)
	if ok {
		*target = c
	}
	return ok
}

func TestAuthorizeBoundary(t *testing.T) {
	roots := []string{"/allowed"}
	cases := map[string]bool{
		"/allowed":        true,
		"/allowed/x":      true,
		"/allowed-other":  false, // prefix collision without boundary
		"/other":          false,
		"/allowed/../etc": false,
	}
	for path, want := range cases {
		clean := filepath.Clean(path)
		got := Authorize(clean, roots)
		if got != want {
			t.Errorf("Authorize(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestWriteToNonexistentParentOfAllowedAncestor(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	target := filepath.Join(dir, "new", "nested", "file.txt")
	abs, err := r.Resolve(target, dir)
	if err != nil {
		t.Fatalf("unexpected error resolving path with missing ancestors: %v", err)
	}
	roots, err := r.CanonicalizeRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !Authorize(abs, []string{roots}) {
		t.Fatal("expected write target under allowed root to be authorized even though ancestors don't exist yet")
	}
}
