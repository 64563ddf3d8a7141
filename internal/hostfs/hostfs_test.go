package hostfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/safesh/safesh/internal/errs"
	"github.com/safesh/safesh/internal/pathresolve"
	"github.com/safesh/safesh/internal/policy"
	"github.com/safesh/safesh/internal/vfs"
)

func newDispatcher(t *testing.T, readRoots, writeRoots []string, cwd string) *FsDispatcher {
	t.Helper()
	v := vfs.New(vfs.Limits{})
	resolver := pathresolve.New(cwd)
	pol := &policy.EffectivePolicy{ReadRoots: readRoots, WriteRoots: writeRoots}
	return New("/@vfs/", v, resolver, pol, cwd)
}

func TestVFSPrefixRoutesToVFS(t *testing.T) {
	d := newDispatcher(t, nil, nil, "/tmp")
	if err := d.WriteFile("/@vfs/notes.txt", []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := d.ReadFile("/@vfs/notes.txt")
	if err != nil || string(got) != "hi" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestHostPathDeniedOutsideRoots(t *testing.T) {
	dir := t.TempDir()
	d := newDispatcher(t, []string{dir}, []string{dir}, dir)
	outside := filepath.Join(filepath.Dir(dir), "elsewhere.txt")
	_, err := d.ReadFile(outside)
	var viol *errs.PathViolation
	if !asViolation(err, &viol) {
		t.Fatalf("expected PathViolation reading outside allowed roots, got %v", err)
	}
}

func TestHostPathAllowedInsideRoots(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(t, []string{dir}, []string{dir}, dir)
	got, err := d.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil || string(got) != "x" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestWriteDeniedWithoutWriteRoot(t *testing.T) {
	dir := t.TempDir()
	d := newDispatcher(t, []string{dir}, nil, dir)
	err := d.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0644)
	var viol *errs.PathViolation
	if !asViolation(err, &viol) {
		t.Fatalf("expected PathViolation writing without a write root, got %v", err)
	}
}

func asViolation(err error, target **errs.PathViolation) bool {
	c, ok := err.(*errs.PathViolation)
	if ok {
		*target = c
	}
	return ok
}
