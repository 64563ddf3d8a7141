// Package hostfs implements the HostFsInterceptor: a capability-passing
// FsDispatcher that routes VFS-prefixed paths to the in-memory vfs.FS and
// everything else through PathResolver-authorized host filesystem calls.
//
// This is deliberately not a global intercepting proxy over package-level
// fs functions — callers receive a *FsDispatcher value (constructed once
// per session) and thread it explicitly, so there is no process-wide
// state to install or restore.
package hostfs

import (
	"os"
	"strings"
	"time"

	"github.com/safesh/safesh/internal/errs"
	"github.com/safesh/safesh/internal/pathresolve"
	"github.com/safesh/safesh/internal/policy"
	"github.com/safesh/safesh/internal/vfs"
)

// FsDispatcher is the single filesystem entry point handed to a session's
// child-facing code. It decides, per call, whether a path belongs to the
// VFS or the host.
type FsDispatcher struct {
	Prefix   string
	VFS      *vfs.FS
	Resolver *pathresolve.Resolver
	Policy   *policy.EffectivePolicy
	Cwd      string
}

// New constructs a dispatcher bound to one session's policy, cwd, and VFS.
func New(prefix string, v *vfs.FS, resolver *pathresolve.Resolver, pol *policy.EffectivePolicy, cwd string) *FsDispatcher {
	return &FsDispatcher{Prefix: prefix, VFS: v, Resolver: resolver, Policy: pol, Cwd: cwd}
}

// WithCwd returns a shallow copy of the dispatcher bound to a new cwd — used
// when a session changes directory; the policy reference and roots are
// unaffected.
func (d *FsDispatcher) WithCwd(cwd string) *FsDispatcher {
	cp := *d
	cp.Cwd = cwd
	return &cp
}

func (d *FsDispatcher) isVFS(p string) bool {
	return strings.HasPrefix(p, d.Prefix)
}

func (d *FsDispatcher) authorize(p string, op pathresolve.Op, roots []string) (string, error) {
	return d.Resolver.AuthorizeOp(p, d.Cwd, op, roots)
}

// ReadFile returns the exact bytes of p (binary-safe), from the VFS or the
// host depending on prefix.
func (d *FsDispatcher) ReadFile(p string) ([]byte, error) {
	if d.isVFS(p) {
		return d.VFS.Read(d.Prefix, p)
	}
	abs, err := d.authorize(p, pathresolve.Read, d.Policy.ReadRoots)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile creates or replaces p with data.
func (d *FsDispatcher) WriteFile(p string, data []byte, perm os.FileMode) error {
	if d.isVFS(p) {
		return d.VFS.Write(d.Prefix, p, data)
	}
	abs, err := d.authorize(p, pathresolve.Write, d.Policy.WriteRoots)
	if err != nil {
		return err
	}
	return os.WriteFile(abs, data, perm)
}

// Stat follows symlinks to return metadata for p.
func (d *FsDispatcher) Stat(p string) (os.FileInfo, error) {
	if d.isVFS(p) {
		st, err := d.VFS.Stat(d.Prefix, p)
		if err != nil {
			return nil, err
		}
		return vfsFileInfo{p: p, st: st}, nil
	}
	abs, err := d.authorize(p, pathresolve.Read, d.Policy.ReadRoots)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// Lstat is like Stat but does not follow a final symlink component (host
// side only; the VFS exposes the same distinction via Stat vs ReadLink).
func (d *FsDispatcher) Lstat(p string) (os.FileInfo, error) {
	if d.isVFS(p) {
		return d.Stat(p)
	}
	abs, err := d.authorize(p, pathresolve.Read, d.Policy.ReadRoots)
	if err != nil {
		return nil, err
	}
	return os.Lstat(abs)
}

// Mkdir creates a directory, optionally with missing parents.
func (d *FsDispatcher) Mkdir(p string, recursive bool, perm os.FileMode) error {
	if d.isVFS(p) {
		return d.VFS.Mkdir(d.Prefix, p, recursive)
	}
	abs, err := d.authorize(p, pathresolve.Write, d.Policy.WriteRoots)
	if err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(abs, perm)
	}
	return os.Mkdir(abs, perm)
}

// Remove deletes p (optionally recursively for directories).
func (d *FsDispatcher) Remove(p string, recursive bool) error {
	if d.isVFS(p) {
		return d.VFS.Remove(d.Prefix, p, recursive)
	}
	abs, err := d.authorize(p, pathresolve.Write, d.Policy.WriteRoots)
	if err != nil {
		return err
	}
	if recursive {
		return os.RemoveAll(abs)
	}
	return os.Remove(abs)
}

// ReadDir lists the entries of a directory.
func (d *FsDispatcher) ReadDir(p string) ([]string, error) {
	if d.isVFS(p) {
		return d.VFS.ReadDir(d.Prefix, p)
	}
	abs, err := d.authorize(p, pathresolve.Read, d.Policy.ReadRoots)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// Symlink creates a symlink at link pointing to target.
func (d *FsDispatcher) Symlink(target, link string) error {
	if d.isVFS(link) {
		return d.VFS.Symlink(d.Prefix, target, link)
	}
	abs, err := d.authorize(link, pathresolve.Write, d.Policy.WriteRoots)
	if err != nil {
		return err
	}
	return os.Symlink(target, abs)
}

// Truncate resizes p to size bytes (host files only changed length; VFS
// files are resized in place, capacity untouched per vfs semantics).
func (d *FsDispatcher) Truncate(p string, size int64) error {
	if d.isVFS(p) {
		data, err := d.VFS.Read(d.Prefix, p)
		if err != nil {
			return err
		}
		if int64(len(data)) > size {
			data = data[:size]
		} else {
			data = append(data, make([]byte, size-int64(len(data)))...)
		}
		return d.VFS.Write(d.Prefix, p, data)
	}
	abs, err := d.authorize(p, pathresolve.Write, d.Policy.WriteRoots)
	if err != nil {
		return err
	}
	return os.Truncate(abs, size)
}

// Open returns a VFS file descriptor for p, or, for host paths, a thin
// wrapper error — direct host *os.File handles are not routed through this
// dispatcher; the runner opens host files itself once a path has been
// authorized via ReadFile/WriteFile's authorization path.
func (d *FsDispatcher) Open(p string, flags vfs.Flag) (int, error) {
	if !d.isVFS(p) {
		return 0, &errs.PathViolation{Path: p, Op: "open", Roots: nil}
	}
	return d.VFS.Open(d.Prefix, p, flags)
}

// vfsFileInfo adapts a vfs.Stat to os.FileInfo so VFS and host paths can
// share Stat's return type.
type vfsFileInfo struct {
	p  string
	st *vfs.Stat
}

func (i vfsFileInfo) Name() string         { return i.p }
func (i vfsFileInfo) Size() int64          { return i.st.Size }
func (i vfsFileInfo) Mode() os.FileMode    { return os.FileMode(i.st.Mode) }
func (i vfsFileInfo) ModTime() time.Time   { return i.st.Modified }
func (i vfsFileInfo) IsDir() bool          { return i.st.Kind == vfs.KindDirectory }
func (i vfsFileInfo) Sys() interface{}     { return nil }
