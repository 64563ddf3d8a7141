package vfs

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/safesh/safesh/internal/errs"
)

// DirectoryNotEmpty is raised by Remove on a non-empty directory without
// the recursive flag.
type DirectoryNotEmpty struct{ Path string }

func (e *DirectoryNotEmpty) Error() string { return "directory not empty: " + e.Path }

func growBuffer(buf []byte, needed int64) []byte {
	if int64(len(buf)) >= needed {
		return buf
	}
	newCap := int64(len(buf))
	if newCap == 0 {
		newCap = 1
	}
	for newCap < needed {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	copy(nb, buf)
	return nb
}

// resolveFollow walks symlinks to the underlying non-symlink entry,
// detecting cycles with a visited-path set.
func (fs *FS) resolveFollow(vp string) (string, *Entry, error) {
	visited := make(map[string]bool)
	cur := vp
	for {
		if visited[cur] {
			return "", nil, &errs.SymlinkCycle{Path: cur}
		}
		visited[cur] = true
		e, ok := fs.entries[cur]
		if !ok {
			return "", nil, &NotFound{Path: cur}
		}
		if e.Kind != KindSymlink {
			return cur, e, nil
		}
		target := e.Target
		if !path.IsAbs(target) {
			target = path.Join(parentOf(cur), target)
		}
		cur = normalize("", target)
	}
}

func (fs *FS) childrenOf(dir string) []string {
	var out []string
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	for p := range fs.entries {
		if p == dir {
			continue
		}
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			if !strings.Contains(rest, "/") {
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Write creates or replaces a file. Parents are auto-created. Capacity
// only ever grows (doubling); a smaller payload into a larger buffer keeps
// the existing capacity.
func (fs *FS) Write(prefix, p string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	vp := normalize(prefix, p)
	if vp == "/" {
		return &NotDirectory{Path: vp}
	}
	if err := fs.ensureParents(vp); err != nil {
		return err
	}

	existing, ok := fs.entries[vp]
	needed := int64(len(data))
	var existingSize int64
	if ok {
		if existing.Kind != KindFile {
			return &NotDirectory{Path: vp}
		}
		existingSize = existing.Size
	}
	if fs.limits.MaxSize > 0 && fs.usedSize-existingSize+needed > fs.limits.MaxSize {
		return &errs.SandboxOverflow{Kind: errs.OverflowSize}
	}

	now := time.Now()
	if ok {
		fs.usedSize -= existing.Size
		existing.Buffer = growBuffer(existing.Buffer, needed)
		copy(existing.Buffer[:needed], data)
		existing.Size = needed
		existing.Modified = now
		existing.Accessed = now
		fs.usedSize += needed
		return nil
	}

	if err := fs.checkFileCount(1); err != nil {
		return err
	}
	buf := growBuffer(nil, needed)
	copy(buf[:needed], data)
	fs.entries[vp] = &Entry{Kind: KindFile, Created: now, Modified: now, Accessed: now, Mode: 0644, Buffer: buf, Size: needed}
	fs.usedSize += needed
	return nil
}

// Read returns a copy of a file's valid bytes, following symlinks.
func (fs *FS) Read(prefix, p string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, e, err := fs.resolveFollow(normalize(prefix, p))
	if err != nil {
		return nil, err
	}
	if e.Kind != KindFile {
		return nil, &NotDirectory{Path: normalize(prefix, p)}
	}
	e.Accessed = time.Now()
	out := make([]byte, e.Size)
	copy(out, e.Buffer[:e.Size])
	return out, nil
}

// Stat follows symlinks and returns the resolved entry's metadata.
func (fs *FS) Stat(prefix, p string) (*Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, e, err := fs.resolveFollow(normalize(prefix, p))
	if err != nil {
		return nil, err
	}
	return &Stat{Kind: e.Kind, Size: e.Size, Capacity: e.capacity(), Created: e.Created, Modified: e.Modified, Accessed: e.Accessed, Mode: e.Mode}, nil
}

// Exists follows symlinks; a dangling symlink reports false.
func (fs *FS) Exists(prefix, p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	_, _, err := fs.resolveFollow(normalize(prefix, p))
	return err == nil
}

// Remove deletes a file, symlink, or (with recursive) a directory and its
// contents.
func (fs *FS) Remove(prefix, p string, recursive bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	vp := normalize(prefix, p)
	if vp == "/" {
		return &AccessDenied{Reason: "cannot remove root"}
	}
	e, ok := fs.entries[vp]
	if !ok {
		return &NotFound{Path: vp}
	}
	if e.Kind == KindDirectory {
		children := fs.childrenOf(vp)
		if len(children) > 0 {
			if !recursive {
				return &DirectoryNotEmpty{Path: vp}
			}
			for _, c := range children {
				fs.removeEntry(c)
			}
		}
	}
	fs.removeEntry(vp)
	return nil
}

func (fs *FS) removeEntry(vp string) {
	if e, ok := fs.entries[vp]; ok {
		if e.Kind == KindFile {
			fs.usedSize -= e.Size
		}
		delete(fs.entries, vp)
	}
}

// Mkdir creates a directory. With recursive, missing ancestors are created
// too; without, a missing parent is an error.
func (fs *FS) Mkdir(prefix, p string, recursive bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	vp := normalize(prefix, p)
	if vp == "/" {
		return nil
	}
	if _, ok := fs.entries[vp]; ok {
		return &FileExists{Path: vp}
	}
	parent := parentOf(vp)
	if _, ok := fs.entries[parent]; !ok {
		if !recursive {
			return &NotFound{Path: parent}
		}
		if err := fs.ensureParents(vp); err != nil {
			return err
		}
	}
	if err := fs.checkFileCount(1); err != nil {
		return err
	}
	now := time.Now()
	fs.entries[vp] = &Entry{Kind: KindDirectory, Created: now, Modified: now, Accessed: now, Mode: 0755}
	return nil
}

// ReadDir lists the immediate children of a directory (following symlinks
// to reach it).
func (fs *FS) ReadDir(prefix, p string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	vp, e, err := fs.resolveFollow(normalize(prefix, p))
	if err != nil {
		return nil, err
	}
	if e.Kind != KindDirectory {
		return nil, &NotDirectory{Path: vp}
	}
	children := fs.childrenOf(vp)
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = path.Base(c)
	}
	return names, nil
}

// Symlink creates a symlink entry at link pointing at target verbatim.
func (fs *FS) Symlink(prefix, target, link string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	vl := normalize(prefix, link)
	if _, ok := fs.entries[vl]; ok {
		return &FileExists{Path: vl}
	}
	if err := fs.ensureParents(vl); err != nil {
		return err
	}
	if err := fs.checkFileCount(1); err != nil {
		return err
	}
	now := time.Now()
	fs.entries[vl] = &Entry{Kind: KindSymlink, Created: now, Modified: now, Accessed: now, Target: target}
	return nil
}

// ReadLink returns a symlink's verbatim target without following it.
func (fs *FS) ReadLink(prefix, p string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	vp := normalize(prefix, p)
	e, ok := fs.entries[vp]
	if !ok {
		return "", &NotFound{Path: vp}
	}
	if e.Kind != KindSymlink {
		return "", &AccessDenied{Reason: "not a symlink: " + vp}
	}
	return e.Target, nil
}

// Open resolves flags against an existing or new file and returns an FD
// number. POSIX open(2) semantics: O_CREAT makes a zero-length file if
// missing; O_EXCL|O_CREAT on an existing path is an error; O_TRUNC resets
// size (capacity kept); O_APPEND starts the cursor at the current size.
func (fs *FS) Open(prefix, p string, flags Flag) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	resolved, e, err := fs.resolveFollow(normalize(prefix, p))
	notFound := false
	if err != nil {
		if _, ok := err.(*NotFound); !ok {
			return 0, err
		}
		notFound = true
	}

	target := normalize(prefix, p)
	if notFound {
		if !flags.has(OCreat) {
			return 0, &NotFound{Path: target}
		}
		if err := fs.ensureParents(target); err != nil {
			return 0, err
		}
		if err := fs.checkFileCount(1); err != nil {
			return 0, err
		}
		now := time.Now()
		e = &Entry{Kind: KindFile, Created: now, Modified: now, Accessed: now, Mode: 0644}
		fs.entries[target] = e
	} else {
		if flags.has(OExcl) && flags.has(OCreat) {
			return 0, &FileExists{Path: target}
		}
		if e.Kind != KindFile {
			return 0, &NotDirectory{Path: target}
		}
		target = resolved
	}

	if flags.has(OTrunc) && flags.writable() {
		fs.usedSize -= e.Size
		e.Size = 0
		e.Modified = time.Now()
	}

	num, err := fs.allocFD()
	if err != nil {
		return 0, err
	}
	position := int64(0)
	if flags.has(OAppend) {
		position = e.Size
	}
	fs.fds[num] = &FD{Num: num, Path: target, Flags: flags, Position: position}
	return num, nil
}

// Close releases an FD back to the reuse stack.
func (fs *FS) Close(fd int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.fds[fd]; !ok {
		return &BadFileDescriptor{FD: fd}
	}
	fs.releaseFD(fd)
	return nil
}

// ReadFD reads up to len(buf) bytes from the FD's current position,
// advancing it, and returns the number of bytes read.
func (fs *FS) ReadFD(fd int, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, ok := fs.fds[fd]
	if !ok {
		return 0, &BadFileDescriptor{FD: fd}
	}
	if !f.Flags.readable() {
		return 0, &AccessDenied{Reason: "fd not opened for read"}
	}
	e, ok := fs.entries[f.Path]
	if !ok || e.Kind != KindFile {
		return 0, &NotFound{Path: f.Path}
	}
	if f.Position >= e.Size {
		return 0, nil
	}
	n := copy(buf, e.Buffer[f.Position:e.Size])
	f.Position += int64(n)
	e.Accessed = time.Now()
	return n, nil
}

// WriteFD writes data at the FD's current position (snapping to end-of-file
// first if opened O_APPEND), growing the file as needed, and returns the
// number of bytes written.
func (fs *FS) WriteFD(fd int, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, ok := fs.fds[fd]
	if !ok {
		return 0, &BadFileDescriptor{FD: fd}
	}
	if !f.Flags.writable() {
		return 0, &AccessDenied{Reason: "fd not opened for write"}
	}
	e, ok := fs.entries[f.Path]
	if !ok || e.Kind != KindFile {
		return 0, &NotFound{Path: f.Path}
	}
	if f.Flags.has(OAppend) {
		f.Position = e.Size
	}
	end := f.Position + int64(len(data))
	if fs.limits.MaxSize > 0 && fs.usedSize-e.Size+end > fs.limits.MaxSize {
		return 0, &errs.SandboxOverflow{Kind: errs.OverflowSize}
	}
	if end > e.capacity() {
		e.Buffer = growBuffer(e.Buffer, end)
	}
	copy(e.Buffer[f.Position:end], data)
	if end > e.Size {
		fs.usedSize += end - e.Size
		e.Size = end
	}
	f.Position = end
	e.Modified = time.Now()
	return len(data), nil
}

// Whence values for Seek.
const (
	SeekStart = iota
	SeekCurrent
	SeekEnd
)

// Seek repositions an FD's cursor.
func (fs *FS) Seek(fd int, offset int64, whence int) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, ok := fs.fds[fd]
	if !ok {
		return 0, &BadFileDescriptor{FD: fd}
	}
	e, ok := fs.entries[f.Path]
	if !ok {
		return 0, &NotFound{Path: f.Path}
	}
	var base int64
	switch whence {
	case SeekStart:
		base = 0
	case SeekCurrent:
		base = f.Position
	case SeekEnd:
		base = e.Size
	default:
		return 0, &AccessDenied{Reason: "invalid whence"}
	}
	pos := base + offset
	if pos < 0 {
		return 0, &AccessDenied{Reason: "negative seek position"}
	}
	f.Position = pos
	return pos, nil
}

// Clear invalidates every open FD, zeros the used portion of every file
// buffer, and drops all entries except root.
func (fs *FS) Clear() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, e := range fs.entries {
		if e.Kind == KindFile {
			for i := int64(0); i < e.Size; i++ {
				e.Buffer[i] = 0
			}
		}
	}
	now := time.Now()
	fs.entries = map[string]*Entry{
		"/": {Kind: KindDirectory, Created: now, Modified: now, Accessed: now, Mode: 0755},
	}
	fs.fds = make(map[int]*FD)
	fs.freeFDs = nil
	fs.nextFD = firstFD
	fs.usedSize = 0
}

// Stats reports current resource usage against the configured limits.
type Stats struct {
	UsedSize  int64
	MaxSize   int64
	FileCount int64
	MaxFiles  int64
	OpenFDs   int
}

func (fs *FS) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return Stats{
		UsedSize:  fs.usedSize,
		MaxSize:   fs.limits.MaxSize,
		FileCount: int64(len(fs.entries)),
		MaxFiles:  fs.limits.MaxFiles,
		OpenFDs:   len(fs.fds),
	}
}

// BadFileDescriptor is raised by FD operations against an unopened or
// already-closed descriptor number.
type BadFileDescriptor struct{ FD int }

func (e *BadFileDescriptor) Error() string { return "bad file descriptor" }
