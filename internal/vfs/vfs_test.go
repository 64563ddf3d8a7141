package vfs

import (
	"bytes"
	"testing"

	"github.com/safesh/safesh/internal/errs"
)

func TestWriteReadByteFidelity(t *testing.T) {
	fs := New(Limits{})
	data := []byte("hello world")
	if err := fs.Write("", "/a/b/c.txt", data); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Read("", "/a/b/c.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q want %q", got, data)
	}
}

func TestCapacityDoublingNeverShrinks(t *testing.T) {
	fs := New(Limits{})
	if err := fs.Write("", "/f.txt", bytes.Repeat([]byte("x"), 100)); err != nil {
		t.Fatal(err)
	}
	st1, err := fs.Stat("", "/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st1.Capacity < 100 {
		t.Fatalf("expected capacity >= 100, got %d", st1.Capacity)
	}
	if err := fs.Write("", "/f.txt", []byte("tiny")); err != nil {
		t.Fatal(err)
	}
	st2, err := fs.Stat("", "/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if st2.Size != 4 {
		t.Fatalf("expected size 4 after smaller write, got %d", st2.Size)
	}
	if st2.Capacity < st1.Capacity {
		t.Fatalf("capacity shrank: %d -> %d", st1.Capacity, st2.Capacity)
	}
}

func TestMaxSizeEnforced(t *testing.T) {
	fs := New(Limits{MaxSize: 10})
	if err := fs.Write("", "/a.txt", bytes.Repeat([]byte("a"), 5)); err != nil {
		t.Fatal(err)
	}
	err := fs.Write("", "/b.txt", bytes.Repeat([]byte("b"), 10))
	var overflow *errs.SandboxOverflow
	if !asOverflow(err, &overflow) || overflow.Kind != errs.OverflowSize {
		t.Fatalf("expected size overflow, got %v", err)
	}
}

func TestMaxFilesEnforced(t *testing.T) {
	fs := New(Limits{MaxFiles: 2}) // root counts as one entry
	if err := fs.Write("", "/a.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	err := fs.Write("", "/b.txt", []byte("y"))
	var overflow *errs.SandboxOverflow
	if !asOverflow(err, &overflow) || overflow.Kind != errs.OverflowFiles {
		t.Fatalf("expected files overflow, got %v", err)
	}
}

func TestSymlinkCycleDetected(t *testing.T) {
	fs := New(Limits{})
	if err := fs.Symlink("", "/b", "/a"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink("", "/a", "/b"); err != nil {
		t.Fatal(err)
	}
	_, err := fs.Read("", "/a")
	var cyc *errs.SymlinkCycle
	if !asCycle(err, &cyc) {
		t.Fatalf("expected symlink cycle, got %v", err)
	}
}

func TestSymlinkFollowsToTarget(t *testing.T) {
	fs := New(Limits{})
	if err := fs.Write("", "/real.txt", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Symlink("", "/real.txt", "/link.txt"); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Read("", "/link.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestReadLinkDoesNotFollow(t *testing.T) {
	fs := New(Limits{})
	if err := fs.Symlink("", "/nonexistent-target", "/link.txt"); err != nil {
		t.Fatal(err)
	}
	target, err := fs.ReadLink("", "/link.txt")
	if err != nil {
		t.Fatal(err)
	}
	if target != "/nonexistent-target" {
		t.Fatalf("got %q", target)
	}
}

func TestTraversalClampedToRoot(t *testing.T) {
	fs := New(Limits{})
	if err := fs.Write("", "/../../etc/passwd", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if !fs.Exists("", "/etc/passwd") {
		t.Fatal("expected traversal above root to clamp to /etc/passwd")
	}
}

func TestOpenCreateExclTruncAppend(t *testing.T) {
	fs := New(Limits{})

	// O_CREAT on missing path creates a zero-length file.
	fd, err := fs.Open("", "/x.txt", OCreat|ORDWR)
	if err != nil {
		t.Fatal(err)
	}
	st, _ := fs.Stat("", "/x.txt")
	if st.Size != 0 {
		t.Fatalf("expected zero-length created file, got size %d", st.Size)
	}

	if _, err := fs.WriteFD(fd, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatal(err)
	}

	// O_EXCL|O_CREAT on existing path fails.
	_, err = fs.Open("", "/x.txt", OCreat|OExcl)
	var exists *FileExists
	if !asFileExists(err, &exists) {
		t.Fatalf("expected FileExists, got %v", err)
	}

	// O_TRUNC resets size.
	fd2, err := fs.Open("", "/x.txt", ORDWR|OTrunc)
	if err != nil {
		t.Fatal(err)
	}
	st2, _ := fs.Stat("", "/x.txt")
	if st2.Size != 0 {
		t.Fatalf("expected truncated size 0, got %d", st2.Size)
	}
	if st2.Capacity == 0 {
		t.Fatal("expected capacity to be retained after truncate")
	}
	if _, err := fs.WriteFD(fd2, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	fs.Close(fd2)

	// O_APPEND starts position at current size.
	fd3, err := fs.Open("", "/x.txt", OWrite|OAppend)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.WriteFD(fd3, []byte("def")); err != nil {
		t.Fatal(err)
	}
	fs.Close(fd3)
	got, _ := fs.Read("", "/x.txt")
	if string(got) != "abcdef" {
		t.Fatalf("got %q", got)
	}
}

func TestAccessDeniedOnFlagMismatch(t *testing.T) {
	fs := New(Limits{})
	fd, err := fs.Open("", "/x.txt", OCreat|ORead)
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.WriteFD(fd, []byte("nope"))
	var denied *AccessDenied
	if !asAccessDenied(err, &denied) {
		t.Fatalf("expected AccessDenied writing a read-only fd, got %v", err)
	}
}

func TestFDReuseIsLIFO(t *testing.T) {
	fs := New(Limits{})
	fd1, _ := fs.Open("", "/a.txt", OCreat|ORead)
	fd2, _ := fs.Open("", "/b.txt", OCreat|ORead)
	fs.Close(fd1)
	fs.Close(fd2)
	fd3, _ := fs.Open("", "/c.txt", OCreat|ORead)
	if fd3 != fd2 {
		t.Fatalf("expected LIFO reuse to hand back %d, got %d", fd2, fd3)
	}
}

func TestClearZeroesBuffersAndInvalidatesFDs(t *testing.T) {
	fs := New(Limits{})
	fs.Write("", "/a.txt", []byte("secret"))
	fd, _ := fs.Open("", "/a.txt", ORead)
	fs.Clear()

	if fs.Exists("", "/a.txt") {
		t.Fatal("expected entries dropped after clear")
	}
	_, err := fs.ReadFD(fd, make([]byte, 10))
	var bad *BadFileDescriptor
	if !asBadFD(err, &bad) {
		t.Fatalf("expected stale fd after clear, got %v", err)
	}
}

func TestSeekWhenceVariants(t *testing.T) {
	fs := New(Limits{})
	fs.Write("", "/f.txt", []byte("0123456789"))
	fd, _ := fs.Open("", "/f.txt", ORead)

	pos, err := fs.Seek(fd, 3, SeekStart)
	if err != nil || pos != 3 {
		t.Fatalf("SeekStart got %d %v", pos, err)
	}
	pos, err = fs.Seek(fd, 2, SeekCurrent)
	if err != nil || pos != 5 {
		t.Fatalf("SeekCurrent got %d %v", pos, err)
	}
	pos, err = fs.Seek(fd, -1, SeekEnd)
	if err != nil || pos != 9 {
		t.Fatalf("SeekEnd got %d %v", pos, err)
	}
}

func asOverflow(err error, target **errs.SandboxOverflow) bool {
	c, ok := err.(*errs.SandboxOverflow)
	if ok {
		*target = c
	}
	return ok
}

func asCycle(err error, target **errs.SymlinkCycle) bool {
	c, ok := err.(*errs.SymlinkCycle)
	if ok {
		*target = c
	}
	return ok
}

func asFileExists(err error, target **FileExists) bool {
	c, ok := err.(*FileExists)
	if ok {
		*target = c
	}
	return ok
}

func asAccessDenied(err error, target **AccessDenied) bool {
	c, ok := err.(*AccessDenied)
	if ok {
		*target = c
	}
	return ok
}

func asBadFD(err error, target **BadFileDescriptor) bool {
	c, ok := err.(*BadFileDescriptor)
	if ok {
		*target = c
	}
	return ok
}
