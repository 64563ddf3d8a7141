package vfs

// Flag composes the open-mode bits an FD carries.
type Flag int

const (
	ORead Flag = 1 << iota
	OWrite
	ORDWR
	OCreat
	OExcl
	OTrunc
	OAppend
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

func (f Flag) readable() bool { return f.has(ORead) || f.has(ORDWR) }
func (f Flag) writable() bool { return f.has(OWrite) || f.has(ORDWR) }

// FD is an open file descriptor over a VFS file entry.
type FD struct {
	Num      int
	Path     string
	Flags    Flag
	Position int64
}

// allocFD pops a reused descriptor number off the LIFO free stack, or mints
// a new one, enforcing the 1024-simultaneous-open ceiling.
func (fs *FS) allocFD() (int, error) {
	if len(fs.fds) >= maxOpenFDs {
		return 0, &TooManyOpenFiles{}
	}
	if n := len(fs.freeFDs); n > 0 {
		num := fs.freeFDs[n-1]
		fs.freeFDs = fs.freeFDs[:n-1]
		return num, nil
	}
	num := fs.nextFD
	fs.nextFD++
	return num, nil
}

func (fs *FS) releaseFD(num int) {
	delete(fs.fds, num)
	fs.freeFDs = append(fs.freeFDs, num)
}
