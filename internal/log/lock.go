package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// LockFileName is the name of the directory lock file.
const LockFileName = "xd.lck"

// DirLock is an exclusive advisory lock on a log directory.
type DirLock struct {
	f    *os.File
	path string
}

// LockDir takes the lock of dir. owner is written into the lock file so
// that a failed attempt can name the holder.
func LockDir(dir string, owner string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if err := tryLockExclusive(f); err != nil {
		holder := readHolder(f)
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, errors.Wrapf(ErrLocked, "%s held by %q", path, holder)
		}
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	host, _ := os.Hostname()
	line := fmt.Sprintf("pid=%d host=%s owner=%s since=%s\n", os.Getpid(), host, owner, time.Now().UTC().Format(time.RFC3339))
	err = f.Truncate(0)
	if err == nil {
		_, err = f.WriteAt([]byte(line), 0)
	}
	if err != nil {
		unlockFile(f)
		f.Close()
		return nil, errors.Wrapf(err, "write %s", path)
	}
	return &DirLock{f: f, path: path}, nil
}

// Holder returns the contents written by the current lock holder.
func (l *DirLock) Holder() string {
	return readHolder(l.f)
}

// Unlock clears the holder line and releases the lock. The file itself
// stays in place; unlinking it would let two openers lock different inodes.
func (l *DirLock) Unlock() error {
	if l.f == nil {
		return errors.Wrap(ErrClosed, "lock already released")
	}
	truncErr := l.f.Truncate(0)
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	if err == nil {
		err = truncErr
	}
	return err
}

func readHolder(f *os.File) string {
	buf := make([]byte, 256)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}
