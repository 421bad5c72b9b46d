package log

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// FileStorage keeps log files in a directory guarded by xd.lck. It
// implements both DataReader and DataWriter.
type FileStorage struct {
	dir  string
	lock *DirLock

	mu      sync.RWMutex
	readers map[int64]*os.File

	wmu     sync.Mutex
	current *os.File
	curAddr int64
}

// OpenFileStorage locks dir, creating it if needed.
func OpenFileStorage(dir string, owner string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	lock, err := LockDir(dir, owner)
	if err != nil {
		return nil, err
	}
	return &FileStorage{
		dir:     dir,
		lock:    lock,
		readers: make(map[int64]*os.File),
	}, nil
}

// Dir returns the directory holding the files.
func (s *FileStorage) Dir() string {
	return s.dir
}

func (s *FileStorage) Files() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var infos []FileInfo
	for _, e := range entries {
		if e.IsDir() || !IsFileName(e.Name()) {
			continue
		}
		addr, err := ParseFileName(e.Name())
		if err != nil {
			return nil, err
		}
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, FileInfo{Address: addr, Size: fi.Size()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	return infos, nil
}

func (s *FileStorage) path(fileAddress int64) (string, error) {
	name, err := FileName(fileAddress)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

func (s *FileStorage) reader(fileAddress int64) (*os.File, error) {
	s.mu.RLock()
	f, ok := s.readers[fileAddress]
	s.mu.RUnlock()
	if ok {
		return f, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.readers[fileAddress]; ok {
		return f, nil
	}
	path, err := s.path(fileAddress)
	if err != nil {
		return nil, err
	}
	f, err = os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "%s", path)
		}
		return nil, err
	}
	s.readers[fileAddress] = f
	return f, nil
}

func (s *FileStorage) ReadAt(fileAddress int64, offset int64, p []byte) (int, error) {
	f, err := s.reader(fileAddress)
	if err != nil {
		return 0, err
	}
	return f.ReadAt(p, offset)
}

func (s *FileStorage) OpenFile(fileAddress int64, length int64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	path, err := s.path(fileAddress)
	if err != nil {
		return err
	}
	if s.current != nil {
		if err := s.current.Close(); err != nil {
			return err
		}
		s.current = nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Seek(length, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	s.current = f
	s.curAddr = fileAddress
	return nil
}

func (s *FileStorage) Write(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.current == nil {
		return errors.Wrap(ErrFileNotFound, "no open file")
	}
	_, err := s.current.Write(p)
	return err
}

func (s *FileStorage) Sync() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Sync()
}

func (s *FileStorage) RemoveFile(fileAddress int64) error {
	path, err := s.path(fileAddress)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if f, ok := s.readers[fileAddress]; ok {
		f.Close()
		delete(s.readers, fileAddress)
	}
	s.mu.Unlock()

	s.wmu.Lock()
	if s.current != nil && s.curAddr == fileAddress {
		s.current.Close()
		s.current = nil
	}
	s.wmu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrFileNotFound, "%s", path)
		}
		return err
	}
	return nil
}

// Close closes every file and releases the directory lock.
func (s *FileStorage) Close() error {
	var firstErr error
	s.wmu.Lock()
	if s.current != nil {
		if err := s.current.Sync(); err != nil {
			firstErr = err
		}
		if err := s.current.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.current = nil
	}
	s.wmu.Unlock()

	s.mu.Lock()
	for addr, f := range s.readers {
		f.Close()
		delete(s.readers, addr)
	}
	s.mu.Unlock()

	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.lock = nil
	}
	return firstErr
}
