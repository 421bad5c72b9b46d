package log

import (
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryStorage keeps log files in memory. It implements both DataReader
// and DataWriter.
type MemoryStorage struct {
	mu      sync.RWMutex
	files   map[int64][]byte
	current int64
	open    bool
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{files: make(map[int64][]byte)}
}

func (m *MemoryStorage) Files() ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]FileInfo, 0, len(m.files))
	for addr, data := range m.files {
		infos = append(infos, FileInfo{Address: addr, Size: int64(len(data))})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	return infos, nil
}

func (m *MemoryStorage) ReadAt(fileAddress int64, offset int64, p []byte) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[fileAddress]
	if !ok {
		return 0, errors.Wrapf(ErrFileNotFound, "file %d", fileAddress)
	}
	if offset >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryStorage) OpenFile(fileAddress int64, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.files[fileAddress]
	if int64(len(data)) > length {
		data = data[:length:length]
	}
	m.files[fileAddress] = data
	m.current = fileAddress
	m.open = true
	return nil
}

func (m *MemoryStorage) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return errors.Wrap(ErrFileNotFound, "no open file")
	}
	m.files[m.current] = append(m.files[m.current], p...)
	return nil
}

func (m *MemoryStorage) Sync() error {
	return nil
}

func (m *MemoryStorage) RemoveFile(fileAddress int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[fileAddress]; !ok {
		return errors.Wrapf(ErrFileNotFound, "file %d", fileAddress)
	}
	delete(m.files, fileAddress)
	if m.open && m.current == fileAddress {
		m.open = false
	}
	return nil
}

// Close keeps the files, so a closed MemoryStorage can be handed to a new
// Log to emulate reopening an environment.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// Corrupt overwrites bytes of a file. Tests use it to simulate damage.
func (m *MemoryStorage) Corrupt(fileAddress int64, offset int64, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.files[fileAddress][offset:], p)
}
