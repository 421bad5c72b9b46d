package log

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func newMemoryLog(t *testing.T, fileSize int64) (*Log, *MemoryStorage) {
	t.Helper()
	s := NewMemoryStorage()
	l, err := Open(Config{FileSize: fileSize, CachePageSize: 256, CacheSize: 16}, s, s)
	require.NoError(t, err)
	return l, s
}

func writeOne(t *testing.T, l *Log, typ byte, sid int, data []byte) int64 {
	t.Helper()
	l.BeginWrite()
	addr, err := l.Write(typ, sid, data)
	require.NoError(t, err)
	_, err = l.EndWrite()
	require.NoError(t, err)
	return addr
}

func TestFileName(t *testing.T) {
	tests := []struct {
		address int64
		want    string
	}{
		{0, "00000000000.xd"},
		{1024, "00000000001.xd"},
		{31 * 1024, "0000000000v.xd"},
		{32 * 1024, "00000000010.xd"},
		{8 << 20, "00000000800.xd"},
	}
	for _, tt := range tests {
		got, err := FileName(tt.address)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)

		back, err := ParseFileName(got)
		require.NoError(t, err)
		require.Equal(t, tt.address, back)
	}

	_, err := FileName(1000)
	require.ErrorIs(t, err, ErrNotAligned)
	_, err = FileName(-1024)
	require.ErrorIs(t, err, ErrNotAligned)

	for _, bad := range []string{"0000000000.xd", "00000000000.xx", "0000000000w.xd", "xd.lck"} {
		_, err := ParseFileName(bad)
		require.ErrorIs(t, err, ErrBadFileName, bad)
	}
}

func TestWriteReadMonotonic(t *testing.T) {
	l, _ := newMemoryLog(t, 1024)
	defer l.Close()

	var prev int64 = -1
	for i := 0; i < 200; i++ {
		data := bytes.Repeat([]byte{byte(i)}, i%50)
		addr := writeOne(t, l, byte(1+i%100), i%7, data)
		require.Greater(t, addr, prev)
		prev = addr

		got, err := l.Read(addr)
		require.NoError(t, err)
		require.Equal(t, byte(1+i%100), got.Type)
		require.Equal(t, i%7, got.StructureID)
		require.Equal(t, data, append([]byte{}, got.Data...))
		require.Equal(t, EncodedLength(i%7, len(data)), got.Length)
	}
	require.Greater(t, len(l.FileAddresses()), 1)
}

func TestWritePadsToNextFile(t *testing.T) {
	l, _ := newMemoryLog(t, 1024)
	defer l.Close()

	first := writeOne(t, l, 1, 1, make([]byte, 1000))
	require.Equal(t, int64(0), first)
	end := int64(EncodedLength(1, 1000))

	second := writeOne(t, l, 1, 1, make([]byte, 100))
	require.Equal(t, int64(1024), second)

	pad, err := l.Read(end)
	require.NoError(t, err)
	require.True(t, pad.IsNull())
	require.Equal(t, 1, pad.Length)
	require.Equal(t, []int64{0, 1024}, l.FileAddresses())

	size, ok := l.FileSize(0)
	require.True(t, ok)
	require.Equal(t, int64(1024), size)
}

// failingStorage fails every write to one file.
type failingStorage struct {
	*MemoryStorage
	failFile int64
	current  int64
}

func (s *failingStorage) OpenFile(fileAddress int64, length int64) error {
	s.current = fileAddress
	return s.MemoryStorage.OpenFile(fileAddress, length)
}

func (s *failingStorage) Write(p []byte) error {
	if s.current == s.failFile {
		return errors.New("disk full")
	}
	return s.MemoryStorage.Write(p)
}

func TestFailedEndWriteLeavesNoFile(t *testing.T) {
	s := &failingStorage{MemoryStorage: NewMemoryStorage(), failFile: 1024}
	l, err := Open(Config{FileSize: 1024, CachePageSize: 256, CacheSize: 16}, s, s)
	require.NoError(t, err)
	defer l.Close()

	writeOne(t, l, 1, 1, make([]byte, 900))
	high := l.HighAddress()

	// padding fits in file 0, the loggable itself fails in file 1024
	l.BeginWrite()
	_, err = l.Write(1, 1, make([]byte, 300))
	require.NoError(t, err)
	_, err = l.EndWrite()
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, high, l.HighAddress())
	require.Equal(t, []int64{0}, l.FileAddresses())
	require.Equal(t, int64(0), l.HighFileAddress())
	size, ok := l.FileSize(0)
	require.True(t, ok)
	require.Equal(t, high, size)

	s.failFile = -1
	addr := writeOne(t, l, 1, 1, make([]byte, 300))
	require.Equal(t, int64(1024), addr)
	lg, err := l.Read(addr)
	require.NoError(t, err)
	require.Len(t, lg.Data, 300)
	require.Equal(t, []int64{0, 1024}, l.FileAddresses())
}

func TestWriteTooBig(t *testing.T) {
	l, _ := newMemoryLog(t, 1024)
	defer l.Close()

	l.BeginWrite()
	_, err := l.Write(1, 1, make([]byte, 1024))
	require.ErrorIs(t, err, ErrTooBig)
	high, err := l.EndWrite()
	require.NoError(t, err)
	require.Equal(t, int64(0), high)

	// type, structure id and a two-byte length leave 1020 bytes of data
	addr := writeOne(t, l, 1, 1, make([]byte, 1020))
	require.Equal(t, int64(0), addr)
	require.Equal(t, int64(1024), l.HighAddress())
}

func TestWriteRejectsReservedTypes(t *testing.T) {
	l, _ := newMemoryLog(t, 1024)
	defer l.Close()

	_, err := l.Write(1, 1, nil)
	require.ErrorIs(t, err, ErrNoWrite)

	l.BeginWrite()
	defer l.AbortWrite()
	_, err = l.Write(NullType, 1, nil)
	require.ErrorIs(t, err, ErrBadType)
	_, err = l.Write(ReservedType, 1, nil)
	require.ErrorIs(t, err, ErrBadType)
}

func TestAbortWriteIsInvisible(t *testing.T) {
	l, s := newMemoryLog(t, 1024)
	defer l.Close()

	writeOne(t, l, 1, 1, []byte("kept"))
	high := l.HighAddress()

	l.BeginWrite()
	addr, err := l.Write(2, 1, []byte("dropped"))
	require.NoError(t, err)
	l.AbortWrite()

	require.Equal(t, high, l.HighAddress())
	_, err = l.Read(addr)
	require.ErrorIs(t, err, ErrReadPastEnd)

	files, err := s.Files()
	require.NoError(t, err)
	require.Equal(t, high, files[0].Size)
}

func TestReadErrors(t *testing.T) {
	l, s := newMemoryLog(t, 1024)
	defer l.Close()

	addr := writeOne(t, l, 5, 3, []byte("payload"))
	_, err := l.Read(l.HighAddress() + 100)
	require.ErrorIs(t, err, ErrReadPastEnd)

	s.Corrupt(0, addr, []byte{0xff})
	_, err = l.Read(addr)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestRemoveFilePreconditions(t *testing.T) {
	l, _ := newMemoryLog(t, 1024)

	for i := 0; i < 3; i++ {
		writeOne(t, l, 1, 1, make([]byte, 900))
	}
	require.Equal(t, []int64{0, 1024, 2048}, l.FileAddresses())

	require.ErrorIs(t, l.RemoveFile(100), ErrNotAligned)
	require.ErrorIs(t, l.RemoveFile(4096), ErrFileNotFound)
	require.ErrorIs(t, l.RemoveFile(2048), ErrActiveFile)

	require.NoError(t, l.RemoveFile(1024))
	require.ErrorIs(t, l.RemoveFile(1024), ErrFileNotFound)
	require.Equal(t, []int64{0, 2048}, l.FileAddresses())

	_, err := l.Read(1024)
	require.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, l.RemoveFile(0))
	require.Equal(t, int64(2048), l.LowAddress())

	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Close(), ErrClosed)
}

func TestIteratorSkipsPaddingAndHoles(t *testing.T) {
	l, _ := newMemoryLog(t, 1024)
	defer l.Close()

	var addrs []int64
	for i := 0; i < 12; i++ {
		addrs = append(addrs, writeOne(t, l, 1, 1, make([]byte, 300)))
	}
	fileOf1 := l.FileAddressOf(addrs[4])
	require.NoError(t, l.RemoveFile(fileOf1))

	var want []int64
	for _, a := range addrs {
		if l.FileAddressOf(a) != fileOf1 {
			want = append(want, a)
		}
	}
	var got []int64
	it := l.Iterator(0)
	for it.Next() {
		got = append(got, it.Loggable().Address)
	}
	require.NoError(t, it.Err())
	require.Equal(t, want, got)

	var inFile []int64
	fit := l.FileIterator(0)
	for fit.Next() {
		inFile = append(inFile, fit.Loggable().Address)
	}
	require.NoError(t, fit.Err())
	require.Equal(t, want[:3], inFile)
}

func TestReopenMemoryStorage(t *testing.T) {
	l, s := newMemoryLog(t, 1024)
	var addrs []int64
	for i := 0; i < 20; i++ {
		addrs = append(addrs, writeOne(t, l, 1, 2, []byte(fmt.Sprintf("value-%d", i))))
	}
	high := l.HighAddress()
	require.NoError(t, l.Close())

	l2, err := Open(Config{FileSize: 1024, CachePageSize: 256}, s, s)
	require.NoError(t, err)
	defer l2.Close()
	require.Equal(t, high, l2.HighAddress())
	for i, a := range addrs {
		got, err := l2.Read(a)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("value-%d", i), string(got.Data))
	}
	next := writeOne(t, l2, 1, 2, []byte("after reopen"))
	require.Equal(t, high, next)
}

func TestTruncate(t *testing.T) {
	l, _ := newMemoryLog(t, 1024)
	defer l.Close()

	var addrs []int64
	for i := 0; i < 8; i++ {
		addrs = append(addrs, writeOne(t, l, 1, 1, make([]byte, 400)))
	}
	cut := addrs[3]
	require.NoError(t, l.Truncate(cut))
	require.Equal(t, cut, l.HighAddress())
	require.Equal(t, l.FileAddressOf(cut), l.HighFileAddress())

	_, err := l.Read(addrs[4])
	require.ErrorIs(t, err, ErrReadPastEnd)

	next := writeOne(t, l, 2, 1, []byte("x"))
	require.Equal(t, cut, next)
	got, err := l.Read(next)
	require.NoError(t, err)
	require.Equal(t, byte(2), got.Type)
}

// Readers only ever decode whole records below the high address.
func TestNoPartialVisibility(t *testing.T) {
	l, _ := newMemoryLog(t, 4096)
	defer l.Close()

	const scopes = 300
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < scopes; i++ {
			l.BeginWrite()
			for j := 0; j < 3; j++ {
				n := byte(i*3 + j)
				if _, err := l.Write(1, 1, bytes.Repeat([]byte{n}, 1+int(n)%64)); err != nil {
					t.Errorf("Write failed: %v", err)
				}
			}
			if _, err := l.EndWrite(); err != nil {
				t.Errorf("EndWrite failed: %v", err)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		it := l.Iterator(0)
		count := 0
		for it.Next() {
			data := it.Loggable().Data
			if len(data) == 0 || len(data) != 1+int(data[0])%64 || bytes.Count(data, data[:1]) != len(data) {
				t.Fatalf("torn record at %d: %v", it.Loggable().Address, data)
			}
			count++
		}
		if it.Err() != nil {
			t.Fatalf("iteration failed: %v", it.Err())
		}
		if count%3 != 0 {
			t.Fatalf("observed %d records, not a whole number of scopes", count)
		}
	}
}

func TestPageCacheEvicts(t *testing.T) {
	c := newPageCache(2)
	c.put(0, []byte{1})
	c.put(256, []byte{2})
	c.get(0)
	c.put(512, []byte{3})
	_, ok := c.get(256)
	require.False(t, ok)
	_, ok = c.get(0)
	require.True(t, ok)

	c.evictRange(0, 1024)
	require.Equal(t, 0, c.len())
}
