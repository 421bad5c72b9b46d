package log

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/myuser/xdstore/internal/metrics"
)

// Config configures a Log.
type Config struct {
	// FileSize is the fixed size of every log file in bytes. It must be a
	// multiple of BlockAlignment.
	FileSize int64 `yaml:"fileSize"`
	// CachePageSize is the unit of read caching. It must divide FileSize.
	CachePageSize int `yaml:"cachePageSize"`
	// CacheSize is the number of pages kept in the cache.
	CacheSize int `yaml:"cacheSize"`
	// DurableWrite syncs the current file at the end of every write scope.
	DurableWrite bool              `yaml:"durableWrite"`
	Metrics      *metrics.Registry `yaml:"-"`
}

// DefaultConfig returns 8 MB files with a 64 KB page cache of 1024 pages.
func DefaultConfig() Config {
	return Config{
		FileSize:      8 << 20,
		CachePageSize: 64 << 10,
		CacheSize:     1024,
	}
}

func (c Config) withDefaults() (Config, error) {
	d := DefaultConfig()
	if c.FileSize == 0 {
		c.FileSize = d.FileSize
	}
	if c.FileSize < BlockAlignment || c.FileSize%BlockAlignment != 0 {
		return c, errors.Newf("log: file size %d is not a positive multiple of %d", c.FileSize, BlockAlignment)
	}
	if c.CachePageSize == 0 {
		c.CachePageSize = d.CachePageSize
	}
	if int64(c.CachePageSize) > c.FileSize {
		c.CachePageSize = int(c.FileSize)
	}
	if c.CachePageSize <= 0 || c.FileSize%int64(c.CachePageSize) != 0 {
		return c, errors.Newf("log: cache page size %d does not divide file size %d", c.CachePageSize, c.FileSize)
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	return c, nil
}

type logFile struct {
	address int64
	size    atomic.Int64
}

func lessFile(a, b *logFile) bool {
	return a.address < b.address
}

// Log is an append-only sequence of fixed-size files holding loggables.
// One write scope is open at a time; reads never block on writes.
type Log struct {
	cfg    Config
	reader DataReader
	writer DataWriter
	cache  *pageCache

	mu    sync.RWMutex
	files *btree.BTreeG[*logFile]

	highAddress atomic.Int64
	closed      atomic.Bool

	// Held from BeginWrite until EndWrite or AbortWrite.
	writeMu   sync.Mutex
	writing   bool
	buf       []byte
	bufStart  int64
	writeFile int64
}

// Open opens a log over the files known to r.
func Open(cfg Config, r DataReader, w DataWriter) (*Log, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	infos, err := r.Files()
	if err != nil {
		return nil, errors.Wrap(err, "log: list files")
	}
	l := &Log{
		cfg:       cfg,
		reader:    r,
		writer:    w,
		cache:     newPageCache(cfg.CacheSize),
		files:     btree.NewG[*logFile](16, lessFile),
		writeFile: -1,
	}
	for _, info := range infos {
		if info.Address%cfg.FileSize != 0 {
			return nil, errors.Wrapf(ErrNotAligned, "file %d does not match file size %d", info.Address, cfg.FileSize)
		}
		if info.Size > cfg.FileSize {
			return nil, errors.Wrapf(ErrCorrupted, "file %d has %d bytes, more than file size %d", info.Address, info.Size, cfg.FileSize)
		}
		f := &logFile{address: info.Address}
		f.size.Store(info.Size)
		l.files.ReplaceOrInsert(f)
	}
	if last, ok := l.files.Max(); ok {
		l.highAddress.Store(last.address + last.size.Load())
	}
	return l, nil
}

// Config returns the effective configuration.
func (l *Log) Config() Config {
	return l.cfg
}

// FileLength returns the fixed size of log files.
func (l *Log) FileLength() int64 {
	return l.cfg.FileSize
}

// FileAddressOf returns the start of the file holding address.
func (l *Log) FileAddressOf(address int64) int64 {
	return address - address%l.cfg.FileSize
}

// HighAddress returns the end of the visible data.
func (l *Log) HighAddress() int64 {
	return l.highAddress.Load()
}

// LowAddress returns the start of the oldest retained file.
func (l *Log) LowAddress() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if f, ok := l.files.Min(); ok {
		return f.address
	}
	return l.highAddress.Load()
}

// HighFileAddress returns the start of the newest file, or -1 if the log
// has no files.
func (l *Log) HighFileAddress() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if f, ok := l.files.Max(); ok {
		return f.address
	}
	return -1
}

// FileAddresses returns the start addresses of all files in order.
func (l *Log) FileAddresses() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	addrs := make([]int64, 0, l.files.Len())
	l.files.Ascend(func(f *logFile) bool {
		addrs = append(addrs, f.address)
		return true
	})
	return addrs
}

// FileSize returns the number of bytes written to the file at fileAddress.
func (l *Log) FileSize(fileAddress int64) (int64, bool) {
	f, ok := l.file(fileAddress)
	if !ok {
		return 0, false
	}
	return f.size.Load(), true
}

// HasFile reports whether the file at fileAddress is held.
func (l *Log) HasFile(fileAddress int64) bool {
	_, ok := l.file(fileAddress)
	return ok
}

func (l *Log) file(fileAddress int64) (*logFile, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.files.Get(&logFile{address: fileAddress})
}

// nextFile returns the first held file starting at or after address.
func (l *Log) nextFile(address int64) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	next := int64(-1)
	l.files.AscendGreaterOrEqual(&logFile{address: address}, func(f *logFile) bool {
		next = f.address
		return false
	})
	return next, next >= 0
}

// BeginWrite opens a write scope and returns the address the first write
// will start at, unless padding moves it to the next file.
func (l *Log) BeginWrite() int64 {
	l.writeMu.Lock()
	l.writing = true
	l.bufStart = l.highAddress.Load()
	l.buf = l.buf[:0]
	return l.bufStart
}

// Write stages a loggable in the current write scope and returns its
// address. It is not visible to readers before EndWrite.
func (l *Log) Write(typ byte, structureID int, data []byte) (int64, error) {
	if !l.writing {
		return 0, ErrNoWrite
	}
	if typ == NullType || typ >= ReservedType {
		return 0, errors.Wrapf(ErrBadType, "type %d", typ)
	}
	if structureID < 0 {
		return 0, errors.Newf("log: negative structure id %d", structureID)
	}
	length := int64(EncodedLength(structureID, len(data)))
	if length > l.cfg.FileSize {
		return 0, errors.Wrapf(ErrTooBig, "%d bytes, file size %d", length, l.cfg.FileSize)
	}
	address := l.bufStart + int64(len(l.buf))
	if rest := l.cfg.FileSize - address%l.cfg.FileSize; length > rest {
		l.pad(rest)
		address += rest
	}
	l.buf = appendLoggable(l.buf, typ, structureID, data)
	return address, nil
}

func (l *Log) pad(n int64) {
	for i := int64(0); i < n; i++ {
		l.buf = append(l.buf, NullType^0x80)
	}
	l.cfg.Metrics.Add(metrics.LogPaddingBytes, n)
}

// EndWrite makes the staged loggables visible and closes the scope. On
// error nothing becomes visible.
func (l *Log) EndWrite() (int64, error) {
	if !l.writing {
		return 0, ErrNoWrite
	}
	defer l.endScope()
	if len(l.buf) == 0 {
		return l.highAddress.Load(), nil
	}
	if l.closed.Load() {
		return 0, ErrClosed
	}
	pos := l.bufStart
	rest := l.buf
	for len(rest) > 0 {
		fileAddress := l.FileAddressOf(pos)
		offset := pos - fileAddress
		n := l.cfg.FileSize - offset
		if n > int64(len(rest)) {
			n = int64(len(rest))
		}
		if err := l.appendToFile(fileAddress, offset, rest[:n]); err != nil {
			l.rollback()
			return 0, errors.Wrapf(err, "log: write at %d", pos)
		}
		pos += n
		rest = rest[n:]
	}
	if l.cfg.DurableWrite {
		if err := l.writer.Sync(); err != nil {
			l.rollback()
			return 0, errors.Wrap(err, "log: sync")
		}
		l.cfg.Metrics.Inc(metrics.LogFlushes)
	}
	l.cfg.Metrics.Add(metrics.LogBytesWritten, int64(len(l.buf)))
	l.highAddress.Store(pos)
	return pos, nil
}

func (l *Log) appendToFile(fileAddress int64, offset int64, p []byte) error {
	if l.writeFile != fileAddress {
		if err := l.writer.OpenFile(fileAddress, offset); err != nil {
			return err
		}
		l.writeFile = fileAddress
		l.mu.Lock()
		f, ok := l.files.Get(&logFile{address: fileAddress})
		if !ok {
			f = &logFile{address: fileAddress}
			l.files.ReplaceOrInsert(f)
			l.cfg.Metrics.Inc(metrics.LogFilesCreated)
		}
		f.size.Store(offset)
		l.mu.Unlock()
	}
	if err := l.writer.Write(p); err != nil {
		return err
	}
	f, _ := l.file(fileAddress)
	f.size.Store(offset + int64(len(p)))
	return nil
}

// rollback undoes the file bookkeeping of a failed EndWrite: files created
// past highAddress are forgotten and the last file gets its old size back.
func (l *Log) rollback() {
	l.writeFile = -1
	high := l.highAddress.Load()
	var created []int64
	l.mu.RLock()
	l.files.AscendGreaterOrEqual(&logFile{address: high}, func(f *logFile) bool {
		created = append(created, f.address)
		return true
	})
	l.mu.RUnlock()
	for _, addr := range created {
		// opened by this scope only
		_ = l.writer.RemoveFile(addr)
		l.forget(addr)
	}
	if fileAddress := l.FileAddressOf(high); fileAddress < high {
		if f, ok := l.file(fileAddress); ok {
			f.size.Store(high - fileAddress)
		}
	}
}

// AbortWrite discards the staged loggables and closes the scope.
func (l *Log) AbortWrite() {
	if l.writing {
		l.endScope()
	}
}

func (l *Log) endScope() {
	l.buf = l.buf[:0]
	l.writing = false
	l.writeMu.Unlock()
}

// Flush makes everything written so far durable.
func (l *Log) Flush() error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.cfg.Metrics.Inc(metrics.LogFlushes)
	return l.writer.Sync()
}

// Truncate drops everything at or after address. It is used by recovery to
// cut an incomplete tail and must not overlap a write scope.
func (l *Log) Truncate(address int64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if address > l.highAddress.Load() {
		return errors.Wrapf(ErrReadPastEnd, "truncate to %d", address)
	}
	var drop []int64
	l.mu.RLock()
	l.files.AscendGreaterOrEqual(&logFile{address: address}, func(f *logFile) bool {
		drop = append(drop, f.address)
		return true
	})
	l.mu.RUnlock()
	for _, addr := range drop {
		if err := l.writer.RemoveFile(addr); err != nil {
			return err
		}
		l.forget(addr)
	}
	l.writeFile = -1
	if address > 0 && address%l.cfg.FileSize != 0 {
		fileAddress := l.FileAddressOf(address)
		if err := l.writer.OpenFile(fileAddress, address-fileAddress); err != nil {
			return err
		}
		l.writeFile = fileAddress
		if f, ok := l.file(fileAddress); ok {
			f.size.Store(address - fileAddress)
		}
	}
	page := address - address%int64(l.cfg.CachePageSize)
	l.cache.evictRange(page, l.highAddress.Load()+int64(l.cfg.CachePageSize))
	l.highAddress.Store(address)
	return nil
}

// RemoveFile deletes the file starting at fileAddress. The newest file can
// not be removed.
func (l *Log) RemoveFile(fileAddress int64) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if fileAddress < 0 || fileAddress%l.cfg.FileSize != 0 {
		return errors.Wrapf(ErrNotAligned, "remove file at %d", fileAddress)
	}
	if !l.HasFile(fileAddress) {
		return errors.Wrapf(ErrFileNotFound, "remove file at %d", fileAddress)
	}
	if fileAddress == l.HighFileAddress() {
		return errors.Wrapf(ErrActiveFile, "remove file at %d", fileAddress)
	}
	if err := l.writer.RemoveFile(fileAddress); err != nil {
		return err
	}
	l.forget(fileAddress)
	l.cfg.Metrics.Inc(metrics.LogFilesRemoved)
	return nil
}

func (l *Log) forget(fileAddress int64) {
	l.mu.Lock()
	l.files.Delete(&logFile{address: fileAddress})
	l.mu.Unlock()
	l.cache.evictRange(fileAddress, fileAddress+l.cfg.FileSize)
}

// Close syncs and closes the underlying storage. A second Close fails.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := l.writer.Sync()
	if cerr := l.writer.Close(); err == nil {
		err = cerr
	}
	if any(l.reader) != any(l.writer) {
		if cerr := l.reader.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Read decodes the loggable at address.
func (l *Log) Read(address int64) (Loggable, error) {
	if l.closed.Load() {
		return Loggable{}, ErrClosed
	}
	high := l.highAddress.Load()
	if address < 0 || address >= high {
		return Loggable{}, errors.Wrapf(ErrReadPastEnd, "address %d, high address %d", address, high)
	}
	fileAddress := l.FileAddressOf(address)
	if !l.HasFile(fileAddress) {
		return Loggable{}, errors.Wrapf(ErrFileNotFound, "address %d", address)
	}
	limit := fileAddress + l.cfg.FileSize
	if limit > high {
		limit = high
	}

	headerLen := int64(1 + 2*10)
	if headerLen > limit-address {
		headerLen = limit - address
	}
	header, err := l.readRange(address, int(headerLen))
	if err != nil {
		return Loggable{}, err
	}
	typ, sid, dataLen, n, err := decodeHeader(header)
	if err != nil {
		return Loggable{}, errors.Wrapf(ErrCorrupted, "address %d: %v", address, err)
	}
	if typ == NullType {
		return Loggable{Address: address, Type: NullType, Length: 1}, nil
	}
	end := address + int64(n) + int64(dataLen)
	if end > limit {
		return Loggable{}, errors.Wrapf(ErrCorrupted, "address %d: length %d crosses %d", address, dataLen, limit)
	}
	data, err := l.readRange(address+int64(n), dataLen)
	if err != nil {
		return Loggable{}, err
	}
	return Loggable{
		Address:     address,
		Type:        typ,
		StructureID: sid,
		Data:        data,
		Length:      int(end - address),
	}, nil
}

// readRange copies n bytes at address. The range must lie in one file.
func (l *Log) readRange(address int64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	pageSize := int64(l.cfg.CachePageSize)
	for len(out) < n {
		pos := address + int64(len(out))
		pageAddress := pos - pos%pageSize
		page, err := l.page(pageAddress)
		if err != nil {
			return nil, err
		}
		off := int(pos - pageAddress)
		if off >= len(page) {
			return nil, errors.Wrapf(ErrCorrupted, "address %d beyond end of file data", pos)
		}
		take := len(page) - off
		if rest := n - len(out); take > rest {
			take = rest
		}
		out = append(out, page[off:off+take]...)
	}
	return out, nil
}

func (l *Log) page(pageAddress int64) ([]byte, error) {
	if data, ok := l.cache.get(pageAddress); ok {
		l.cfg.Metrics.Inc(metrics.LogCacheHits)
		return data, nil
	}
	l.cfg.Metrics.Inc(metrics.LogCacheMisses)
	fileAddress := l.FileAddressOf(pageAddress)
	buf := make([]byte, l.cfg.CachePageSize)
	n, err := l.reader.ReadAt(fileAddress, pageAddress-fileAddress, buf)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "log: read page %d", pageAddress)
	}
	buf = buf[:n]
	if n == l.cfg.CachePageSize && pageAddress+int64(n) <= l.highAddress.Load() {
		l.cache.put(pageAddress, buf)
	}
	return buf, nil
}
