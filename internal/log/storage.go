package log

// FileInfo describes one physical log file.
type FileInfo struct {
	Address int64
	Size    int64
}

// DataReader gives read access to the files backing a Log.
type DataReader interface {
	// Files lists the existing files ordered by address.
	Files() ([]FileInfo, error)
	// ReadAt reads from the file starting at fileAddress.
	ReadAt(fileAddress int64, offset int64, p []byte) (int, error)
	Close() error
}

// DataWriter appends to the files backing a Log. Only one file is open for
// writing at a time.
type DataWriter interface {
	// OpenFile makes fileAddress the current file, creating it if needed
	// and truncating it to length.
	OpenFile(fileAddress int64, length int64) error
	// Write appends p to the current file.
	Write(p []byte) error
	Sync() error
	RemoveFile(fileAddress int64) error
	Close() error
}
