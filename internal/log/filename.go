package log

import (
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// BlockAlignment is the granularity of log file start addresses.
	BlockAlignment = 1024
	// FileExtension is the suffix of every log file.
	FileExtension = ".xd"

	fileNameLength   = 11
	fileNameAlphabet = "0123456789abcdefghijklmnopqrstuv"
)

// FileName returns the name of the log file starting at address.
func FileName(address int64) (string, error) {
	if address < 0 {
		return "", errors.Wrapf(ErrNotAligned, "negative file address %d", address)
	}
	if address%BlockAlignment != 0 {
		return "", errors.Wrapf(ErrNotAligned, "file address %d", address)
	}
	n := address / BlockAlignment
	if n >= 1<<(5*fileNameLength) {
		return "", errors.Wrapf(ErrNotAligned, "file address %d is out of range", address)
	}
	var name [fileNameLength]byte
	for i := fileNameLength - 1; i >= 0; i-- {
		name[i] = fileNameAlphabet[n&0x1f]
		n >>= 5
	}
	return string(name[:]) + FileExtension, nil
}

// ParseFileName returns the start address encoded in a log file name.
func ParseFileName(name string) (int64, error) {
	if !IsFileName(name) {
		return 0, errors.Wrapf(ErrBadFileName, "%q", name)
	}
	var n int64
	for i := 0; i < fileNameLength; i++ {
		n = n<<5 | int64(strings.IndexByte(fileNameAlphabet, name[i]))
	}
	if n > (1<<63-1)/BlockAlignment {
		return 0, errors.Wrapf(ErrBadFileName, "%q overflows", name)
	}
	return n * BlockAlignment, nil
}

// IsFileName reports whether name looks like a log file name.
func IsFileName(name string) bool {
	if len(name) != fileNameLength+len(FileExtension) || !strings.HasSuffix(name, FileExtension) {
		return false
	}
	for i := 0; i < fileNameLength; i++ {
		if strings.IndexByte(fileNameAlphabet, name[i]) < 0 {
			return false
		}
	}
	return true
}
