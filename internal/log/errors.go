package log

import "github.com/cockroachdb/errors"

// Format and corruption errors.
var (
	ErrCorrupted   = errors.New("log: corrupted loggable")
	ErrBadFileName = errors.New("log: bad log file name")
)

// Capacity errors.
var (
	ErrTooBig = errors.New("log: loggable does not fit into a log file")
)

// Precondition errors.
var (
	ErrNotAligned   = errors.New("log: address is not aligned to a file start")
	ErrFileNotFound = errors.New("log: no such log file")
	ErrActiveFile   = errors.New("log: file is being written")
	ErrReadPastEnd  = errors.New("log: read past high address")
	ErrClosed       = errors.New("log: closed")
	ErrNoWrite      = errors.New("log: write outside of a write scope")
	ErrBadType      = errors.New("log: reserved loggable type")
	ErrLocked       = errors.New("log: directory is locked by another environment")
)
