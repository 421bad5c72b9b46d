package env

import "github.com/cockroachdb/errors"

// Format and corruption errors.
var (
	ErrCorrupted = errors.New("env: no valid database root")
)

// Precondition errors.
var (
	ErrReadonly      = errors.New("env: transaction is read-only")
	ErrFinished      = errors.New("env: transaction is finished")
	ErrConflict      = errors.New("env: transaction conflicts with a concurrent commit")
	ErrStoreNotFound = errors.New("env: no such store")
	ErrStoreConfig   = errors.New("env: store exists with a different configuration")
	ErrClosed        = errors.New("env: closed")
)

// checkStatus logs an internal consistency violation with its stack and
// lets the caller continue.
func (e *Env) checkStatus(ok bool, format string, args ...any) {
	if ok {
		return
	}
	e.cfg.Logger.Printf("%+v", errors.AssertionFailedf(format, args...))
}
