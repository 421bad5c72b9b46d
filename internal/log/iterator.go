package log

// LoggableIterator decodes loggables forward from a start address. It skips
// end-of-file padding and holes left by removed files.
type LoggableIterator struct {
	log   *Log
	next  int64
	limit int64
	// bounded iterators stop at padding instead of moving to the next file
	bounded bool
	cur     Loggable
	err     error
}

// Iterator returns an iterator starting at address and ending at the high
// address observed now.
func (l *Log) Iterator(address int64) *LoggableIterator {
	return &LoggableIterator{log: l, next: address, limit: l.HighAddress()}
}

// FileIterator returns an iterator over the loggables of one file.
func (l *Log) FileIterator(fileAddress int64) *LoggableIterator {
	limit := fileAddress + l.cfg.FileSize
	if high := l.HighAddress(); high < limit {
		limit = high
	}
	return &LoggableIterator{log: l, next: fileAddress, limit: limit, bounded: true}
}

// Next advances to the next loggable.
func (it *LoggableIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.next < it.limit {
		fileAddress := it.log.FileAddressOf(it.next)
		if !it.log.HasFile(fileAddress) {
			if it.bounded {
				return false
			}
			next, ok := it.log.nextFile(fileAddress)
			if !ok {
				return false
			}
			it.next = next
			continue
		}
		l, err := it.log.Read(it.next)
		if err != nil {
			it.err = err
			return false
		}
		if l.IsNull() {
			if it.bounded {
				return false
			}
			it.next = fileAddress + it.log.cfg.FileSize
			continue
		}
		it.cur = l
		it.next = l.End()
		return true
	}
	return false
}

// Loggable returns the current loggable.
func (it *LoggableIterator) Loggable() Loggable {
	return it.cur
}

// Address returns the address the next call to Next reads from.
func (it *LoggableIterator) Address() int64 {
	return it.next
}

// Err returns the error that stopped the iteration, if any.
func (it *LoggableIterator) Err() error {
	return it.err
}
