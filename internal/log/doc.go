// Package log implements the append-only log that every tree is stored in.
//
// The log address space is split into files of a fixed size. A file
// starting at address A is named after A/BlockAlignment:
//
//	00000000000.xd   [0, FileSize)
//	00000000008.xd   [FileSize, 2*FileSize)     (FileSize = 8 KB)
//	...
//
// A file holds a sequence of loggables:
//
//	+------+--------------+-------------+---------+
//	| type | structure id |  data len   |  data   |
//	| 1 B  |  compressed  | compressed  |  N B    |
//	+------+--------------+-------------+---------+
//
// A loggable never crosses a file boundary: when one does not fit the rest
// of the current file, the rest is filled with one-byte null loggables and
// the record starts the next file. Files are only ever removed whole.
//
// Writes happen in scopes (BeginWrite/EndWrite). The high address advances
// only once the whole scope reached the writer, so readers never observe a
// partial record.
package log
