// Package storage defines the filesystem-adapter contract the spec
// treats as an external collaborator: read/write/remove by path, with
// atomic replace semantics for a single file (no concurrent readers
// required). Two implementations are provided: fsstore (literal
// temp-file-then-rename against the OS filesystem) and kvstore (the
// teacher's embedded badger KV store, whose transactions already give
// atomic replace for free).
package storage

import "errors"

// ErrNotExist is returned by ReadFile/RemoveFile when path has never
// been written (or was removed). Implementations must return exactly
// this sentinel, not an implementation-specific not-found error, so
// callers can use errors.Is uniformly.
var ErrNotExist = errors.New("storage: path does not exist")

// Adapter is the persistence boundary used by the Configuration registry
// and the Transaction Store. Implementations must make WriteFile atomic:
// a crash or power loss during a write must never leave a path holding
// partial data — callers see either the old content or the new content,
// never a mix.
type Adapter interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	RemoveFile(path string) error
	// List returns every known path with the given prefix, in no
	// particular order. Used at startup to reconstruct the transaction
	// ring and the configuration table.
	List(prefix string) ([]string, error)
}
