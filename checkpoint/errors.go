package checkpoint

import "errors"

var (
	// ErrNotFound is returned when the store holds no committed checkpoint,
	// or the requested version does not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrIncompatibleVersion is returned for manifests or chunks written by
	// an unsupported format version.
	ErrIncompatibleVersion = errors.New("incompatible checkpoint version")

	// ErrCorrupt is returned when a chunk fails its checksum or is truncated.
	ErrCorrupt = errors.New("corrupt checkpoint chunk")

	// ErrTableMissing is returned by Restore when a table has no entry in
	// the manifest.
	ErrTableMissing = errors.New("table missing from checkpoint")
)
