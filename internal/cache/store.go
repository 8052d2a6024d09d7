package cache

import "errors"

// ErrCorrupt reports that a sealed entry exists but cannot be read back.
// There is no safe continuation for the plan that depended on it.
var ErrCorrupt = errors.New("cache: sealed entry unreadable")

// StreamInfo summarizes one record stream for listings.
type StreamInfo struct {
	Key     string
	Sealed  bool
	Records int
	Bytes   int64
}

// Store is the key-value contract backing the cache service. It carries two
// families of entries:
//
//   - Record streams, content-addressed by a logical subtree's identifier.
//     A stream moves through unclaimed → claimed/appending → sealed; only
//     sealed streams are visible to ReadSealed, and Claim succeeds exactly
//     once per key across every plan instance and process sharing the
//     backing store.
//
//   - Artifacts, addressed by (namespace, id). Synthesized code and
//     exemplar sets live here. Writers overwrite whole values; readers see
//     the latest committed value with no snapshot isolation.
type Store interface {
	// Claim attempts to take ownership of an unclaimed stream key.
	// It returns true for exactly one caller; false means another claimer
	// won (or the key is already sealed) and the caller must not append.
	Claim(key string) (bool, error)
	// Append adds one encoded record to a claimed, unsealed stream.
	Append(key string, data []byte) error
	// Seal makes a claimed stream visible to readers. Sealing is final:
	// the key can never be re-claimed or re-opened.
	Seal(key string) error
	// ReadSealed returns the records of a sealed stream in append order.
	// ok is false when no sealed entry exists for the key.
	ReadSealed(key string) (records [][]byte, ok bool, err error)
	// HasSealed reports whether a sealed stream exists for the key.
	HasSealed(key string) (bool, error)
	// Streams lists every claimed or sealed stream, sorted by key.
	Streams() ([]StreamInfo, error)

	// Get reads an artifact. ok is false when the artifact does not exist.
	Get(namespace, id string) (value []byte, ok bool, err error)
	// Put writes an artifact, replacing any previous value.
	Put(namespace, id string, value []byte) error

	Close() error
}
