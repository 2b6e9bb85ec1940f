package lsmkv

import "errors"

var (
	// ErrKeyRequired is returned by Put/Delete/memtable.put when the key is empty.
	ErrKeyRequired = errors.New("lsmkv: key required")

	// ErrReservedValue is returned when a caller tries to store the tombstone
	// marker itself as a live value.
	ErrReservedValue = errors.New("lsmkv: value equals the reserved tombstone marker")

	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("lsmkv: engine is closed")

	// ErrInvalidBloomParams is returned when Bloom filter parameters are out of range.
	ErrInvalidBloomParams = errors.New("lsmkv: invalid bloom filter parameters")

	// ErrCompactionBusy is returned when a compaction is requested while another
	// is already running; it is informational, not a failure.
	ErrCompactionBusy = errors.New("lsmkv: compaction already running")
)
