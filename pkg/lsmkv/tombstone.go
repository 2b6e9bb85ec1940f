package lsmkv

// tombstoneMarker is the reserved value that denotes a deletion when it
// appears as the value of a WAL record, a memtable entry, or an SSTable
// line. Callers must not store this exact byte sequence as a live value.
const tombstoneMarker = "__TOMBSTONE__"

// isTombstone reports whether raw, as read off the wire (WAL line or
// SSTable line), represents a deletion rather than a live value.
func isTombstone(raw string) bool {
	return raw == tombstoneMarker
}
