package lsmkv

import "sync"

// entry is the optional-value the memtable stores per key: either a live
// value or a tombstone marking a deletion (§3, "Memtable").
type entry struct {
	value     []byte
	tombstone bool
}

// memTable is the in-memory ordered map holding recent writes, with a
// running byte-size accounting used to decide when to rotate (§4.2).
type memTable struct {
	mu    sync.RWMutex
	list  *skipList
	bytes int64
}

func newMemTable() *memTable {
	return &memTable{list: newSkipList()}
}

func entrySize(key []byte, e *entry) int64 {
	if e.tombstone {
		return int64(len(key))
	}
	return int64(len(key) + len(e.value))
}

// put inserts or overwrites key with e, maintaining the byte-size invariant:
// updating an existing key subtracts its old contribution before adding the
// new one (§4.2).
func (mt *memTable) put(key []byte, e *entry) error {
	if len(key) == 0 {
		return ErrKeyRequired
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if old, found := mt.list.search(key); found {
		mt.bytes -= entrySize(key, old)
	}
	mt.list.insert(key, e)
	mt.bytes += entrySize(key, e)
	return nil
}

// get returns the entry stored for key, and whether the key is present in
// this memtable at all. A present-but-tombstoned key returns (entry, true)
// with entry.tombstone == true.
func (mt *memTable) get(key []byte) (*entry, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.list.search(key)
}

// dump returns a snapshot of all entries in key order.
func (mt *memTable) dump() []keyEntry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	out := make([]keyEntry, 0, mt.list.len())
	mt.list.forEach(func(key []byte, e *entry) bool {
		out = append(out, keyEntry{key: append([]byte(nil), key...), entry: e})
		return true
	})
	return out
}

type keyEntry struct {
	key   []byte
	entry *entry
}

func (mt *memTable) sizeInBytes() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.bytes
}

func (mt *memTable) isEmpty() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.list.len() == 0
}

// clear empties the memtable in place (§4.2). The engine itself never calls
// this in the write path — it rotates to a freshly allocated memtable
// instead — but the operation is part of the memtable's public contract.
func (mt *memTable) clear() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.list = newSkipList()
	mt.bytes = 0
}
