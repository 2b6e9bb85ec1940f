package lsmkv

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// Scenario 1 (§8): put/put/flush/get, and the resulting plain SSTable file.
func TestScenarioBasicPutFlushGet(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	if err := e.Put([]byte("name"), []byte("Likitha")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Put([]byte("lang"), []byte("Java")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	v, found, err := e.Get([]byte("name"))
	if err != nil || !found || !bytes.Equal(v, []byte("Likitha")) {
		t.Fatalf("Get(name): v=%s found=%v err=%v", v, found, err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sstable_0.txt")); err != nil {
		t.Fatalf("expected sstable_0.txt to exist: %v", err)
	}
}

// Scenario 2 (§8): last-writer-wins across a flush boundary.
func TestScenarioLastWriterWinsAcrossFlush(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	if err := e.Put([]byte("user:1"), []byte("John Doe")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Put([]byte("user:1"), []byte("John Smith")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, found, err := e.Get([]byte("user:1"))
	if err != nil || !found || !bytes.Equal(v, []byte("John Smith")) {
		t.Fatalf("Get(user:1): v=%s found=%v err=%v", v, found, err)
	}
}

// Scenario 3 (§8): delete masks an older flushed value, and survives a reopen.
func TestScenarioDeleteMasksAcrossFlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, found, err := e.Get([]byte("k")); err != nil || found {
		t.Fatalf("expected k absent after delete+flush, found=%v err=%v", found, err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := openEngine(t, DefaultConfig(dir))
	defer e2.Close()
	if _, found, err := e2.Get([]byte("k")); err != nil || found {
		t.Fatalf("expected k absent after reopen, found=%v err=%v", found, err)
	}
}

// Scenario 4 (§8): keys and values may themselves contain '='.
func TestScenarioKeysAndValuesMayContainEquals(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	key := []byte("key=with=equals")
	value := []byte("value=with=equals")
	if err := e.Put(key, value); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, found, err := e.Get(key)
	if err != nil || !found || !bytes.Equal(v, value) {
		t.Fatalf("Get before flush: v=%s found=%v err=%v", v, found, err)
	}

	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	v, found, err = e.Get(key)
	if err != nil || !found || !bytes.Equal(v, value) {
		t.Fatalf("Get after flush: v=%s found=%v err=%v", v, found, err)
	}
}

// Scenario 5 (§8): force compaction after several flushes leaves every
// live key retrievable from the compacted gzip file.
func TestScenarioForceCompactionAfterMultipleFlushes(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", i)
		if err := e.Put([]byte(key), []byte("V")); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
		if err := e.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	if err := e.ForceCompaction(); err != nil {
		t.Fatalf("ForceCompaction: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sstable_compacted.txt.gz")); err != nil {
		t.Fatalf("expected compacted file to exist: %v", err)
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", i)
		v, found, err := e.Get([]byte(key))
		if err != nil || !found || !bytes.Equal(v, []byte("V")) {
			t.Fatalf("Get(%s): v=%s found=%v err=%v", key, v, found, err)
		}
	}
}

// Scenario 6 (§8): crash before any flush; WAL replay on reopen recovers state.
func TestScenarioCrashRecoveryViaWALReplay(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))

	if err := e.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Put([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// No Flush, no Close: simulate a crash by simply discarding the engine.

	e2 := openEngine(t, DefaultConfig(dir))
	defer e2.Close()

	v, found, err := e2.Get([]byte("k1"))
	if err != nil || !found || !bytes.Equal(v, []byte("v1")) {
		t.Fatalf("Get(k1) after replay: v=%s found=%v err=%v", v, found, err)
	}
	v, found, err = e2.Get([]byte("k2"))
	if err != nil || !found || !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("Get(k2) after replay: v=%s found=%v err=%v", v, found, err)
	}
}

func TestEngineRejectsEmptyKeyAndReservedValue(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	if err := e.Put(nil, []byte("v")); err != ErrKeyRequired {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
	if err := e.Put([]byte("k"), []byte(tombstoneMarker)); err != ErrReservedValue {
		t.Fatalf("expected ErrReservedValue, got %v", err)
	}
}

func TestEngineEmptyValueRoundTrips(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, found, err := e.Get([]byte("k"))
	if err != nil || !found || len(v) != 0 {
		t.Fatalf("Get: v=%q found=%v err=%v", v, found, err)
	}

	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	v, found, err = e.Get([]byte("k"))
	if err != nil || !found || len(v) != 0 {
		t.Fatalf("Get after flush: v=%q found=%v err=%v", v, found, err)
	}
}

func TestEngineRotatesMemtableAtThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MemTableThreshold = 32 // small, to force rotation quickly
	e := openEngine(t, cfg)
	defer e.Close()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%03d", i)
		if err := e.Put([]byte(key), []byte("some-value")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	e.WaitForFlushCompletion()

	stats := e.Stats()
	if stats.SSTableFileCount == 0 {
		t.Fatal("expected at least one SSTable to have been flushed by rotation")
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%03d", i)
		v, found, err := e.Get([]byte(key))
		if err != nil || !found || !bytes.Equal(v, []byte("some-value")) {
			t.Fatalf("Get(%s): v=%s found=%v err=%v", key, v, found, err)
		}
	}
}

func TestEngineMightContainInSSTables(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if !e.MightContainInSSTables([]byte("k")) {
		t.Fatal("expected MightContainInSSTables to admit a flushed key")
	}
}

func TestEngineStatsReflectsState(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stats := e.Stats()
	if stats.MemTableBytes == 0 {
		t.Fatal("expected non-zero memtable bytes before flush")
	}

	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stats = e.Stats()
	if stats.MemTableBytes != 0 {
		t.Fatalf("expected empty memtable after flush, got %d bytes", stats.MemTableBytes)
	}
	if stats.SSTableFileCount != 1 {
		t.Fatalf("expected 1 sstable file after flush, got %d", stats.SSTableFileCount)
	}
}

func TestEngineClosedRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := e.Put([]byte("k"), []byte("v")); err != ErrClosed {
		t.Fatalf("expected ErrClosed from Put, got %v", err)
	}
	if _, _, err := e.Get([]byte("k")); err != ErrClosed {
		t.Fatalf("expected ErrClosed from Get, got %v", err)
	}
}

func TestSSTableCounterIsMonotonicAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, DefaultConfig(dir))

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sstable_0.txt")); err != nil {
		t.Fatalf("expected sstable_0.txt: %v", err)
	}

	e2 := openEngine(t, DefaultConfig(dir))
	defer e2.Close()
	if err := e2.Put([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e2.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sstable_1.txt")); err != nil {
		t.Fatalf("expected sstable_1.txt after reopen, got: %v", err)
	}
}
