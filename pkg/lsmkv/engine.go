package lsmkv

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Engine orchestrates put/delete/get and schedules background flush and
// compaction over a single data directory (§4.6, "Engine").
type Engine struct {
	dir string
	cfg *Config

	walLog *wal

	// mu serializes memtable mutation and rotation: the engine's "write
	// lock" from §5.
	mu       sync.RWMutex
	mutable  *memTable
	immutable []*memTable // oldest first

	// sstableMu is the reader-writer lock on SSTable operations: RLock for
	// lookup/lookupCompressed, Lock for flush writes and compaction (§5).
	sstableMu sync.RWMutex

	registry  *filterRegistry
	compactor *compactor

	nextCounter int // next plain SSTable counter; monotonic across restarts (I4)

	flusherMu      sync.Mutex
	flusherRunning bool
	flusherFailed  bool // set when the last flush attempt halted on an error

	closeMu sync.Mutex
	closed  bool
}

// New opens (and, if necessary, creates) the engine at cfg.Dir, replaying
// the WAL into a fresh mutable memtable and rebuilding every on-disk
// Bloom filter (§4.6 construction steps 1-5).
func New(cfg *Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("lsmkv: create data directory: %w", err)
	}

	nextCounter, err := nextSSTableCounter(cfg.Dir)
	if err != nil {
		return nil, err
	}

	mutable := newMemTable()

	walLog, err := openWAL(filepath.Join(cfg.Dir, "wal.log"))
	if err != nil {
		return nil, err
	}
	if err := walLog.replayInto(mutable); err != nil {
		return nil, fmt.Errorf("lsmkv: replay wal: %w", err)
	}

	registry := newFilterRegistry()
	e := &Engine{
		dir:         cfg.Dir,
		cfg:         cfg,
		walLog:      walLog,
		mutable:     mutable,
		registry:    registry,
		compactor:   newCompactor(cfg.Dir, registry),
		nextCounter: nextCounter,
	}

	if err := e.rebuildBloomFilters(); err != nil {
		return nil, err
	}

	return e, nil
}

// nextSSTableCounter scans sstable_<N>.txt files and returns max(N)+1, or 0
// if none exist. Compacted files never participate in counter allocation.
func nextSSTableCounter(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, plainSSTablePattern))
	if err != nil {
		return 0, err
	}
	next := 0
	for _, path := range matches {
		if n, ok := sstableCounterFromName(filepath.Base(path)); ok && n+1 > next {
			next = n + 1
		}
	}
	return next, nil
}

func (e *Engine) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}

// Put inserts or overwrites key with value. It returns only after the
// write has been made durable in the WAL (I2).
func (e *Engine) Put(key, value []byte) error {
	return e.write(key, &entry{value: value})
}

// Delete marks key as deleted with a tombstone.
func (e *Engine) Delete(key []byte) error {
	return e.write(key, &entry{tombstone: true})
}

func (e *Engine) write(key []byte, ent *entry) error {
	if e.isClosed() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if !ent.tombstone && string(ent.value) == tombstoneMarker {
		return ErrReservedValue
	}

	if err := e.walLog.append(key, ent); err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.mutable.put(key, ent); err != nil {
		e.mu.Unlock()
		return err
	}
	rotate := e.mutable.sizeInBytes() >= e.cfg.MemTableThreshold
	if rotate {
		e.immutable = append(e.immutable, e.mutable)
		e.mutable = newMemTable()
	}
	e.mu.Unlock()

	if rotate {
		e.wakeFlusher()
	}
	return nil
}

// Get resolves the most recent live value for key across every layer, or
// reports absent for a missing or tombstoned key (§4.7).
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.isClosed() {
		return nil, false, ErrClosed
	}

	e.mu.RLock()
	if ent, ok := e.mutable.get(key); ok {
		e.mu.RUnlock()
		return resolveEntry(ent)
	}
	for i := len(e.immutable) - 1; i >= 0; i-- {
		if ent, ok := e.immutable[i].get(key); ok {
			e.mu.RUnlock()
			return resolveEntry(ent)
		}
	}
	e.mu.RUnlock()

	e.sstableMu.RLock()
	defer e.sstableMu.RUnlock()

	if e.registry.mightContainAny(key) {
		if v, tomb, found := lookupPlain(e.dir, key, e.registry); found {
			if tomb {
				return nil, false, nil
			}
			return v, true, nil
		}
	}

	if v, tomb, found := lookupCompressed(e.dir, key); found {
		if tomb {
			return nil, false, nil
		}
		return v, true, nil
	}

	return nil, false, nil
}

func resolveEntry(ent *entry) ([]byte, bool, error) {
	if ent.tombstone {
		return nil, false, nil
	}
	return ent.value, true, nil
}

// MightContainInSSTables is the OR of every per-file Bloom filter currently
// registered for the data directory (§4.6).
func (e *Engine) MightContainInSSTables(key []byte) bool {
	e.sstableMu.RLock()
	defer e.sstableMu.RUnlock()
	return e.registry.mightContainAny(key)
}

// Flush synchronously drains the mutable and immutable memtables to disk,
// truncates the WAL, and runs the size/file-count compaction checks. A
// no-op if there is nothing to flush (§4.6).
func (e *Engine) Flush() error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.drain()
}

func (e *Engine) drain() error {
	e.mu.Lock()
	if e.mutable.isEmpty() && len(e.immutable) == 0 {
		e.mu.Unlock()
		return nil
	}
	if !e.mutable.isEmpty() {
		e.immutable = append(e.immutable, e.mutable)
		e.mutable = newMemTable()
	}
	e.mu.Unlock()

	e.wakeFlusher()
	e.WaitForFlushCompletion()
	return nil
}

// wakeFlusher starts the single background flusher task if it is not
// already running (§4.8).
func (e *Engine) wakeFlusher() {
	e.flusherMu.Lock()
	if e.flusherRunning {
		e.flusherMu.Unlock()
		return
	}
	e.flusherRunning = true
	e.flusherFailed = false
	e.flusherMu.Unlock()

	go e.runFlusher()
}

// runFlusher drains the immutable queue one memtable at a time. Each
// memtable stays at the head of the queue, untouched, until
// writeMemtableToSSTable succeeds for it — mirroring the teacher's
// flushMemTable, which only drops a memtable from lsm.immutables after
// writer.Finalize() returns without error. When the queue empties it
// truncates the WAL and runs the compaction checks. If a flush fails, it
// halts, leaving the memtable in memory and the WAL untouched (§4.9); the
// memtable is recovered from the WAL on restart if the process dies before
// a later flush attempt succeeds. If the queue gained work while the
// flusher was shutting down, it re-arms itself instead of exiting (§4.8).
func (e *Engine) runFlusher() {
	for {
		for {
			e.mu.Lock()
			if len(e.immutable) == 0 {
				e.mu.Unlock()
				break
			}
			mt := e.immutable[0]
			counter := e.nextCounter
			e.mu.Unlock()

			e.sstableMu.Lock()
			_, err := writeMemtableToSSTable(e.dir, counter, mt, e.registry)
			e.sstableMu.Unlock()
			if err != nil {
				log.Printf("lsmkv: flush error: %v", err)
				e.flusherMu.Lock()
				e.flusherRunning = false
				e.flusherFailed = true
				e.flusherMu.Unlock()
				return
			}

			e.mu.Lock()
			e.immutable = e.immutable[1:]
			e.nextCounter++
			queueEmpty := len(e.immutable) == 0
			e.mu.Unlock()
			if queueEmpty {
				if err := e.walLog.clear(); err != nil {
					log.Printf("lsmkv: wal truncate error: %v", err)
				}
				e.runCompactionChecks()
			}
		}

		// The queue may have gained work while we were finishing up above;
		// check and clear the run-flag atomically so a concurrent wakeFlusher
		// can't decide to skip starting a new task right as this one exits.
		e.flusherMu.Lock()
		e.mu.RLock()
		stillEmpty := len(e.immutable) == 0
		e.mu.RUnlock()
		if stillEmpty {
			e.flusherRunning = false
			e.flusherMu.Unlock()
			return
		}
		e.flusherMu.Unlock()
	}
}

// WaitForFlushCompletion blocks until no flusher is running and either the
// immutable queue is empty or the last attempt halted on an error, polling
// every 10ms (§5, §4.6). The failed case still returns rather than blocking
// forever: a halted flusher leaves its memtable queued until something
// calls wakeFlusher again, which may never happen on its own, and a caller
// waiting for "flush activity has quiesced" should not hang because a
// write failed; the failure itself is logged by runFlusher.
func (e *Engine) WaitForFlushCompletion() {
	for {
		e.flusherMu.Lock()
		running := e.flusherRunning
		failed := e.flusherFailed
		e.flusherMu.Unlock()

		e.mu.RLock()
		queueEmpty := len(e.immutable) == 0
		e.mu.RUnlock()

		if !running && (queueEmpty || failed) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *Engine) runCompactionChecks() {
	e.sstableMu.Lock()
	defer e.sstableMu.Unlock()

	if err := e.compactor.compactBySize(e.cfg.SoftDiskLimit); err != nil && err != ErrCompactionBusy {
		log.Printf("lsmkv: compaction error: %v", err)
	}
	if err := e.compactor.compactByFileCount(e.cfg.SoftFileCount); err != nil && err != ErrCompactionBusy {
		log.Printf("lsmkv: compaction error: %v", err)
	}
}

// ForceCompaction runs size-based compaction (limit 0, i.e. unconditional)
// followed by file-count compaction (limit 0), then rebuilds every Bloom
// filter from disk (§4.6).
func (e *Engine) ForceCompaction() error {
	if e.isClosed() {
		return ErrClosed
	}

	e.sstableMu.Lock()
	err1 := e.compactor.compactBySize(0)
	if err1 != nil && err1 != ErrCompactionBusy {
		e.sstableMu.Unlock()
		return err1
	}
	err2 := e.compactor.compactByFileCount(0)
	if err2 != nil && err2 != ErrCompactionBusy {
		e.sstableMu.Unlock()
		return err2
	}
	e.sstableMu.Unlock()

	e.sstableMu.Lock()
	defer e.sstableMu.Unlock()
	return e.rebuildBloomFilters()
}

// rebuildBloomFilters reconstructs the registry from every SSTable
// currently on disk (plain and gzip), per §4.6 construction step 5 and the
// post-ForceCompaction contract.
func (e *Engine) rebuildBloomFilters() error {
	e.registry.clear()

	plain, err := filepath.Glob(filepath.Join(e.dir, plainSSTablePattern))
	if err != nil {
		return err
	}
	for _, path := range plain {
		filter, err := buildFilterForFile(path, false)
		if err != nil {
			log.Printf("lsmkv: rebuild bloom filter for %s: %v", path, err)
			continue
		}
		e.registry.register(filepath.Base(path), filter)
	}

	gz, err := filepath.Glob(filepath.Join(e.dir, "sstable_*.gz"))
	if err != nil {
		return err
	}
	for _, path := range gz {
		if filepath.Base(path) == compactedTempName {
			continue
		}
		filter, err := buildFilterForFile(path, true)
		if err != nil {
			log.Printf("lsmkv: rebuild bloom filter for %s: %v", path, err)
			continue
		}
		e.registry.register(filepath.Base(path), filter)
	}

	return nil
}

func buildFilterForFile(path string, gzipped bool) (*sstableFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var scanner *bufio.Scanner
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		scanner = bufio.NewScanner(gz)
	} else {
		scanner = bufio.NewScanner(f)
	}
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	filter := newSSTableFilter()
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		filter.add([]byte(line[:idx]))
	}
	return filter, scanner.Err()
}

// Stats is a point-in-time snapshot of engine state (§4.6).
type Stats struct {
	MemTableBytes     int64
	ImmutableCount    int
	SSTableBytes      int64
	SSTableFileCount  int
	MemTableThreshold int64
	SoftDiskLimit     int64
	SoftFileCount     int
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	memBytes := e.mutable.sizeInBytes()
	immCount := len(e.immutable)
	e.mu.RUnlock()

	e.sstableMu.RLock()
	files, _ := e.compactor.allSSTablesByAge()
	e.sstableMu.RUnlock()

	return Stats{
		MemTableBytes:     memBytes,
		ImmutableCount:    immCount,
		SSTableBytes:      totalSize(files),
		SSTableFileCount:  len(files),
		MemTableThreshold: e.cfg.MemTableThreshold,
		SoftDiskLimit:     e.cfg.SoftDiskLimit,
		SoftFileCount:     e.cfg.SoftFileCount,
	}
}

// Close flushes any remaining memtables to disk and releases the WAL.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	if err := e.drain(); err != nil {
		return err
	}
	return e.walLog.close()
}
