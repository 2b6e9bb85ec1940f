package lsmkv

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// wal is the write-ahead log: a single append-only UTF-8 text file, one
// record per line of the form "<key>=<value-or-tombstone>\n" (§4.3).
// All methods are mutually exclusive.
type wal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lsmkv: open wal: %w", err)
	}
	return &wal{path: path, file: f}, nil
}

// append writes one record and fsyncs before returning, so that the caller
// of Engine.Put/Delete never sees success before the write is durable (I2).
func (w *wal) append(key []byte, e *entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	value := tombstoneMarker
	if !e.tombstone {
		value = string(e.value)
	}

	line := string(key) + "=" + value + "\n"
	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("lsmkv: wal append: %w", err)
	}
	return w.file.Sync()
}

// clear closes the active writer, truncates the file to zero length, and
// reopens for append (§4.3). Called only once the immutable queue that the
// WAL covers has been durably flushed (I3).
func (w *wal) clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("lsmkv: wal close before truncate: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("lsmkv: wal truncate: %w", err)
	}
	w.file = f
	return nil
}

// replayInto reads the WAL file line by line and inserts each record into
// mt. Malformed lines (no '=') are skipped (§4.3, Corruption handling §7).
func (w *wal) replayInto(mt *memTable) error {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("lsmkv: wal open for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue // corruption: skip the malformed record
		}
		key := line[:idx]
		raw := line[idx+1:]
		if key == "" {
			continue
		}

		if isTombstone(raw) {
			_ = mt.put([]byte(key), &entry{tombstone: true})
		} else {
			_ = mt.put([]byte(key), &entry{value: []byte(raw)})
		}
	}
	return scanner.Err()
}

// close flushes and releases the writer.
func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
