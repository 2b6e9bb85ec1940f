package lsmkv

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	plainSSTablePattern      = "sstable_*.txt"
	compactedSSTableName     = "sstable_compacted.txt.gz"
	compactedTempName        = "sstable_compacted_temp.gz"
	renameRetries            = 3
	renameBackoff            = 50 * time.Millisecond
)

func plainSSTableName(counter int) string {
	return fmt.Sprintf("sstable_%d.txt", counter)
}

func tempSSTableName(counter int) string {
	nonce := time.Now().UnixNano()
	id := rand.Uint64()
	return fmt.Sprintf("sstable_%d_%d_%x.tmp", counter, nonce, id)
}

// writeMemtableToSSTable flushes mt's dump() to a new plain SSTable file
// named sstable_<counter>.txt, publishing it atomically (§4.4).
func writeMemtableToSSTable(dir string, counter int, mt *memTable, registry *filterRegistry) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("lsmkv: ensure data dir: %w", err)
	}

	tmpPath := filepath.Join(dir, tempSSTableName(counter))
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("lsmkv: create sstable temp file: %w", err)
	}

	filter := newSSTableFilter()
	w := bufio.NewWriter(f)
	for _, ke := range mt.dump() {
		value := tombstoneMarker
		if !ke.entry.tombstone {
			value = string(ke.entry.value)
		}
		if _, err := w.WriteString(string(ke.key) + "=" + value + "\n"); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return "", fmt.Errorf("lsmkv: write sstable entry: %w", err)
		}
		filter.add(ke.key)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("lsmkv: flush sstable: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("lsmkv: fsync sstable: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("lsmkv: close sstable temp file: %w", err)
	}

	finalPath := filepath.Join(dir, plainSSTableName(counter))
	if err := renameWithRetry(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	registry.register(filepath.Base(finalPath), filter)
	return finalPath, nil
}

// renameWithRetry atomically publishes src as dst, retrying a few times to
// tolerate transient filesystem locking (§4.4 step 5).
func renameWithRetry(src, dst string) error {
	var err error
	for attempt := 0; attempt < renameRetries; attempt++ {
		if err = os.Rename(src, dst); err == nil {
			return nil
		}
		time.Sleep(renameBackoff)
	}
	return fmt.Errorf("lsmkv: rename %s to %s after %d attempts: %w", src, dst, renameRetries, err)
}

// plainSSTables returns every sstable_*.txt file in dir, sorted by
// modification time descending (newest first), per the §4.4 lookup order.
func plainSSTables(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, plainSSTablePattern))
	if err != nil {
		return nil, err
	}
	return sortByMTime(matches, true)
}

// gzipSSTables returns every compacted gzip SSTable in dir. In this engine
// there is at most one (sstable_compacted.txt.gz); the temp file is never
// included.
func gzipSSTables(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "sstable_*.gz"))
	if err != nil {
		return nil, err
	}
	filtered := matches[:0]
	for _, m := range matches {
		if filepath.Base(m) == compactedTempName {
			continue
		}
		filtered = append(filtered, m)
	}
	return sortByMTime(filtered, true)
}

func sortByMTime(paths []string, newestFirst bool) ([]string, error) {
	type fileWithTime struct {
		path string
		mod  time.Time
	}
	withTimes := make([]fileWithTime, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue // transient disappearance: skip rather than abort
		}
		withTimes = append(withTimes, fileWithTime{p, fi.ModTime()})
	}
	sort.Slice(withTimes, func(i, j int) bool {
		if newestFirst {
			return withTimes[i].mod.After(withTimes[j].mod)
		}
		return withTimes[i].mod.Before(withTimes[j].mod)
	})
	out := make([]string, len(withTimes))
	for i, wt := range withTimes {
		out[i] = wt.path
	}
	return out, nil
}

// lookupPlain scans sstable_*.txt files newest-first, gated by the per-file
// Bloom filter, returning the first match (§4.4).
func lookupPlain(dir string, key []byte, registry *filterRegistry) (value []byte, tombstone bool, found bool) {
	files, err := plainSSTables(dir)
	if err != nil {
		return nil, false, false
	}

	for _, path := range files {
		name := filepath.Base(path)
		if !registry.mightContain(name, key) {
			continue
		}
		v, tomb, ok, err := scanLinesForKey(path, key)
		if err != nil {
			continue // individual file I/O errors are skipped, not fatal (§7)
		}
		if ok {
			return v, tomb, true
		}
	}
	return nil, false, false
}

// lookupCompressed mirrors lookupPlain over sstable_*.gz files, reading
// through gzip decompression; there is no Bloom-filter gate in the
// reference for compacted files (§4.4).
func lookupCompressed(dir string, key []byte) (value []byte, tombstone bool, found bool) {
	files, err := gzipSSTables(dir)
	if err != nil {
		return nil, false, false
	}

	for _, path := range files {
		v, tomb, ok, err := scanGzipLinesForKey(path, key)
		if err != nil {
			continue
		}
		if ok {
			return v, tomb, true
		}
	}
	return nil, false, false
}

func scanLinesForKey(path string, key []byte) (value []byte, tombstone bool, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, false, err
	}
	defer f.Close()
	return scanReaderForKey(f, key)
}

func scanGzipLinesForKey(path string, key []byte) (value []byte, tombstone bool, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, false, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, false, false, err
	}
	defer gz.Close()

	return scanReaderForKey(gz, key)
}

func scanReaderForKey(r io.Reader, key []byte) (value []byte, tombstone bool, found bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	target := string(key)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		if line[:idx] != target {
			continue
		}
		raw := line[idx+1:]
		if isTombstone(raw) {
			return nil, true, true, nil
		}
		return []byte(raw), false, true, nil
	}
	return nil, false, false, scanner.Err()
}

// sstableCounterFromName parses N out of "sstable_<N>.txt"; ok is false for
// any other name shape (compacted files, temp files).
func sstableCounterFromName(name string) (n int, ok bool) {
	if !strings.HasPrefix(name, "sstable_") || !strings.HasSuffix(name, ".txt") {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, "sstable_"), ".txt")
	v, err := strconv.Atoi(mid)
	if err != nil {
		return 0, false
	}
	return v, true
}
