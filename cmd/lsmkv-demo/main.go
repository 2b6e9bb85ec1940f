package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mnohosten/lsmkv/pkg/lsmkv"
)

func main() {
	fmt.Println("=== lsmkv Demo ===")
	fmt.Println()

	dataDir := "./lsmkv-data"
	os.RemoveAll(dataDir)
	defer os.RemoveAll(dataDir)

	demo1BasicOperations(dataDir)
	demo2WriteHeavy(dataDir + "-write")
	demo3Persistence(dataDir + "-persist")
	demo4CompactionAndStats(dataDir + "-stats")

	fmt.Println("\n=== Demo Complete ===")
}

func demo1BasicOperations(dir string) {
	fmt.Println("Demo 1: Basic Engine Operations")
	fmt.Println("---------------------------------")

	cfg := lsmkv.DefaultConfig(dir)
	e, err := lsmkv.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	fmt.Println("Inserting key-value pairs...")
	pairs := map[string]string{
		"name":    "lsmkv",
		"type":    "LSM-Tree",
		"version": "1.0",
		"author":  "Demo",
	}
	for key, value := range pairs {
		if err := e.Put([]byte(key), []byte(value)); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("  PUT %s = %s\n", key, value)
	}

	fmt.Println("\nRetrieving values...")
	for key := range pairs {
		value, found, err := e.Get([]byte(key))
		if err != nil {
			log.Fatal(err)
		}
		if found {
			fmt.Printf("  GET %s = %s\n", key, value)
		} else {
			fmt.Printf("  GET %s = NOT FOUND\n", key)
		}
	}

	fmt.Println("\nDeleting 'version' key...")
	if err := e.Delete([]byte("version")); err != nil {
		log.Fatal(err)
	}
	value, found, _ := e.Get([]byte("version"))
	fmt.Printf("  GET version = found:%v, value:%s\n", found, value)

	fmt.Println()
}

func demo2WriteHeavy(dir string) {
	fmt.Println("Demo 2: Write-Heavy Workload (LSM Advantage)")
	fmt.Println("-----------------------------------------------")

	cfg := lsmkv.DefaultConfig(dir)
	cfg.MemTableThreshold = 64 * 1024 // 64KiB memtable, rotates less often than the 4 KiB default
	e, err := lsmkv.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	numKeys := 1000
	fmt.Printf("Inserting %d keys...\n", numKeys)
	start := time.Now()

	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("user:%06d", i))
		value := []byte(fmt.Sprintf("data-for-user-%06d", i))
		if err := e.Put(key, value); err != nil {
			log.Fatal(err)
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("Inserted %d keys in %v\n", numKeys, elapsed)
	fmt.Printf("Throughput: %.0f writes/sec\n", float64(numKeys)/elapsed.Seconds())

	fmt.Println("\nFlushing to SSTables...")
	if err := e.Flush(); err != nil {
		log.Fatal(err)
	}

	stats := e.Stats()
	fmt.Printf("Stats: %+v\n", stats)

	fmt.Println("\nReading sample keys...")
	sampleKeys := []string{"user:000000", "user:000500", "user:000999"}
	for _, key := range sampleKeys {
		value, found, _ := e.Get([]byte(key))
		if found {
			fmt.Printf("  %s = %s\n", key, value)
		}
	}

	fmt.Println()
}

func demo3Persistence(dir string) {
	fmt.Println("Demo 3: Persistence and Recovery")
	fmt.Println("-----------------------------------")

	cfg := lsmkv.DefaultConfig(dir)
	e, err := lsmkv.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Writing data...")
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("persistent-key-%03d", i))
		value := []byte(fmt.Sprintf("value-%03d", i))
		if err := e.Put(key, value); err != nil {
			log.Fatal(err)
		}
	}

	if err := e.Flush(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Closing engine...")
	if err := e.Close(); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Reopening engine...")
	e, err = lsmkv.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	stats := e.Stats()
	fmt.Printf("Reopened with %d SSTables\n", stats.SSTableFileCount)

	fmt.Println("\nVerifying persisted data...")
	testKeys := []string{"persistent-key-000", "persistent-key-050", "persistent-key-099"}
	for _, key := range testKeys {
		value, found, _ := e.Get([]byte(key))
		if found {
			fmt.Printf("  found %s = %s\n", key, value)
		} else {
			fmt.Printf("  missing %s\n", key)
		}
	}

	fmt.Println()
}

func demo4CompactionAndStats(dir string) {
	fmt.Println("Demo 4: Compaction and Engine Statistics")
	fmt.Println("--------------------------------------------")

	cfg := lsmkv.DefaultConfig(dir)
	cfg.MemTableThreshold = 8 * 1024 // 8KiB, to trigger several rotations
	cfg.SoftFileCount = 3
	e, err := lsmkv.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	fmt.Println("Inserting data to trigger background flushes...")
	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("metric:%04d", i))
		value := []byte(fmt.Sprintf("measurement-%04d-with-some-data", i))
		if err := e.Put(key, value); err != nil {
			log.Fatal(err)
		}
	}

	if err := e.Flush(); err != nil {
		log.Fatal(err)
	}
	e.WaitForFlushCompletion()

	stats := e.Stats()
	fmt.Println("\nEngine Statistics (before force compaction):")
	fmt.Printf("  MemTable bytes: %d\n", stats.MemTableBytes)
	fmt.Printf("  Immutable memtables: %d\n", stats.ImmutableCount)
	fmt.Printf("  SSTable files: %d\n", stats.SSTableFileCount)
	fmt.Printf("  SSTable bytes: %d\n", stats.SSTableBytes)

	fmt.Println("\nForcing compaction...")
	if err := e.ForceCompaction(); err != nil {
		log.Fatal(err)
	}

	stats = e.Stats()
	fmt.Println("\nEngine Statistics (after force compaction):")
	fmt.Printf("  SSTable files: %d\n", stats.SSTableFileCount)
	fmt.Printf("  SSTable bytes: %d\n", stats.SSTableBytes)

	fmt.Println("\nArchitecture:")
	fmt.Println("  Write Path: WAL -> MemTable (in-memory) -> Flush -> SSTable (on-disk)")
	fmt.Println("  Read Path: MemTable -> Immutables -> Plain SSTables -> Compacted SSTable")
	fmt.Println("  Compaction: background merge of SSTables, newest value wins, tombstones dropped")
	fmt.Println("  Bloom Filters: skip SSTable reads for keys that are definitely absent")

	fmt.Println()
}
