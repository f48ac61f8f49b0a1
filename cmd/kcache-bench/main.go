// Package main provides kcache-bench, a workload driver for the key
// cache.
//
// It creates a set of scratch files, runs a mixed read/write workload
// against one shared cache from several goroutines, and prints
// throughput and hit-rate numbers. With --out the results are written
// to a JSON report (atomically, so a watching process never sees a
// partial file). With --chaos a fraction of the file I/O fails, to
// measure behavior under a flaky disk.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/keycache/pkg/fs"
	"github.com/calvinalkan/keycache/pkg/keycache"
)

// Config holds all benchmark configuration.
type Config struct {
	Dir       string
	BlockSize int
	Blocks    int
	Files     int
	FileMB    int
	Workers   int
	Ops       int
	WritePct  int
	Seed      int64
	ChaosPct  float64
	OutPath   string
}

// Report is the JSON result document.
type Report struct {
	Config     Config        `json:"config"`
	Duration   time.Duration `json:"duration_ns"`
	OpsPerSec  float64       `json:"ops_per_sec"`
	HitRate    float64       `json:"hit_rate"`
	IOErrors   int64         `json:"io_errors"`
	CacheStats any           `json:"cache_stats"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := Config{}
	pflag.StringVar(&cfg.Dir, "dir", "", "scratch directory (default: temp dir)")
	pflag.IntVar(&cfg.BlockSize, "block-size", 1024, "page size in bytes")
	pflag.IntVar(&cfg.Blocks, "blocks", 512, "cache blocks")
	pflag.IntVar(&cfg.Files, "files", 4, "number of backing files")
	pflag.IntVar(&cfg.FileMB, "file-mb", 4, "size of each file in MiB")
	pflag.IntVar(&cfg.Workers, "workers", 8, "concurrent workers")
	pflag.IntVar(&cfg.Ops, "ops", 100000, "operations per worker")
	pflag.IntVar(&cfg.WritePct, "write-pct", 20, "percentage of writes")
	pflag.Int64Var(&cfg.Seed, "seed", 1, "workload seed")
	pflag.Float64Var(&cfg.ChaosPct, "chaos", 0, "fraction of io calls to fail (0..1)")
	pflag.StringVar(&cfg.OutPath, "out", "", "write a JSON report here")
	pflag.Parse()

	if cfg.WritePct < 0 || cfg.WritePct > 100 {
		return errors.New("--write-pct must be in 0..100")
	}

	dir := cfg.Dir
	if dir == "" {
		var err error
		if dir, err = os.MkdirTemp("", "kcache-bench-*"); err != nil {
			return err
		}
		defer func() { _ = os.RemoveAll(dir) }()
	}

	// Prepare backing files.
	fileSize := int64(cfg.FileMB) << 20
	unixIO := fs.NewUnixIO()
	fds := make([]int, cfg.Files)
	chunk := make([]byte, 1<<20)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	for i := 0; i < cfg.Files; i++ {
		fd, err := fs.Open(filepath.Join(dir, fmt.Sprintf("bench-%02d.dat", i)))
		if err != nil {
			return err
		}
		defer func() { _ = fs.Close(fd) }()
		for off := int64(0); off < fileSize; off += int64(len(chunk)) {
			if err := unixIO.Pwrite(fd, chunk, off); err != nil {
				return err
			}
		}
		fds[i] = fd
	}

	var ioErrors atomic.Int64
	var cacheIO keycache.FileIO = unixIO
	if cfg.ChaosPct > 0 {
		cacheIO = fs.NewChaos(unixIO, cfg.ChaosPct, cfg.ChaosPct, cfg.Seed)
	}

	cache, err := keycache.New(keycache.Options{
		BlockSize: cfg.BlockSize,
		Memory:    keycache.MemoryForBlocks(cfg.BlockSize, cfg.Blocks),
		IO:        cacheIO,
	})
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	pages := fileSize / int64(cfg.BlockSize)
	fmt.Printf("kcache-bench: %d workers x %d ops, %d files x %d MiB, cache %d x %d bytes\n",
		cfg.Workers, cfg.Ops, cfg.Files, cfg.FileMB, cfg.Blocks, cfg.BlockSize)

	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
			buf := make([]byte, cfg.BlockSize)
			for i := 0; i < cfg.Ops; i++ {
				fd := fds[rng.Intn(len(fds))]
				pos := rng.Int63n(pages) * int64(cfg.BlockSize)
				if rng.Intn(100) < cfg.WritePct {
					// Workers write disjoint page sets so no page has
					// two writers, matching the engine contract.
					if pos/int64(cfg.BlockSize)%int64(cfg.Workers) != int64(w) {
						continue
					}
					rng.Read(buf)
					if err := cache.Write(fd, pos, 3, buf, true); err != nil {
						ioErrors.Add(1)
					}
				} else if err := cache.Read(fd, pos, 3, buf); err != nil {
					ioErrors.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	for _, fd := range fds {
		if err := cache.Flush(fd, keycache.FlushForceWrite); err != nil {
			ioErrors.Add(1)
		}
	}
	elapsed := time.Since(start)

	s := cache.Stats()
	totalOps := float64(cfg.Workers) * float64(cfg.Ops)
	hitRate := 0.0
	if s.ReadRequests > 0 {
		hitRate = float64(s.ReadRequests-s.Reads) / float64(s.ReadRequests)
	}

	fmt.Printf("done in %v (%.0f ops/s)\n", elapsed.Round(time.Millisecond), totalOps/elapsed.Seconds())
	fmt.Printf("hit rate %.1f%%  reads %d  writes %d  io errors %d\n",
		100*hitRate, s.Reads, s.Writes, ioErrors.Load())

	if cfg.OutPath != "" {
		report := Report{
			Config:     cfg,
			Duration:   elapsed,
			OpsPerSec:  totalOps / elapsed.Seconds(),
			HitRate:    hitRate,
			IOErrors:   ioErrors.Load(),
			CacheStats: s,
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		if err := fs.WriteFileAtomic(cfg.OutPath, data); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", cfg.OutPath)
	}
	return nil
}
