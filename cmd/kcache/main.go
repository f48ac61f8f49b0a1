// kcache is a simple CLI for poking at a key cache over real files.
//
// Usage:
//
//	kcache [opts] [dir]        Start a REPL over files in dir (default .)
//
// Options:
//
//	-b, --block-size   Page size in bytes (default 1024)
//	-n, --blocks       Number of cache blocks (default 256)
//	-d, --division     Division limit percent (default 0)
//	-a, --age          Age threshold percent (default 0)
//	-c, --config       Config file (default .kcache.json in dir, if present)
//	-v, --verbose      Trace cache activity to stderr
//
// Commands (in REPL):
//
//	open <path>                    Open a file, print its handle
//	read <fd> <pos> <len>          Read through the cache, print hex
//	write <fd> <pos> <text>        Buffered write
//	put <fd> <pos> <text>          Write-through (direct + cache)
//	warm <fd> <pos> <len>          Preload a range into the cache
//	flush <fd> [keep|release|ignore|force]
//	resize <blocks> [block-size]   Resize the cache online
//	param <division> <age>         Change LRU tunables
//	stats                          Show cache counters
//	reset                          Reset cache counters
//	bench <fd> <n>                 Time n random page reads
//	help                           Show this help
//	exit / quit / q                Exit
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/keycache/pkg/fs"
	"github.com/calvinalkan/keycache/pkg/keycache"
)

// Compile-time check: the production IO satisfies the cache's facility
// interface.
var _ keycache.FileIO = (*fs.UnixIO)(nil)

// ConfigFileName is the default config file name.
const ConfigFileName = ".kcache.json"

// Config holds cache tunables loadable from a HuJSON file (comments
// and trailing commas allowed).
type Config struct {
	BlockSize     int `json:"block_size"`
	Blocks        int `json:"blocks"`
	DivisionLimit int `json:"division_limit"`
	AgeThreshold  int `json:"age_threshold"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize: 1024,
		Blocks:    256,
	}
}

// loadConfig reads a HuJSON config file into cfg. Missing file at the
// default location is not an error.
func loadConfig(path string, explicit bool, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := json.Unmarshal(std, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := DefaultConfig()

	flags := pflag.NewFlagSet("kcache", pflag.ContinueOnError)
	blockSize := flags.IntP("block-size", "b", 0, "page size in bytes")
	blocks := flags.IntP("blocks", "n", 0, "number of cache blocks")
	division := flags.IntP("division", "d", -1, "division limit percent")
	age := flags.IntP("age", "a", -1, "age threshold percent")
	configPath := flags.StringP("config", "c", "", "config file")
	verbose := flags.BoolP("verbose", "v", false, "trace cache activity")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	dir := "."
	if args := flags.Args(); len(args) > 0 {
		dir = args[0]
	}

	explicit := *configPath != ""
	path := *configPath
	if !explicit {
		path = filepath.Join(dir, ConfigFileName)
	}
	if err := loadConfig(path, explicit, &cfg); err != nil {
		return err
	}

	// CLI overrides win over the config file.
	if *blockSize > 0 {
		cfg.BlockSize = *blockSize
	}
	if *blocks > 0 {
		cfg.Blocks = *blocks
	}
	if *division >= 0 {
		cfg.DivisionLimit = *division
	}
	if *age >= 0 {
		cfg.AgeThreshold = *age
	}

	var logger log.FieldLogger
	if *verbose {
		l := log.New()
		l.SetLevel(log.DebugLevel)
		l.SetOutput(os.Stderr)
		logger = l
	}

	cache, err := keycache.New(keycache.Options{
		BlockSize:     cfg.BlockSize,
		Memory:        keycache.MemoryForBlocks(cfg.BlockSize, cfg.Blocks),
		DivisionLimit: cfg.DivisionLimit,
		AgeThreshold:  cfg.AgeThreshold,
		IO:            fs.NewUnixIO(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	fmt.Printf("kcache: %d blocks x %d bytes over %s\n", cache.Blocks(), cfg.BlockSize, dir)

	r := &repl{cache: cache, dir: dir, files: map[int]string{}}
	return r.loop()
}

// repl drives the interactive session.
type repl struct {
	cache *keycache.Cache
	dir   string
	files map[int]string // fd -> path, for display and cleanup
	liner *liner.State
}

func (r *repl) loop() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	defer r.closeFiles()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string
		for _, cmd := range []string{
			"open ", "read ", "write ", "put ", "warm ", "flush ",
			"resize ", "param ", "stats", "reset", "bench ", "help", "exit",
		} {
			if strings.HasPrefix(cmd, strings.ToLower(line)) {
				out = append(out, cmd)
			}
		}
		return out
	})

	for {
		line, err := r.liner.Prompt("kcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			return nil // EOF
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		args := strings.Fields(line)
		switch args[0] {
		case "exit", "quit", "q":
			return nil
		case "help":
			r.printHelp()
		default:
			if err := r.dispatch(args); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

func (r *repl) closeFiles() {
	for fd := range r.files {
		_ = fs.Close(fd)
	}
}

func (r *repl) dispatch(args []string) error {
	switch args[0] {
	case "open":
		return r.cmdOpen(args[1:])
	case "read":
		return r.cmdRead(args[1:])
	case "write":
		return r.cmdWrite(args[1:], true)
	case "put":
		return r.cmdWrite(args[1:], false)
	case "warm":
		return r.cmdWarm(args[1:])
	case "flush":
		return r.cmdFlush(args[1:])
	case "resize":
		return r.cmdResize(args[1:])
	case "param":
		return r.cmdParam(args[1:])
	case "stats":
		return r.cmdStats()
	case "reset":
		r.cache.ResetCounters()
		return nil
	case "bench":
		return r.cmdBench(args[1:])
	}
	return fmt.Errorf("unknown command %q (try help)", args[0])
}

func (r *repl) cmdOpen(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: open <path>")
	}
	path := args[0]
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, path)
	}
	fd, err := fs.Open(path)
	if err != nil {
		return err
	}
	r.files[fd] = path
	size, _ := fs.Size(fd)
	fmt.Printf("fd %d: %s (%d bytes)\n", fd, path, size)
	return nil
}

func (r *repl) fd(arg string) (int, error) {
	fd, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("bad fd %q", arg)
	}
	if _, ok := r.files[fd]; !ok {
		return 0, fmt.Errorf("fd %d is not open (use open)", fd)
	}
	return fd, nil
}

func (r *repl) cmdRead(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: read <fd> <pos> <len>")
	}
	fd, err := r.fd(args[0])
	if err != nil {
		return err
	}
	pos, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad pos %q", args[1])
	}
	n, err := strconv.Atoi(args[2])
	if err != nil || n <= 0 {
		return fmt.Errorf("bad len %q", args[2])
	}

	buf := make([]byte, n)
	if err := r.cache.Read(fd, pos, 3, buf); err != nil {
		return err
	}
	fmt.Println(hex.Dump(buf))
	return nil
}

func (r *repl) cmdWrite(args []string, buffered bool) error {
	if len(args) < 3 {
		return errors.New("usage: write|put <fd> <pos> <text>")
	}
	fd, err := r.fd(args[0])
	if err != nil {
		return err
	}
	pos, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad pos %q", args[1])
	}
	data := []byte(strings.Join(args[2:], " "))

	if err := r.cache.Write(fd, pos, 3, data, buffered); err != nil {
		return err
	}
	if buffered {
		fmt.Printf("buffered %d bytes at %d (flush to persist)\n", len(data), pos)
	} else {
		fmt.Printf("wrote %d bytes at %d\n", len(data), pos)
	}
	return nil
}

func (r *repl) cmdWarm(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: warm <fd> <pos> <len>")
	}
	fd, err := r.fd(args[0])
	if err != nil {
		return err
	}
	pos, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad pos %q", args[1])
	}
	n, err := strconv.Atoi(args[2])
	if err != nil || n <= 0 {
		return fmt.Errorf("bad len %q", args[2])
	}

	// Read the range ourselves and hand it to the cache, the way an
	// engine preloads an index.
	buf := make([]byte, n)
	got, err := fs.NewUnixIO().Pread(fd, buf, pos)
	if err != nil {
		return err
	}
	if err := r.cache.Insert(fd, pos, 3, buf[:got]); err != nil {
		return err
	}
	fmt.Printf("warmed %d bytes at %d\n", got, pos)
	return nil
}

func (r *repl) cmdFlush(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: flush <fd> [keep|release|ignore|force]")
	}
	fd, err := r.fd(args[0])
	if err != nil {
		return err
	}
	typ := keycache.FlushKeep
	if len(args) == 2 {
		switch args[1] {
		case "keep":
			typ = keycache.FlushKeep
		case "release":
			typ = keycache.FlushRelease
		case "ignore":
			typ = keycache.FlushIgnoreChanged
		case "force":
			typ = keycache.FlushForceWrite
		default:
			return fmt.Errorf("unknown flush type %q", args[1])
		}
	}
	start := time.Now()
	if err := r.cache.Flush(fd, typ); err != nil {
		return err
	}
	fmt.Printf("flushed in %v\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func (r *repl) cmdResize(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: resize <blocks> [block-size]")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("bad blocks %q", args[0])
	}
	blockSize := r.cache.BlockSize()
	if len(args) == 2 {
		if blockSize, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("bad block size %q", args[1])
		}
	}

	start := time.Now()
	got, err := r.cache.Resize(blockSize, keycache.MemoryForBlocks(blockSize, n), 0, 0)
	if err != nil {
		return err
	}
	fmt.Printf("resized to %d blocks x %d bytes in %v\n",
		got, blockSize, time.Since(start).Round(time.Microsecond))
	return nil
}

func (r *repl) cmdParam(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: param <division> <age>")
	}
	division, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad division %q", args[0])
	}
	age, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad age %q", args[1])
	}
	r.cache.ChangeParam(division, age)
	return nil
}

func (r *repl) cmdStats() error {
	s := r.cache.Stats()
	fmt.Printf("blocks:          %d x %d bytes\n", s.Blocks, s.BlockSize)
	fmt.Printf("used / unused:   %d / %d\n", s.BlocksUsed, s.BlocksUnused)
	fmt.Printf("dirty:           %d\n", s.BlocksChanged)
	fmt.Printf("warm:            %d\n", s.WarmBlocks)
	fmt.Printf("read requests:   %d (%d misses)\n", s.ReadRequests, s.Reads)
	fmt.Printf("write requests:  %d (%d writes)\n", s.WriteRequests, s.Writes)
	if s.ReadRequests > 0 {
		hit := 100 * float64(s.ReadRequests-s.Reads) / float64(s.ReadRequests)
		fmt.Printf("hit rate:        %.1f%%\n", hit)
	}
	return nil
}

func (r *repl) cmdBench(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: bench <fd> <n>")
	}
	fd, err := r.fd(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return fmt.Errorf("bad count %q", args[1])
	}
	size, err := fs.Size(fd)
	if err != nil {
		return err
	}
	blockSize := int64(r.cache.BlockSize())
	pages := size / blockSize
	if pages == 0 {
		return errors.New("file smaller than one page")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	buf := make([]byte, blockSize)
	lat := make([]time.Duration, 0, n)
	start := time.Now()
	for i := 0; i < n; i++ {
		pos := rng.Int63n(pages) * blockSize
		t0 := time.Now()
		if err := r.cache.Read(fd, pos, 3, buf); err != nil {
			return err
		}
		lat = append(lat, time.Since(t0))
	}
	total := time.Since(start)

	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	fmt.Printf("%d reads in %v (%.0f/s)\n", n, total.Round(time.Microsecond),
		float64(n)/total.Seconds())
	fmt.Printf("p50 %v  p99 %v  max %v\n",
		lat[n/2].Round(time.Nanosecond),
		lat[n*99/100].Round(time.Nanosecond),
		lat[n-1].Round(time.Nanosecond))
	return nil
}

func (r *repl) printHelp() {
	fmt.Print(`commands:
  open <path>                  open a file, print its handle
  read <fd> <pos> <len>        read through the cache, print hex
  write <fd> <pos> <text>      buffered write (dirty page)
  put <fd> <pos> <text>        write-through
  warm <fd> <pos> <len>        preload a range into the cache
  flush <fd> [keep|release|ignore|force]
  resize <blocks> [block-size] resize the cache online
  param <division> <age>       change LRU tunables
  stats                        show cache counters
  reset                        reset cache counters
  bench <fd> <n>               time n random page reads
  exit                         quit
`)
}
