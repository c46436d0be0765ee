package gtfs

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// DefaultParseCacheDir is GTFS_CACHE_DIR, or a directory under the system
// temp dir.
func DefaultParseCacheDir() string {
	if dir := os.Getenv("GTFS_CACHE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "metroroute-gtfs-cache")
}

// ParseCache keeps parsed feeds on disk as zstd-compressed gob, keyed by
// archive fingerprint. Only the newest keep entries survive a Save.
type ParseCache struct {
	dir  string
	keep int
}

func NewParseCache(dir string, keep int) *ParseCache {
	if keep < 1 {
		keep = 1
	}
	return &ParseCache{dir: dir, keep: keep}
}

func (c *ParseCache) path(fingerprint string) string {
	return filepath.Join(c.dir, "feed_"+fingerprint+".gob.zst")
}

// Load returns the cached parse of the archive with this fingerprint.
func (c *ParseCache) Load(fingerprint string) (*ParseResult, error) {
	f, err := os.Open(c.path(fingerprint))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var result ParseResult
	if err := gob.NewDecoder(zr).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode parsed feed: %w", err)
	}
	if result.Routes == nil || result.Stops == nil || result.Patterns == nil {
		return nil, fmt.Errorf("parsed feed cache entry is incomplete")
	}
	return &result, nil
}

// Save writes result atomically and prunes old entries.
func (c *ParseCache) Save(fingerprint string, result *ParseResult) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, "feed_*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := encode(tmp, result); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.path(fingerprint)); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return c.prune()
}

func encode(f *os.File, result *ParseResult) error {
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(zw).Encode(result); err != nil {
		zw.Close()
		return fmt.Errorf("encode parsed feed: %w", err)
	}
	return zw.Close()
}

// prune removes all but the newest keep entries.
func (c *ParseCache) prune() error {
	paths, err := filepath.Glob(filepath.Join(c.dir, "feed_*.gob.zst"))
	if err != nil || len(paths) <= c.keep {
		return err
	}

	type entry struct {
		path    string
		modTime int64
	}
	entries := make([]entry, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: p, modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].modTime > entries[j].modTime })

	for _, e := range entries[min(c.keep, len(entries)):] {
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
