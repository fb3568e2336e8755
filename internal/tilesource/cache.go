package tilesource

import (
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DiskCache is the directory-sharded, TTL-bounded stitched-image cache from
// spec §4.1: value files `{key}.image`/`{key}.meta` under a two-hex-char
// shard directory, written via temp-file-then-rename for atomicity. Grounded
// on the retrieval pack's persistent_cache.go example (TTL check, LRU
// eviction by created_at, atomic metadata persistence).
type DiskCache struct {
	baseDir  string
	ttl      time.Duration
	maxBytes int64

	mu sync.Mutex

	totalRequests atomic.Int64
	cacheHits     atomic.Int64
}

// NewDiskCache constructs a cache rooted at baseDir.
func NewDiskCache(baseDir string, ttl time.Duration, maxBytes int64) (*DiskCache, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &DiskCache{baseDir: baseDir, ttl: ttl, maxBytes: maxBytes}, nil
}

func (c *DiskCache) shardDir(key string) string {
	return filepath.Join(c.baseDir, key[:2])
}

func (c *DiskCache) imagePath(key string) string {
	return filepath.Join(c.shardDir(key), key+".image")
}

func (c *DiskCache) metaPath(key string) string {
	return filepath.Join(c.shardDir(key), key+".meta")
}

// Get returns the cached image for key if present and within TTL. A missing
// or unparsable meta file is treated as a cache miss, per spec §5's
// tolerance for a missing meta file.
func (c *DiskCache) Get(key string) (*StitchedImage, bool) {
	c.totalRequests.Add(1)

	metaBytes, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return nil, false
	}

	var meta cacheMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, false
	}

	if time.Since(meta.CreatedAt) > c.ttl {
		return nil, false
	}

	imgBytes, err := os.Open(c.imagePath(key))
	if err != nil {
		return nil, false
	}
	defer imgBytes.Close()

	img, err := png.Decode(imgBytes)
	if err != nil {
		return nil, false
	}

	c.cacheHits.Add(1)
	c.touch(key, meta)

	return &StitchedImage{
		Image:       img,
		CenterLat:   meta.CenterLat,
		CenterLon:   meta.CenterLon,
		Zoom:        meta.Zoom,
		Transform:   meta.Transform,
		ContentHash: meta.ContentHash,
	}, true
}

func (c *DiskCache) touch(key string, meta cacheMeta) {
	meta.LastAccess = time.Now()
	b, err := json.Marshal(meta)
	if err != nil {
		return
	}
	f, err := os.CreateTemp(c.shardDir(key), key+".touch-*")
	if err != nil {
		return
	}
	_, werr := f.Write(b)
	if cerr := f.Close(); werr != nil || cerr != nil {
		os.Remove(f.Name())
		return
	}
	_ = os.Rename(f.Name(), c.metaPath(key))
}

// Put persists img under key, writing to temp files then renaming so that a
// crash never leaves a half-written entry visible to readers (spec §4.1
// step 7).
func (c *DiskCache) Put(key string, img *StitchedImage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.shardDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create shard dir: %w", err)
	}

	imgPath := c.imagePath(key)
	tmpImgPath := imgPath + ".tmp"
	f, err := os.Create(tmpImgPath)
	if err != nil {
		return fmt.Errorf("failed to create temp image file: %w", err)
	}
	if err := png.Encode(f, img.Image); err != nil {
		f.Close()
		os.Remove(tmpImgPath)
		return fmt.Errorf("failed to encode cached image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpImgPath)
		return fmt.Errorf("failed to close temp image file: %w", err)
	}

	info, err := os.Stat(tmpImgPath)
	if err != nil {
		os.Remove(tmpImgPath)
		return fmt.Errorf("failed to stat temp image file: %w", err)
	}

	now := time.Now()
	meta := cacheMeta{
		Key:         key,
		CreatedAt:   now,
		LastAccess:  now,
		SizeBytes:   info.Size(),
		Zoom:        img.Zoom,
		CenterLat:   img.CenterLat,
		CenterLon:   img.CenterLon,
		Transform:   img.Transform,
		ContentHash: img.ContentHash,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		os.Remove(tmpImgPath)
		return fmt.Errorf("failed to marshal cache meta: %w", err)
	}

	metaPath := c.metaPath(key)
	tmpMetaPath := metaPath + ".tmp"
	if err := os.WriteFile(tmpMetaPath, metaBytes, 0o644); err != nil {
		os.Remove(tmpImgPath)
		return fmt.Errorf("failed to write temp meta file: %w", err)
	}

	if err := os.Rename(tmpImgPath, imgPath); err != nil {
		os.Remove(tmpImgPath)
		os.Remove(tmpMetaPath)
		return fmt.Errorf("failed to rename image file: %w", err)
	}
	if err := os.Rename(tmpMetaPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename meta file: %w", err)
	}

	c.enforceByteCapLocked(key)

	return nil
}

// CleanupExpired removes entries older than TTL and returns bytes reclaimed.
func (c *DiskCache) CleanupExpired() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reclaimed int64
	entries, err := c.listEntries()
	if err != nil {
		return 0, err
	}

	for _, e := range entries {
		if time.Since(e.meta.CreatedAt) > c.ttl {
			reclaimed += e.meta.SizeBytes
			c.removeEntry(e.key)
		}
	}

	return reclaimed, nil
}

// Clear removes every cached entry and returns how many were removed.
func (c *DiskCache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.listEntries()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		c.removeEntry(e.key)
	}
	return len(entries), nil
}

// Stats reports the cache's running counters plus current size/entry count.
func (c *DiskCache) Stats() Stats {
	c.mu.Lock()
	entries, _ := c.listEntries()
	c.mu.Unlock()

	var totalBytes int64
	for _, e := range entries {
		totalBytes += e.meta.SizeBytes
	}

	return Stats{
		TotalRequests: c.totalRequests.Load(),
		CacheHits:     c.cacheHits.Load(),
		TotalBytes:    totalBytes,
		Entries:       int64(len(entries)),
	}
}

type entry struct {
	key  string
	meta cacheMeta
}

func (c *DiskCache) listEntries() ([]entry, error) {
	var out []entry

	shardDirs, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache shards: %w", err)
	}

	for _, shard := range shardDirs {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(c.baseDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if filepath.Ext(f.Name()) != ".meta" {
				continue
			}
			metaBytes, err := os.ReadFile(filepath.Join(shardPath, f.Name()))
			if err != nil {
				continue
			}
			var meta cacheMeta
			if err := json.Unmarshal(metaBytes, &meta); err != nil {
				continue
			}
			out = append(out, entry{key: meta.Key, meta: meta})
		}
	}

	return out, nil
}

// removeEntry deletes both files for key. Caller must hold c.mu.
func (c *DiskCache) removeEntry(key string) {
	os.Remove(c.imagePath(key))
	os.Remove(c.metaPath(key))
}

// enforceByteCapLocked evicts entries by oldest created_at until the cache
// is back under maxBytes, per spec §4.1's "soft cap... triggers LRU
// eviction by created_at". The entry keep (the one just written) is never
// evicted, so a single entry larger than maxBytes stays. Caller must hold c.mu.
func (c *DiskCache) enforceByteCapLocked(keep string) {
	if c.maxBytes <= 0 {
		return
	}

	entries, err := c.listEntries()
	if err != nil {
		return
	}

	var total int64
	for _, e := range entries {
		total += e.meta.SizeBytes
	}
	if total <= c.maxBytes {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].meta.CreatedAt.Before(entries[j].meta.CreatedAt)
	})

	for _, e := range entries {
		if total <= c.maxBytes {
			break
		}
		if e.key == keep {
			continue
		}
		total -= e.meta.SizeBytes
		c.removeEntry(e.key)
	}
}
