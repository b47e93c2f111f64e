package embcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultMaxSize is the default number of resident entries
	DefaultMaxSize = 1000

	// DefaultTTL is the default entry lifetime honored on cold start
	DefaultTTL = 7 * 24 * time.Hour

	// indexFileName is the compact key -> timestamps index used for reload
	indexFileName = "cache_index.json"

	// indexFlushInterval is how many puts elapse between index rewrites
	indexFlushInterval = 16
)

// entry is a cached embedding with its source text and access metadata
type entry struct {
	Text       string    `json:"text"`
	Model      string    `json:"model_name"`
	Vector     []float32 `json:"embedding"`
	Created    time.Time `json:"created"`
	LastAccess time.Time `json:"-"`
}

// indexRecord is the per-key record stored in cache_index.json
type indexRecord struct {
	LastAccess time.Time `json:"last_access"`
	Created    time.Time `json:"created"`
}

// Stats reports cache effectiveness counters
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Cache is a size- and time-bounded embedding cache keyed by (text, model).
// Entries are persisted one file per key under dir so the cache survives
// restarts; disk errors degrade the cache to memory-only operation.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *entry]
	dir    string
	ttl    time.Duration
	maxSize int
	logger *zap.Logger

	hits      uint64
	misses    uint64
	evictions uint64

	putsSinceFlush int
	purging        bool
	diskOK         bool
}

// New creates a cache backed by dir. Construction never fails on I/O:
// if dir cannot be created or the index cannot be read, the cache starts
// empty and memory-only.
func New(dir string, maxSize int, ttl time.Duration, logger *zap.Logger) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{
		dir:     dir,
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger,
		diskOK:  true,
	}

	inner, err := lru.NewWithEvict(maxSize, c.onEvict)
	if err != nil {
		// Only reachable with a non-positive size, which is normalized above.
		inner, _ = lru.NewWithEvict(DefaultMaxSize, c.onEvict)
	}
	c.lru = inner

	if dir == "" {
		c.diskOK = false
		return c
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("cache dir unavailable, running memory-only",
			zap.String("dir", dir), zap.Error(err))
		c.diskOK = false
		return c
	}

	c.loadFromDisk()
	return c
}

// Key derives the cache key for a (text, model) pair.
func Key(text, model string) string {
	h := sha256.Sum256([]byte(text + "\x00" + model))
	return hex.EncodeToString(h[:])
}

// Get returns the cached embedding for (text, model), refreshing the
// entry's recency on hit.
func (c *Cache) Get(text, model string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(Key(text, model))
	if !ok {
		c.misses++
		return nil, false
	}

	c.hits++
	e.LastAccess = time.Now()

	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	return vec, true
}

// Put stores an embedding for (text, model), evicting the least-recently
// accessed entry when the cache is full, and persists the entry to disk.
func (c *Cache) Put(text, model string, vector []float32) {
	if len(vector) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	vec := make([]float32, len(vector))
	copy(vec, vector)

	key := Key(text, model)
	e := &entry{
		Text:       text,
		Model:      model,
		Vector:     vec,
		Created:    now,
		LastAccess: now,
	}
	c.lru.Add(key, e)

	c.saveEntry(key, e)

	c.putsSinceFlush++
	if c.putsSinceFlush >= indexFlushInterval {
		c.flushIndex()
	}
}

// Clear drops all resident entries, resets counters, and rewrites an
// empty index. Entry files already on disk are left behind; they are
// ignored on the next cold start because the index no longer names them.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purging = true
	c.lru.Purge()
	c.purging = false

	c.hits = 0
	c.misses = 0
	c.evictions = 0
	c.putsSinceFlush = 0

	c.flushIndex()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.lru.Len(),
		MaxSize:   c.maxSize,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

// Close flushes the index so the latest access order survives restart.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushIndex()
}

// onEvict runs inside lru.Add when capacity forces an entry out.
// Purge during Clear also fires it; those are not counted as evictions.
func (c *Cache) onEvict(key string, _ *entry) {
	if c.purging {
		return
	}
	c.evictions++
}

// saveEntry writes a single entry file. Callers hold c.mu.
func (c *Cache) saveEntry(key string, e *entry) {
	if !c.diskOK {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := os.WriteFile(c.entryPath(key), data, 0o644); err != nil {
		c.logger.Warn("failed to persist cache entry", zap.String("key", key), zap.Error(err))
	}
}

// flushIndex rewrites cache_index.json from the resident entries.
// Callers hold c.mu.
func (c *Cache) flushIndex() {
	c.putsSinceFlush = 0
	if !c.diskOK {
		return
	}

	index := make(map[string]indexRecord, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			index[key] = indexRecord{LastAccess: e.LastAccess, Created: e.Created}
		}
	}

	data, err := json.Marshal(index)
	if err != nil {
		c.logger.Warn("failed to encode cache index", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(c.dir, indexFileName), data, 0o644); err != nil {
		c.logger.Warn("failed to write cache index", zap.Error(err))
	}
}

// loadFromDisk reloads up to maxSize most-recently-used, non-expired
// entries named by the index. Missing or corrupt entry files are skipped.
func (c *Cache) loadFromDisk() {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read cache index", zap.Error(err))
		}
		return
	}

	var index map[string]indexRecord
	if err := json.Unmarshal(data, &index); err != nil {
		c.logger.Warn("cache index corrupt, starting empty", zap.Error(err))
		return
	}

	type keyed struct {
		key string
		rec indexRecord
	}
	now := time.Now()
	candidates := make([]keyed, 0, len(index))
	for key, rec := range index {
		if now.Sub(rec.Created) > c.ttl {
			continue
		}
		candidates = append(candidates, keyed{key: key, rec: rec})
	}

	// Most recently used last so LRU insertion order matches access order.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rec.LastAccess.Before(candidates[j].rec.LastAccess)
	})
	if len(candidates) > c.maxSize {
		candidates = candidates[len(candidates)-c.maxSize:]
	}

	loaded := 0
	for _, cand := range candidates {
		raw, err := os.ReadFile(c.entryPath(cand.key))
		if err != nil {
			continue
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil || len(e.Vector) == 0 {
			continue
		}
		e.LastAccess = cand.rec.LastAccess
		c.lru.Add(cand.key, &e)
		loaded++
	}

	if loaded > 0 {
		c.logger.Info("embedding cache reloaded", zap.Int("entries", loaded))
	}
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}
