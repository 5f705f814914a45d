package symbols

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
)

// Fingerprint hashes the executable's contents so a rebuilt binary at the
// same path never reuses stale symbols.
func Fingerprint(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum64(), nil
}

// SourceCache keeps recently opened ELF sources keyed by content
// fingerprint and load bias. Evicted sources are closed.
type SourceCache struct {
	logger   zerolog.Logger
	capacity int
	mu       sync.Mutex
	items    map[string]*list.Element
	lruList  *list.List
}

type cacheEntry struct {
	key string
	src *ELFSource
}

// NewSourceCache creates a cache holding at most capacity sources.
func NewSourceCache(capacity int, logger zerolog.Logger) *SourceCache {
	if capacity < 1 {
		capacity = 1
	}
	return &SourceCache{
		logger:   logger.With().Str("component", "symbol-cache").Logger(),
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Open returns a cached source for the binary or opens a new one.
func (c *SourceCache) Open(path string, loadBase uint64) (*ELFSource, error) {
	fp, err := Fingerprint(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Bias changes symbol addresses, so it is part of the key.
	key := fmt.Sprintf("%016x@%x", fp, loadBase)
	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		c.logger.Debug().Str("key", key).Msg("Cache hit for symbol source")
		return elem.Value.(*cacheEntry).src, nil
	}

	src, err := OpenELF(path, loadBase, c.logger)
	if err != nil {
		return nil, err
	}
	c.items[key] = c.lruList.PushFront(&cacheEntry{key: key, src: src})

	if c.lruList.Len() > c.capacity {
		c.evictOldest()
	}
	return src, nil
}

func (c *SourceCache) evictOldest() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	c.lruList.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	if err := entry.src.Close(); err != nil {
		c.logger.Warn().Err(err).Str("key", entry.key).Msg("Failed to close evicted symbol source")
	}
}

// Len returns the number of cached sources.
func (c *SourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Close closes every cached source.
func (c *SourceCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.lruList.Len() > 0 {
		c.evictOldest()
	}
	return nil
}
