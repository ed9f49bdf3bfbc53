package gateway

import "sync"

// CachedChunk is one audio_chunk frame retained for resume replay, tagged
// with the half-open text unit range it covers.
type CachedChunk struct {
	// UnitStart is the inclusive start of the chunk's unit range.
	UnitStart int

	// UnitEnd is the exclusive end of the chunk's unit range.
	UnitEnd int

	// Data is the marshalled audio_chunk frame, re-sent verbatim on resume.
	Data []byte
}

// ChunkCache retains the most recently emitted audio chunks of one session.
// It is a bounded ring: the oldest entries are evicted once maxSize is
// exceeded. All methods are safe for concurrent use.
type ChunkCache struct {
	mu      sync.RWMutex
	entries []CachedChunk
	maxSize int
}

// NewChunkCache creates a cache that retains at most maxSize chunks.
func NewChunkCache(maxSize int) *ChunkCache {
	return &ChunkCache{
		entries: make([]CachedChunk, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends a chunk and evicts the oldest entries beyond maxSize.
func (c *ChunkCache) Add(entry CachedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, entry)
	if len(c.entries) > c.maxSize {
		keep := c.entries[len(c.entries)-c.maxSize:]
		// Copy to a fresh slice so evicted frames can be garbage collected.
		fresh := make([]CachedChunk, len(keep), c.maxSize)
		copy(fresh, keep)
		c.entries = fresh
	}
}

// ReplayAfter returns the cached chunks a resuming client still needs, given
// the highest unit index it confirmed via last_unit_index_received. Entries
// come back oldest first, in original emission order.
//
// It returns nil when the cache cannot serve the position: either eviction
// opened a gap (the oldest retained chunk starts past last) or no retained
// chunk ends after last. The caller answers with resume_not_available.
func (c *ChunkCache) ReplayAfter(last int) []CachedChunk {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 || last < c.entries[0].UnitStart {
		return nil
	}
	var out []CachedChunk
	for _, e := range c.entries {
		if e.UnitEnd > last {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained chunks.
func (c *ChunkCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
