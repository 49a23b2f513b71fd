package routing

import (
	"sync"
	"time"

	"dronefleet/internal/geo"
)

type cacheKey struct {
	sx, sy, gx, gy float64
}

type cacheEntry struct {
	path Path
	bbox geo.BBox
	at   time.Time // zone activity was resolved against this instant
}

// Cache memoizes paths across queries. An entry computed under an older
// world version is reused only when no later mutation touched its bounding
// region and no activation window in that region opened or closed since the
// entry was evaluated; otherwise it is recomputed.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry

	Hits   int
	Misses int
}

func NewCache() *Cache {
	return &Cache{entries: map[cacheKey]cacheEntry{}}
}

// FindPath answers from cache when the entry is still clean, falling back to
// a fresh A* query.
func (c *Cache) FindPath(v *geo.View, start, goal geo.Position) (Path, error) {
	k := cacheKey{sx: start.X, sy: start.Y, gx: goal.X, gy: goal.Y}
	c.mu.Lock()
	if e, ok := c.entries[k]; ok &&
		!v.DirtySince(e.path.WorldVersion, e.bbox) &&
		!v.WindowChangedBetween(e.at, v.At(), e.bbox) {
		c.Hits++
		c.mu.Unlock()
		return e.path, nil
	}
	c.mu.Unlock()

	p, err := FindPath(v, start, goal)
	if err != nil {
		return Path{}, err
	}
	c.mu.Lock()
	c.Misses++
	c.entries[k] = cacheEntry{path: p, bbox: p.BBox(), at: v.At()}
	c.mu.Unlock()
	return p, nil
}

// Len returns the number of cached paths.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
