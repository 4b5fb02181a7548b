package tracepoint

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

// DefaultCmdlineCap is the default capacity of the saved command name
// cache.
const DefaultCmdlineCap = 128

func hashPID(pid uint32) uint32 {
	var b [4]byte
	le.PutUint32(b[:], pid)
	return uint32(xxh3.Hash(b[:]))
}

// CmdlineEntry is one saved pid to command name association.
type CmdlineEntry struct {
	PID  uint32
	Comm string
}

// CmdlineCache remembers the command names of tasks that produced trace
// records, so rendered lines can show a name without holding a task
// reference. Old entries fall out least recently used.
type CmdlineCache struct {
	mu  sync.Mutex
	lru *lru.LRU[uint32, string]
	cap int
}

// NewCmdlineCache returns a cache bounded to capacity entries.
func NewCmdlineCache(capacity int) (*CmdlineCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid cmdline cache capacity %d", capacity)
	}
	l, err := lru.New[uint32, string](uint32(capacity), hashPID)
	if err != nil {
		return nil, err
	}
	return &CmdlineCache{lru: l, cap: capacity}, nil
}

// Add saves the command name of pid.
func (c *CmdlineCache) Add(pid uint32, comm string) {
	c.mu.Lock()
	c.lru.Add(pid, comm)
	c.mu.Unlock()
}

// Lookup returns the saved command name of pid without refreshing its
// cache position.
func (c *CmdlineCache) Lookup(pid uint32) (string, bool) {
	c.mu.Lock()
	comm, ok := c.lru.Peek(pid)
	c.mu.Unlock()
	return comm, ok
}

// Entries returns the cache contents ordered by pid.
func (c *CmdlineCache) Entries() []CmdlineEntry {
	c.mu.Lock()
	keys := c.lru.Keys()
	out := make([]CmdlineEntry, 0, len(keys))
	for _, pid := range keys {
		if comm, ok := c.lru.Peek(pid); ok {
			out = append(out, CmdlineEntry{PID: pid, Comm: comm})
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Cap returns the configured capacity.
func (c *CmdlineCache) Cap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// SetCap resizes the cache, keeping as many existing entries as the new
// capacity allows.
func (c *CmdlineCache) SetCap(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("invalid cmdline cache capacity %d", capacity)
	}
	next, err := lru.New[uint32, string](uint32(capacity), hashPID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, pid := range c.lru.Keys() {
		if comm, ok := c.lru.Peek(pid); ok {
			next.Add(pid, comm)
		}
	}
	c.lru = next
	c.cap = capacity
	c.mu.Unlock()
	return nil
}
