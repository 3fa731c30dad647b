// Package fingerprint recognizes a repeated (system prompt, tool set)
// context across requests. The cache tracks whether a context has been seen
// before, for metrics and for skipping redundant schema-transform work; it
// stores no response bodies and makes no claim about backend-side prompt
// reuse.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ToolSpec is the cache's view of a tool definition.
type ToolSpec struct {
	Name        string
	Description string
	Schema      any
}

// Result reports a lookup outcome. On a hit, Transformed carries the
// backend-safe tool schemas recorded for this fingerprint, in tool order.
type Result struct {
	Hit         bool
	Key         string
	Transformed []any
}

// Metrics is a point-in-time snapshot of cache counters.
type Metrics struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

type entry struct {
	createdAt   time.Time
	lastAccess  time.Time
	hits        int64
	toolCount   int
	transformed []any
}

// Cache is an in-memory fingerprint cache with LRU capacity eviction and
// lazy TTL expiry. All operations are pure in-memory work; Lookup never
// blocks on I/O. Safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	lru    *expirable.LRU[string, *entry]
	hits   int64
	misses int64
}

// New creates a cache holding at most capacity entries, each expiring ttl
// after last write. Zero ttl disables time-based expiry.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &Cache{
		lru: expirable.NewLRU[string, *entry](capacity, nil, ttl),
	}
}

// Lookup computes the fingerprint for (systemText, tools) and reports
// whether it has been seen. A hit refreshes the entry's recency and hit
// count. A hit whose recorded tool count disagrees with the request falls
// back to a miss so callers re-transform rather than trust a stale entry.
func (c *Cache) Lookup(systemText string, tools []ToolSpec) Result {
	key := Key(systemText, tools)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok || e.toolCount != len(tools) {
		c.misses++
		return Result{Hit: false, Key: key}
	}

	e.hits++
	e.lastAccess = time.Now()
	c.hits++
	return Result{Hit: true, Key: key, Transformed: e.transformed}
}

// Record stores (or refreshes) the entry for key, retaining the transformed
// tool schemas for later hits. toolCount pins the entry to the tool-set size
// it was built from.
func (c *Cache) Record(key string, toolCount int, transformed []any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.lru.Get(key); ok {
		e.lastAccess = now
		e.toolCount = toolCount
		e.transformed = transformed
		return
	}
	c.lru.Add(key, &entry{
		createdAt:   now,
		lastAccess:  now,
		toolCount:   toolCount,
		transformed: transformed,
	})
}

// Metrics returns a snapshot of the counters.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		Entries: c.lru.Len(),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// Key computes the stable fingerprint for a (system, tools) context. The
// hash ignores incidental whitespace in the system text but is sensitive to
// tool order, since backends may expose tools positionally.
func Key(systemText string, tools []ToolSpec) string {
	h := sha256.New()
	h.Write([]byte(canonicalizeText(systemText)))
	h.Write([]byte{0})
	for _, t := range tools {
		h.Write([]byte(t.Name))
		h.Write([]byte{0x1f})
		h.Write([]byte(canonicalizeText(t.Description)))
		h.Write([]byte{0x1f})
		// encoding/json sorts map keys, so marshaling yields a canonical
		// byte form for schema trees decoded from JSON.
		if raw, err := json.Marshal(t.Schema); err == nil {
			h.Write(raw)
		}
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeText collapses whitespace runs to single spaces and trims the
// ends, so formatting-only differences map to the same fingerprint.
func canonicalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
