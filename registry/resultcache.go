package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/arbor-labs/toolbridge/core"
)

// cacheableTools are read-only builtins whose results may be served from
// cache within a short window. Mutating tools purge the cache instead.
var cacheableTools = map[string]bool{
	"list_dir":  true,
	"read_file": true,
	"path_info": true,
}

type cacheEntry struct {
	result  core.ToolResult
	expires time.Time
}

// resultCache memoizes successful read-only tool results for a bounded
// TTL. A zero TTL disables caching.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(call core.ToolCall) string {
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return ""
	}
	return call.Tool + "\x00" + string(raw)
}

func (c *resultCache) get(call core.ToolCall) (core.ToolResult, bool) {
	if c == nil || c.ttl <= 0 || !cacheableTools[call.Tool] {
		return core.ToolResult{}, false
	}
	key := cacheKey(call)
	if key == "" {
		return core.ToolResult{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expires) {
		delete(c.entries, key)
		return core.ToolResult{}, false
	}
	result := entry.result
	result.Cached = true
	return result, true
}

func (c *resultCache) put(call core.ToolCall, result core.ToolResult) {
	if c == nil || c.ttl <= 0 || !cacheableTools[call.Tool] || !result.Success {
		return
	}
	key := cacheKey(call)
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: result, expires: c.now().Add(c.ttl)}
}

// purge drops everything. Called after any mutating builtin succeeds so
// reads never observe stale directory or file state.
func (c *resultCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
