package orchestrate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// CapabilityStore persists learned model capabilities across runs.
type CapabilityStore interface {
	Load(ctx context.Context) (map[string]bool, error)
	Save(ctx context.Context, model string, toolCapable bool) error
	Close() error
}

// CapabilityCache answers whether a model accepts tool schemas. Unknown
// models are assumed tool-capable: a false positive costs a wasted schema
// payload on one request, while a false negative would strip tools from a
// model that could use them. Entries are learned when a backend rejects or
// accepts schemas and optionally persisted through a CapabilityStore.
type CapabilityCache struct {
	mu     sync.RWMutex
	known  map[string]bool
	store  CapabilityStore
	logger *slog.Logger
}

// NewCapabilityCache builds a cache, seeding it from store when one is
// given. A store load failure degrades to the optimistic in-memory default
// rather than failing construction.
func NewCapabilityCache(ctx context.Context, store CapabilityStore, logger *slog.Logger) *CapabilityCache {
	if logger == nil {
		logger = slog.Default()
	}
	cache := &CapabilityCache{
		known:  make(map[string]bool),
		store:  store,
		logger: logger,
	}
	if store != nil {
		seeded, err := store.Load(ctx)
		if err != nil {
			logger.Warn("capability store load failed; assuming tool-capable", "error", err)
			return cache
		}
		for model, capable := range seeded {
			cache.known[normalizeModel(model)] = capable
		}
	}
	return cache
}

// ToolCapable reports whether tool schemas should be attached for model.
// Unknown models default to true.
func (c *CapabilityCache) ToolCapable(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	capable, ok := c.known[normalizeModel(model)]
	if !ok {
		return true
	}
	return capable
}

// Record stores an observed capability and writes it through to the
// persistent store when one is configured.
func (c *CapabilityCache) Record(ctx context.Context, model string, toolCapable bool) {
	key := normalizeModel(model)

	c.mu.Lock()
	c.known[key] = toolCapable
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, key, toolCapable); err != nil {
			c.logger.Warn("capability store save failed", "model", model, "error", err)
		}
	}
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
