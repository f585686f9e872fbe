package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/metrics"
	"github.com/benediktbwimmer/apphub-metastore/platform/go/persistence"
)

// Config sizes the registry cache. Zero TTL disables positive caching;
// NegativeTTL left zero defaults to min(TTL, 30s) when TTL is set.
type Config struct {
	TTL             time.Duration
	NegativeTTL     time.Duration
	RefreshAhead    time.Duration
	RefreshInterval time.Duration
}

const (
	minRefreshInterval = time.Second
	maxNegativeTTL     = 30 * time.Second
)

func (c Config) normalized() Config {
	if c.RefreshInterval < minRefreshInterval {
		c.RefreshInterval = minRefreshInterval
	}
	if c.NegativeTTL == 0 && c.TTL > 0 {
		c.NegativeTTL = c.TTL
		if c.NegativeTTL > maxNegativeTTL {
			c.NegativeTTL = maxNegativeTTL
		}
	}
	return c
}

// entry is either a positive hit carrying a definition or a cached miss.
// Positive entries turn stale at refreshAt and expire at expiresAt.
type entry struct {
	value      persistence.SchemaDefinition
	negative   bool
	expiresAt  time.Time
	refreshAt  time.Time
	refreshing bool
}

// cache fronts the schema_definitions table. Fresh hits are served directly;
// hits past refreshAt are served stale while one background refresh runs.
// Misses and expired entries load in the foreground, coalesced per hash.
type cache struct {
	loader  Loader
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry

	flight singleflight.Group
	now    func() time.Time
}

// Loader fetches a definition by hash, satisfied by
// *persistence.SchemaDefinitionStore.
type Loader interface {
	Get(ctx context.Context, schemaHash string) (persistence.SchemaDefinition, error)
}

func newCache(loader Loader, cfg Config, m *metrics.Metrics) *cache {
	return &cache{
		loader:  loader,
		cfg:     cfg.normalized(),
		metrics: m,
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// Lookup resolves one hash. Only this path moves the hit/miss counters;
// background refreshes stay silent.
func (c *cache) Lookup(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[hash]
	if ok && now.Before(e.expiresAt) {
		if e.negative {
			c.mu.Unlock()
			c.countHit("negative")
			return persistence.SchemaDefinition{}, persistence.ErrSchemaNotFound
		}
		value := e.value
		due := !now.Before(e.refreshAt) && !e.refreshing
		if due {
			e.refreshing = true
		}
		c.mu.Unlock()

		c.countHit("positive")
		if due {
			go c.refresh(hash)
		}
		return value, nil
	}
	c.mu.Unlock()

	if ok {
		c.countMiss("expired")
	} else {
		c.countMiss("cold")
	}
	return c.load(ctx, hash)
}

// load runs the foreground path: one flight per hash, callers share the result.
func (c *cache) load(ctx context.Context, hash string) (persistence.SchemaDefinition, error) {
	v, err, _ := c.flight.Do(hash, func() (any, error) {
		def, err := c.loader.Get(ctx, hash)
		switch {
		case err == nil:
			c.storePositive(hash, def)
			return def, nil
		case errors.Is(err, persistence.ErrSchemaNotFound):
			c.storeNegative(hash)
			return nil, err
		default:
			c.evict(hash)
			return nil, err
		}
	})
	if err != nil {
		return persistence.SchemaDefinition{}, err
	}
	return v.(persistence.SchemaDefinition), nil
}

// refresh revalidates one stale entry. Failure keeps serving the stale value
// and pushes the expiry out one retry interval rather than evicting.
func (c *cache) refresh(hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	def, err := c.loader.Get(ctx, hash)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return
	}
	e.refreshing = false

	if err != nil {
		if errors.Is(err, persistence.ErrSchemaNotFound) {
			c.setNegativeLocked(hash)
			return
		}
		postpone := c.cfg.RefreshInterval
		if c.cfg.TTL > 0 && c.cfg.TTL < postpone {
			postpone = c.cfg.TTL
		}
		deadline := c.now().Add(postpone)
		e.expiresAt = deadline
		e.refreshAt = deadline
		return
	}

	c.setPositiveLocked(hash, def)
}

// Run refreshes due entries on a timer until the context ends.
func (c *cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, hash := range c.due() {
				c.refresh(hash)
			}
		}
	}
}

// due collects positive entries past refreshAt, marking them refreshing so
// concurrent lookups do not double-trigger.
func (c *cache) due() []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var hashes []string
	for hash, e := range c.entries {
		if e.negative || e.refreshing || now.Before(e.refreshAt) {
			continue
		}
		e.refreshing = true
		hashes = append(hashes, hash)
	}
	return hashes
}

// Put replaces whatever the cache holds for the hash, used after a successful
// registration so readers see the new definition immediately.
func (c *cache) Put(hash string, def persistence.SchemaDefinition) {
	c.storePositive(hash, def)
}

func (c *cache) storePositive(hash string, def persistence.SchemaDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setPositiveLocked(hash, def)
}

func (c *cache) setPositiveLocked(hash string, def persistence.SchemaDefinition) {
	now := c.now()
	expiresAt := now.Add(c.cfg.TTL)
	refreshAt := expiresAt.Add(-c.cfg.RefreshAhead)
	if refreshAt.Before(now) {
		refreshAt = now
	}
	c.entries[hash] = &entry{
		value:     def,
		expiresAt: expiresAt,
		refreshAt: refreshAt,
	}
}

func (c *cache) storeNegative(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setNegativeLocked(hash)
}

func (c *cache) setNegativeLocked(hash string) {
	if c.cfg.NegativeTTL <= 0 {
		delete(c.entries, hash)
		return
	}
	c.entries[hash] = &entry{
		negative:  true,
		expiresAt: c.now().Add(c.cfg.NegativeTTL),
	}
}

func (c *cache) evict(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
}

func (c *cache) countHit(kind string) {
	if c.metrics != nil {
		c.metrics.SchemaCacheHits.WithLabelValues(kind).Inc()
	}
}

func (c *cache) countMiss(reason string) {
	if c.metrics != nil {
		c.metrics.SchemaCacheMisses.WithLabelValues(reason).Inc()
	}
}
