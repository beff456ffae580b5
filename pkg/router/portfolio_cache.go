package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/maestro/pkg/canonicalize"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

const defaultPortfolioTTL = 60 * time.Second

// CacheBackend stores one recommendation per signature.
type CacheBackend interface {
	Get(ctx context.Context, signature string) (*Recommendation, bool)
	Set(ctx context.Context, signature string, rec *Recommendation, ttl time.Duration)
}

// PortfolioCache memoises recommendations by input signature: registry
// ids+status, trust snapshot, and the variance tracker version. A changed
// input changes the signature, so stale recommendations simply miss.
type PortfolioCache struct {
	builder  *Builder
	tracker  *trust.Tracker
	variance *trust.VarianceTracker
	backend  CacheBackend
	ttl      time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu           sync.Mutex
	forceRefresh bool
	inflight     map[string]*inflightBuild
}

type inflightBuild struct {
	done chan struct{}
	rec  *Recommendation
}

func NewPortfolioCache(builder *Builder, tracker *trust.Tracker, variance *trust.VarianceTracker) *PortfolioCache {
	return &PortfolioCache{
		builder:  builder,
		tracker:  tracker,
		variance: variance,
		backend:  newMemoryBackend(),
		ttl:      defaultPortfolioTTL,
		clock:    time.Now,
		logger:   slog.Default().With("component", "portfolio-cache"),
		inflight: make(map[string]*inflightBuild),
	}
}

// WithBackend swaps the storage backend (memory by default, Redis optional).
func (c *PortfolioCache) WithBackend(b CacheBackend) *PortfolioCache {
	c.backend = b
	return c
}

// WithTTL overrides the default 60 s entry lifetime.
func (c *PortfolioCache) WithTTL(ttl time.Duration) *PortfolioCache {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// SetForceRefreshNext makes the next Get rebuild regardless of cache state.
func (c *PortfolioCache) SetForceRefreshNext() {
	c.mu.Lock()
	c.forceRefresh = true
	c.mu.Unlock()
}

// Signature hashes the cache inputs canonically.
func (c *PortfolioCache) Signature(models []modelhr.RegistryEntry) string {
	type modelKey struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	keys := make([]modelKey, 0, len(models))
	for i := range models {
		keys = append(keys, modelKey{ID: models[i].ID, Status: string(models[i].Identity.Status)})
	}
	sig, err := canonicalize.ShortHash(map[string]any{
		"models":          keys,
		"trust":           c.tracker.Snapshot(),
		"varianceVersion": c.variance.Version(),
	})
	if err != nil {
		return "unhashable"
	}
	return sig
}

// Get returns the cached recommendation for the current inputs, building it
// at most once per signature even under concurrent callers.
func (c *PortfolioCache) Get(ctx context.Context, models []modelhr.RegistryEntry, cfg BuilderConfig) *Recommendation {
	sig := c.Signature(models)

	c.mu.Lock()
	force := c.forceRefresh
	c.forceRefresh = false
	if !force {
		if rec, ok := c.backend.Get(ctx, sig); ok {
			c.mu.Unlock()
			return rec
		}
	}
	if fl, ok := c.inflight[sig]; ok && !force {
		c.mu.Unlock()
		<-fl.done
		return fl.rec
	}
	fl := &inflightBuild{done: make(chan struct{})}
	c.inflight[sig] = fl
	c.mu.Unlock()

	rec := c.builder.Build(models, cfg)
	if rec != nil {
		rec.GeneratedAtISO = c.clock().UTC().Format(time.RFC3339)
		rec.Signature = sig
		c.backend.Set(ctx, sig, rec, c.ttl)
	}

	c.mu.Lock()
	fl.rec = rec
	delete(c.inflight, sig)
	c.mu.Unlock()
	close(fl.done)
	return rec
}

// memoryBackend is the default in-process cache.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	rec     *Recommendation
	expires time.Time
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]memoryEntry), clock: time.Now}
}

func (m *memoryBackend) Get(_ context.Context, signature string) (*Recommendation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[signature]
	if !ok || m.clock().After(e.expires) {
		return nil, false
	}
	return e.rec, true
}

func (m *memoryBackend) Set(_ context.Context, signature string, rec *Recommendation, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[signature] = memoryEntry{rec: rec, expires: m.clock().Add(ttl)}
}

// RedisBackend shares the portfolio cache across processes.
type RedisBackend struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBackend(addr string) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: slog.Default().With("component", "portfolio-cache.redis"),
	}
}

func (r *RedisBackend) Get(ctx context.Context, signature string) (*Recommendation, bool) {
	raw, err := r.client.Get(ctx, "portfolio:"+signature).Result()
	if err != nil {
		if err != redis.Nil { //nolint:errorlint // go-redis returns the sentinel directly
			r.logger.Warn("portfolio cache read failed", "error", err)
		}
		return nil, false
	}
	var rec Recommendation
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (r *RedisBackend) Set(ctx context.Context, signature string, rec *Recommendation, ttl time.Duration) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, "portfolio:"+signature, raw, ttl).Err(); err != nil {
		r.logger.Warn("portfolio cache write failed", "error", err)
	}
}
