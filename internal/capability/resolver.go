// Package capability resolves and caches the capabilities a portal user holds
// by virtue of their roles.
package capability

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/portal/model"
)

// PolicyEvaluator maps a request context to the capabilities it grants.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error)
}

// CacheRecorder observes resolver cache behaviour.
type CacheRecorder interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type nopCacheRecorder struct{}

func (nopCacheRecorder) RecordCapabilityCacheHit()  {}
func (nopCacheRecorder) RecordCapabilityCacheMiss() {}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator  PolicyEvaluator
	ttl        time.Duration
	maxEntries int
	recorder   CacheRecorder
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxEntries bounds the cache. When full, expired entries are swept and,
// failing that, the cache is reset.
func WithMaxEntries(n int) ResolverOption {
	return func(r *Resolver) { r.maxEntries = n }
}

// WithCacheRecorder reports cache hits and misses.
func WithCacheRecorder(rec CacheRecorder) ResolverOption {
	return func(r *Resolver) { r.recorder = rec }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		recorder:  nopCacheRecorder{},
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		r.recorder.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.mu.RUnlock()
	r.recorder.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked()
	}
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

func (r *Resolver) evictLocked() {
	now := r.now()
	for key, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, key)
		}
	}
	if len(r.cache) >= r.maxEntries {
		clear(r.cache)
	}
}

// Invalidate clears cached capabilities for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
