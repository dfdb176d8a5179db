// Package querycache is an explicit query cache: each key maps to the last result of a
// record source query together with its status and the time it was stored.
//
// Concurrent fetches of the same key share a single call to the source. An optional Store
// adds a shared tier (Redis) so several dashboard processes see the same snapshot.
package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mdmview/internal/metrics"
)

const (
	defaultTTL     = 30 * time.Second
	defaultTimeout = 15 * time.Second
)

// Status is the lifecycle state of a cache entry.
type Status string

// Entry statuses.
const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is the cached state of one query key.
type Entry[T any] struct {
	UpdatedAt time.Time
	Data      T
	Err       error
	Status    Status
}

// Store is a shared byte-level tier behind the in-process map.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	store   Store
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	ttl     time.Duration
	timeout time.Duration
}

// WithTTL sets how long a successful result stays fresh. Zero or less never expires.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithTimeout bounds each call to the record source.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithStore adds a shared tier.
func WithStore(store Store) Option {
	return func(o *options) { o.store = store }
}

// WithMetrics records fetch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Cache holds query results of type T keyed by query key.
type Cache[T any] struct {
	now     func() time.Time
	store   Store
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	entries map[string]*Entry[T]
	epochs  map[string]uint64
	name    string
	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration
	mu      sync.RWMutex
}

// New creates a cache. name labels metrics and namespaces keys in the shared tier.
func New[T any](name string, opts ...Option) *Cache[T] {
	o := options{
		ttl:     defaultTTL,
		timeout: defaultTimeout,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		name:    name,
		ttl:     o.ttl,
		timeout: o.timeout,
		store:   o.store,
		metrics: o.metrics,
		log:     o.log,
		now:     time.Now,
		entries: make(map[string]*Entry[T]),
		epochs:  make(map[string]uint64),
	}
}

// Peek returns a copy of the entry for key without triggering a fetch.
func (c *Cache[T]) Peek(key string) (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry[T]{Status: StatusIdle}, false
	}
	return *e, true
}

// Fresh returns the cached data for key if it holds a successful result that has not expired.
func (c *Cache[T]) Fresh(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.Status != StatusSuccess || !c.fresh(e) {
		var zero T
		return zero, false
	}
	return e.Data, true
}

// Fetch returns fresh cached data for key or calls fn to load it.
// Concurrent callers for the same key share one call to fn. fn runs on a context detached
// from the caller's cancellation and bounded by the cache timeout, so a caller that gives up
// does not fail the others; that caller gets ctx.Err() immediately.
func (c *Cache[T]) Fetch(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if data, ok := c.Fresh(key); ok {
		c.metrics.ObserveFetch(c.name, metrics.OutcomeCached, 0)
		return data, nil
	}

	epoch := c.markLoading(key)
	resultChan := c.group.DoChan(flightKey(key, epoch), func() (any, error) {
		return c.load(ctx, key, epoch, fn)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-resultChan:
		if res.Shared {
			c.metrics.ObserveFetch(c.name, metrics.OutcomeShared, 0)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		data, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("%s query %q: unexpected result type %T", c.name, key, res.Val)
		}
		return data, nil
	}
}

// Invalidate drops key so the next Fetch reloads it. A fetch already in flight for key
// will not write its result back.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.epochs[key]++
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(ctx, c.storeKey(key)); err != nil {
			c.log.Warnf("Failed to delete %s from shared cache: %v", c.storeKey(key), err)
		}
	}
}

// InvalidatePrefix drops every key starting with prefix.
func (c *Cache[T]) InvalidatePrefix(ctx context.Context, prefix string) {
	c.mu.Lock()
	var dropped []string
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			dropped = append(dropped, key)
		}
	}
	for _, key := range dropped {
		delete(c.entries, key)
		c.epochs[key]++
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeletePrefix(ctx, c.storeKey(prefix)); err != nil {
			c.log.Warnf("Failed to delete prefix %s from shared cache: %v", c.storeKey(prefix), err)
		}
	}
}

// Len returns the number of keys held in memory.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[T]) load(ctx context.Context, key string, epoch uint64, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if data, ok := c.loadShared(fetchCtx, key); ok {
		c.settle(key, epoch, data, nil)
		c.metrics.ObserveFetch(c.name, metrics.OutcomeCached, 0)
		return data, nil
	}

	start := time.Now()
	data, err := fn(fetchCtx)
	duration := time.Since(start)
	if err != nil {
		c.metrics.ObserveFetch(c.name, metrics.OutcomeError, duration)
		err = fmt.Errorf("%s query %q failed: %w", c.name, key, err)
		c.settle(key, epoch, zero, err)
		c.log.Warnf("Query %s/%s failed in %v: %v", c.name, key, duration, err)
		return zero, err
	}

	c.metrics.ObserveFetch(c.name, metrics.OutcomeSuccess, duration)
	c.log.Debugf("Query %s/%s completed in %v", c.name, key, duration)
	if c.settle(key, epoch, data, nil) {
		c.storeShared(fetchCtx, key, data)
	}
	return data, nil
}

func (c *Cache[T]) loadShared(ctx context.Context, key string) (T, bool) {
	var data T
	if c.store == nil {
		return data, false
	}
	raw, ok, err := c.store.Get(ctx, c.storeKey(key))
	if err != nil {
		c.log.Warnf("Shared cache read for %s failed: %v", c.storeKey(key), err)
		return data, false
	}
	if !ok {
		return data, false
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		c.log.Warnf("Discarding undecodable shared cache entry %s: %v", c.storeKey(key), err)
		return data, false
	}
	return data, true
}

func (c *Cache[T]) storeShared(ctx context.Context, key string, data T) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Warnf("Failed to encode %s for shared cache: %v", c.storeKey(key), err)
		return
	}
	if err := c.store.Set(ctx, c.storeKey(key), raw, c.ttl); err != nil {
		c.log.Warnf("Shared cache write for %s failed: %v", c.storeKey(key), err)
	}
}

// markLoading flags key as loading and returns the epoch the load belongs to.
// Invalidate removes the entry and bumps the epoch, so a loading entry always has a
// flight of its own epoch that will settle it.
func (c *Cache[T]) markLoading(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &Entry[T]{}
		c.entries[key] = e
	}
	e.Status = StatusLoading
	return c.epochs[key]
}

// flightKey separates loads started before and after an invalidation of the same key.
func flightKey(key string, epoch uint64) string {
	return key + "@" + strconv.FormatUint(epoch, 10)
}

// settle stores a result unless key was invalidated after the fetch started.
func (c *Cache[T]) settle(key string, epoch uint64, data T, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[key] != epoch {
		return false
	}
	e, ok := c.entries[key]
	if !ok {
		e = &Entry[T]{}
		c.entries[key] = e
	}
	e.UpdatedAt = c.now()
	e.Err = err
	if err != nil {
		e.Status = StatusError
		return true
	}
	e.Status = StatusSuccess
	e.Data = data
	return true
}

func (c *Cache[T]) fresh(e *Entry[T]) bool {
	if c.ttl <= 0 {
		return true
	}
	return c.now().Sub(e.UpdatedAt) < c.ttl
}

func (c *Cache[T]) storeKey(key string) string {
	return c.name + ":" + key
}
