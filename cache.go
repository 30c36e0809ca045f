package dbus

import (
	"sync"

	"github.com/lib-cpp/dbus-cpp-sub000/internal/event"
)

// Destroyable is implemented by cache values that expose a one-shot
// AboutToBeDestroyed event; a Cache removes a value's entry when that
// event fires.
type Destroyable interface {
	AboutToBeDestroyed() *event.Source
}

// Cache is a lifetime-constrained cache keyed by K (spec §4.10
// "Lifetime-Constrained Cache"). It holds ordinary strong references:
// an entry stays until its value's AboutToBeDestroyed event fires or
// Evict is called, and it is not removed when callers drop the
// references they obtained from it. Go has no portable generic weak
// pointer prior to 1.24's weak package, so eviction here is driven
// explicitly by the destroy event rather than GC finalizers. Object
// uses a Cache for its SignalProxies, and Object.Destroy fires their
// events through Evict; firing the event does not remove a proxy's
// subscriptions or match rules.
type Cache[K comparable, V Destroyable] struct {
	mu      sync.Mutex
	entries map[K]V
}

// NewCache constructs an empty Cache.
func NewCache[K comparable, V Destroyable]() *Cache[K, V] {
	return &Cache[K, V]{entries: make(map[K]V)}
}

// GetOrCreate returns the cached value for key, or calls create, caches,
// and subscribes to its AboutToBeDestroyed event so the entry is removed
// automatically when it fires.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	if existing, ok := c.entries[key]; ok {
		// Lost a race with a concurrent GetOrCreate; drop the value we
		// just built in favor of the one that won.
		c.mu.Unlock()
		v.AboutToBeDestroyed().Fire()
		return existing, nil
	}
	c.entries[key] = v
	c.mu.Unlock()

	v.AboutToBeDestroyed().Subscribe(func() {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && isSameValue(cur, v) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	})
	return v, nil
}

// Get returns the cached value for key, if present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Len reports the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evict forcibly removes and fires the destroy event for every cached
// value, used when the owning Object itself is torn down.
func (c *Cache[K, V]) Evict() {
	c.mu.Lock()
	values := make([]V, 0, len(c.entries))
	for _, v := range c.entries {
		values = append(values, v)
	}
	c.entries = make(map[K]V)
	c.mu.Unlock()
	for _, v := range values {
		v.AboutToBeDestroyed().Fire()
	}
}

func isSameValue[V any](a, b V) bool {
	return any(a) == any(b)
}
