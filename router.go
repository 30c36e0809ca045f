package dbus

import "sync"

// Router dispatches incoming messages to handlers keyed by K (spec §4.7
// "release-before-invoke" routing tables). Object's method router is
// keyed by (interface, member) within its path; signals and properties
// are not routed through a Router.
// A Router's mutex is held only while looking up or mutating the table,
// never while a handler runs, so a handler is free to install or
// uninstall routes (including its own) without deadlocking.
type Router[K comparable] struct {
	mu    sync.Mutex
	table map[K]func(*Message)
}

// NewRouter constructs an empty Router.
func NewRouter[K comparable]() *Router[K] {
	return &Router[K]{table: make(map[K]func(*Message))}
}

// InstallRoute registers handler under key, replacing any existing
// handler for that key and returning it (or nil if none existed).
func (r *Router[K]) InstallRoute(key K, handler func(*Message)) func(*Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.table[key]
	r.table[key] = handler
	return prev
}

// UninstallRoute removes the handler registered under key, if any.
func (r *Router[K]) UninstallRoute(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, key)
}

// Lookup returns the handler installed for key, and whether one exists.
func (r *Router[K]) Lookup(key K) (func(*Message), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.table[key]
	return h, ok
}

// Dispatch looks up the handler for key and, if found, invokes it with
// msg after releasing the router's lock.
func (r *Router[K]) Dispatch(key K, msg *Message) bool {
	handler, ok := r.Lookup(key)
	if !ok {
		return false
	}
	handler(msg)
	return true
}

// Keys returns a snapshot of every key currently installed.
func (r *Router[K]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]K, 0, len(r.table))
	for k := range r.table {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of installed routes.
func (r *Router[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// DispatchAllMatching invokes every handler whose key satisfies match,
// releasing the lock before invoking any of them (so handlers may freely
// install/uninstall routes, including ones not yet visited in this
// pass — such races are resolved in favor of the pre-dispatch snapshot).
func (r *Router[K]) DispatchAllMatching(match func(K) bool, msg *Message) int {
	r.mu.Lock()
	var targets []func(*Message)
	for k, h := range r.table {
		if match(k) {
			targets = append(targets, h)
		}
	}
	r.mu.Unlock()
	for _, h := range targets {
		h(msg)
	}
	return len(targets)
}
