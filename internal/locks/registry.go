// Package locks provides the per-chat mutual-exclusion registry. Any
// read-then-write sequence over one chat's derived state (window stats +
// archive trigger, reset + vector clear) runs under that chat's handle;
// different chats never contend.
package locks

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultIdleCapacity bounds how many idle handles stay resident. Held
// handles are never evicted; only handles with no holders enter the LRU,
// so the same chat can never see two distinct mutexes at once.
const defaultIdleCapacity = 1024

// Registry maps chat ids to lazily created mutex handles and evicts the
// least recently used idle handle once the idle set exceeds capacity.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*handle
	idle    *lru.Cache[int64, struct{}]
}

type handle struct {
	sync.Mutex
	holders int // guarded by Registry.mu; waiters + owner
}

// NewRegistry creates a registry with the default idle capacity.
func NewRegistry() *Registry {
	return NewRegistryWithCapacity(defaultIdleCapacity)
}

// NewRegistryWithCapacity creates a registry keeping at most n idle handles.
func NewRegistryWithCapacity(n int) *Registry {
	r := &Registry{entries: make(map[int64]*handle)}
	cache, _ := lru.NewWithEvict(n, func(chatID int64, _ struct{}) {
		// Runs with r.mu held: eviction only ever happens from acquire
		// or release, both of which hold the registry lock.
		if h, ok := r.entries[chatID]; ok && h.holders == 0 {
			delete(r.entries, chatID)
		}
	})
	r.idle = cache
	return r
}

func (r *Registry) acquire(chatID int64) *handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.entries[chatID]
	if !ok {
		h = &handle{}
		r.entries[chatID] = h
	}
	h.holders++
	r.idle.Remove(chatID)
	return h
}

func (r *Registry) release(chatID int64, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h.holders--
	if h.holders == 0 {
		r.idle.Add(chatID, struct{}{})
	}
}

// Lock acquires the handle for chatID, creating it on first use.
// Release with the returned function.
func (r *Registry) Lock(chatID int64) func() {
	h := r.acquire(chatID)
	h.Lock()
	return func() {
		h.Unlock()
		r.release(chatID, h)
	}
}

// TryLock acquires the handle only if it is free. Returns a release
// function and true, or nil and false when the chat is busy.
func (r *Registry) TryLock(chatID int64) (func(), bool) {
	h := r.acquire(chatID)
	if !h.TryLock() {
		r.release(chatID, h)
		return nil, false
	}
	return func() {
		h.Unlock()
		r.release(chatID, h)
	}, true
}

// Len reports how many handles are resident (for stats/tests).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
