// Package registry implements a generic process-wide name registry: a
// unique name -> handle map plus a handle -> true membership set,
// maintained in lockstep, with duplicate names rejected at insertion.
//
// The reference re-initializes these maps in the child after fork()
// (atfork_child) so an inherited, possibly-locked mutex never wedges a
// forked child. Go programs don't fork with threads running, so the
// Go analogue is ResetForTest: the same "rebuild the map from a clean
// slate" operation, exposed for test isolation instead of post-fork
// recovery.
package registry

import (
	"sync"

	"github.com/lagopus-project/pipeline-runtime/pkg/lgresult"
)

// Registry is a generic named-handle registry, safe for concurrent use.
type Registry[T any] struct {
	mu      sync.RWMutex
	byName  map[string]T
	members map[any]struct{}
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		byName:  make(map[string]T),
		members: make(map[any]struct{}),
	}
}

// Register inserts name -> handle, keyed also for membership by
// identity. It fails with ErrAlreadyExists if name is already taken.
func (r *Registry[T]) Register(name string, handle T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return lgresult.ErrAlreadyExists
	}
	r.byName[name] = handle
	r.members[identity(handle)] = struct{}{}
	return nil
}

// Unregister removes name from the registry, if present.
func (r *Registry[T]) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle, ok := r.byName[name]; ok {
		delete(r.members, identity(handle))
		delete(r.byName, name)
	}
}

// Find looks a handle up by name.
func (r *Registry[T]) Find(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.byName[name]
	if !ok {
		var zero T
		return zero, lgresult.ErrNotFound
	}
	return handle, nil
}

// IsMember reports whether handle is currently registered under any
// name.
func (r *Registry[T]) IsMember(handle T) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[identity(handle)]
	return ok
}

// Names returns a snapshot of every registered name.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// ResetForTest discards every entry. Test scaffolding only — see the
// package doc comment for why this replaces fork-safety here.
func (r *Registry[T]) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]T)
	r.members = make(map[any]struct{})
}

// identity returns a comparable key uniquely identifying handle. T is
// expected to be a pointer type (the registries in this module always
// hold *Stage), so the pointer itself is the identity.
func identity[T any](handle T) any {
	return handle
}
