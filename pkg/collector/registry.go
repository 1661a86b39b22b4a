// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

const (
	MaxContexts = 32
	MaxStreams  = 1024
)

var (
	ErrRegistryFull     = errors.New("registry full")
	ErrRegistryConflict = errors.New("handle changed for id")
	ErrRegistryMiss     = errors.New("not registered")
)

// Registry maps the numeric IDs the profiling API assigns to contexts or
// streams onto their driver handles, in both directions. It holds at most
// a fixed number of entries and is safe for concurrent use.
type Registry struct {
	name     string
	capacity int

	mu       sync.Mutex
	byID     map[uint32]perfdata.Handle
	byHandle map[perfdata.Handle]uint32
}

func NewRegistry(name string, capacity int) *Registry {
	return &Registry{
		name:     name,
		capacity: capacity,
		byID:     make(map[uint32]perfdata.Handle),
		byHandle: make(map[perfdata.Handle]uint32),
	}
}

// Add records that id names handle. Adding the same pair again is a no-op.
func (r *Registry) Add(id uint32, handle perfdata.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok {
		if existing != handle {
			return fmt.Errorf("%s %d: %s, previously %s: %w", r.name, id, handle, existing, ErrRegistryConflict)
		}
		return nil
	}
	if len(r.byID) >= r.capacity {
		return fmt.Errorf("%s registry holds %d entries: %w", r.name, r.capacity, ErrRegistryFull)
	}
	r.byID[id] = handle
	r.byHandle[handle] = id
	return nil
}

// Remove forgets handle.
func (r *Registry) Remove(handle perfdata.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byHandle[handle]; ok {
		delete(r.byHandle, handle)
		delete(r.byID, id)
	}
}

func (r *Registry) LookupID(handle perfdata.Handle) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHandle[handle]
	if !ok {
		return 0, fmt.Errorf("%s %s: %w", r.name, handle, ErrRegistryMiss)
	}
	return id, nil
}

func (r *Registry) LookupHandle(id uint32) (perfdata.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("%s %d: %w", r.name, id, ErrRegistryMiss)
	}
	return handle, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
