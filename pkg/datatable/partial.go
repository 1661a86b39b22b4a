// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package datatable

import (
	"fmt"
	"slices"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Completed is an event whose halves have both arrived and whose context
// resolves to a known device. Enqueue.CallSite is a global site index.
type Completed[T any] struct {
	Thread     perfdata.ThreadKey
	Enqueue    blob.Enqueue
	Completion T
	Device     int
}

type partialEvent[T any] struct {
	enqueue    *blob.Enqueue
	completion *T
	thread     perfdata.ThreadKey
}

// PartialTable holds the enqueue and completion halves of one kind of
// event for a single process until the event can be completed. It is
// accessed by one goroutine at a time.
type PartialTable[T any] struct {
	contexts  map[perfdata.Handle]uint32
	devices   map[uint32]int
	pending   map[perfdata.CorrelationID]*partialEvent[T]
	byContext map[perfdata.Handle][]perfdata.CorrelationID
}

func NewPartialTable[T any]() *PartialTable[T] {
	return &PartialTable[T]{
		contexts:  make(map[perfdata.Handle]uint32),
		devices:   make(map[uint32]int),
		pending:   make(map[perfdata.CorrelationID]*partialEvent[T]),
		byContext: make(map[perfdata.Handle][]perfdata.CorrelationID),
	}
}

// Pending returns the number of correlations still waiting for a half or
// for their context's device.
func (p *PartialTable[T]) Pending() int {
	return len(p.pending)
}

// AddContext binds context to deviceID and completes whatever was waiting
// on it.
func (p *PartialTable[T]) AddContext(context perfdata.Handle, deviceID uint32) ([]Completed[T], error) {
	if existing, ok := p.contexts[context]; ok {
		if existing != deviceID {
			return nil, fmt.Errorf("context %s on device %d, previously %d: %w",
				context, deviceID, existing, ErrContextConflict)
		}
		return nil, nil
	}
	p.contexts[context] = deviceID
	return p.completeContext(context), nil
}

// AddDevice binds deviceID to a global device index and completes whatever
// was waiting on it.
func (p *PartialTable[T]) AddDevice(deviceID uint32, index int) []Completed[T] {
	if _, ok := p.devices[deviceID]; ok {
		return nil
	}
	p.devices[deviceID] = index

	var out []Completed[T]
	for context, id := range p.contexts {
		if id == deviceID {
			out = append(out, p.completeContext(context)...)
		}
	}
	return out
}

// AddEnqueued stores the enqueue half of correlation, issued by thread.
func (p *PartialTable[T]) AddEnqueued(correlation perfdata.CorrelationID, enqueue blob.Enqueue,
	context perfdata.Handle, thread perfdata.ThreadKey) ([]Completed[T], error) {
	ev := p.event(correlation)
	if ev.enqueue != nil {
		return nil, fmt.Errorf("correlation %d: %w", correlation, ErrDuplicateEnqueue)
	}
	enqueue.Context = context
	ev.enqueue = &enqueue
	ev.thread = thread
	p.byContext[context] = append(p.byContext[context], correlation)
	return p.complete(correlation), nil
}

// AddCompleted stores the completion half of correlation.
func (p *PartialTable[T]) AddCompleted(correlation perfdata.CorrelationID, completion T) ([]Completed[T], error) {
	ev := p.event(correlation)
	if ev.completion != nil {
		return nil, fmt.Errorf("correlation %d: %w", correlation, ErrDuplicateCompletion)
	}
	ev.completion = &completion
	return p.complete(correlation), nil
}

func (p *PartialTable[T]) event(correlation perfdata.CorrelationID) *partialEvent[T] {
	ev, ok := p.pending[correlation]
	if !ok {
		ev = &partialEvent[T]{}
		p.pending[correlation] = ev
	}
	return ev
}

func (p *PartialTable[T]) completeContext(context perfdata.Handle) []Completed[T] {
	var out []Completed[T]
	for _, correlation := range slices.Clone(p.byContext[context]) {
		out = append(out, p.complete(correlation)...)
	}
	return out
}

// complete returns the completed event for correlation when every piece is
// present, and forgets the correlation.
func (p *PartialTable[T]) complete(correlation perfdata.CorrelationID) []Completed[T] {
	ev, ok := p.pending[correlation]
	if !ok || ev.enqueue == nil || ev.completion == nil {
		return nil
	}
	deviceID, ok := p.contexts[ev.enqueue.Context]
	if !ok {
		return nil
	}
	device, ok := p.devices[deviceID]
	if !ok {
		return nil
	}

	delete(p.pending, correlation)
	context := ev.enqueue.Context
	p.byContext[context] = slices.DeleteFunc(p.byContext[context], func(c perfdata.CorrelationID) bool {
		return c == correlation
	})
	if len(p.byContext[context]) == 0 {
		delete(p.byContext, context)
	}

	return []Completed[T]{{
		Thread:     ev.thread,
		Enqueue:    *ev.enqueue,
		Completion: *ev.completion,
		Device:     device,
	}}
}
