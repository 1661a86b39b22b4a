// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package datatable

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Timing is the "when" half of an event.
type Timing struct {
	Correlation perfdata.CorrelationID
	TimeEnqueue perfdata.Time
	TimeBegin   perfdata.Time
	TimeEnd     perfdata.Time
}

// Interval returns [TimeBegin, TimeEnd).
func (t Timing) Interval() perfdata.TimeInterval {
	return perfdata.TimeInterval{Begin: t.TimeBegin, End: t.TimeEnd}
}

// Span returns the interval from enqueue to completion.
func (t Timing) Span() perfdata.TimeInterval {
	return perfdata.TimeInterval{Begin: min(t.TimeEnqueue, t.TimeBegin), End: t.TimeEnd}
}

// Instance is one occurrence of an event class.
type Instance struct {
	Class uint32
	Timing
}

// EventTable splits the events of one kind for one thread into immutable
// classes, holding every "what" field, and instances, holding the timing.
// C is the class tuple. A table is not safe for concurrent use, including
// concurrent visits.
type EventTable[C comparable] struct {
	classes []C
	uids    map[C]uint32
	// external class uid -> internal class uid, for imported classes
	remap map[uint32]uint32

	// sorted by (TimeBegin, TimeEnd) unless unsorted is set
	instances []Instance
	unsorted  bool
	// widest instance interval, bounds how far back a query must look
	maxWidth uint64

	contexts  map[perfdata.Handle]struct{}
	contextOf func(C) perfdata.Handle
}

// NewEventTable returns an empty table. contextOf extracts the driver
// context from a class tuple.
func NewEventTable[C comparable](contextOf func(C) perfdata.Handle) *EventTable[C] {
	return &EventTable[C]{
		uids:      make(map[C]uint32),
		remap:     make(map[uint32]uint32),
		contexts:  make(map[perfdata.Handle]struct{}),
		contextOf: contextOf,
	}
}

// Len returns the number of instances.
func (t *EventTable[C]) Len() int {
	return len(t.instances)
}

// NumClasses returns the number of distinct classes.
func (t *EventTable[C]) NumClasses() int {
	return len(t.classes)
}

// Canonicalize returns the uid of class, assigning the next uid when the
// tuple has not been seen.
func (t *EventTable[C]) Canonicalize(class C) uint32 {
	if uid, ok := t.uids[class]; ok {
		return uid
	}
	uid := uint32(len(t.classes))
	t.classes = append(t.classes, class)
	t.uids[class] = uid
	t.contexts[t.contextOf(class)] = struct{}{}
	return uid
}

// Add records one completed event.
func (t *EventTable[C]) Add(class C, timing Timing) uint32 {
	uid := t.Canonicalize(class)
	t.insert(Instance{Class: uid, Timing: timing})
	return uid
}

// ImportClass canonicalizes a class that carried uid external in a
// replayed stream.
func (t *EventTable[C]) ImportClass(external uint32, class C) uint32 {
	uid := t.Canonicalize(class)
	t.remap[external] = uid
	return uid
}

// ImportInstance records an instance whose class was imported under the
// external uid.
func (t *EventTable[C]) ImportInstance(external uint32, timing Timing) error {
	uid, ok := t.remap[external]
	if !ok {
		return fmt.Errorf("class uid %d: %w", external, ErrUnknownClass)
	}
	t.insert(Instance{Class: uid, Timing: timing})
	return nil
}

// Class returns the tuple of a class uid.
func (t *EventTable[C]) Class(uid uint32) (C, bool) {
	if int(uid) >= len(t.classes) {
		var zero C
		return zero, false
	}
	return t.classes[uid], true
}

func (t *EventTable[C]) insert(inst Instance) {
	if n := len(t.instances); n > 0 && compareInstances(t.instances[n-1], inst) > 0 {
		t.unsorted = true
	}
	t.instances = append(t.instances, inst)
	t.maxWidth = max(t.maxWidth, inst.Interval().Width())
}

func compareInstances(a, b Instance) int {
	if c := cmp.Compare(a.TimeBegin, b.TimeBegin); c != 0 {
		return c
	}
	return cmp.Compare(a.TimeEnd, b.TimeEnd)
}

// order sorts instances appended out of order. Equal intervals keep their
// insertion order.
func (t *EventTable[C]) order() {
	if !t.unsorted {
		return
	}
	slices.SortStableFunc(t.instances, compareInstances)
	t.unsorted = false
}

// Visit calls fn for every instance whose [TimeBegin, TimeEnd) intersects
// interval, in ascending begin order. It stops early and returns false
// when fn returns false.
func (t *EventTable[C]) Visit(interval perfdata.TimeInterval, fn func(C, Instance) bool) bool {
	if interval.Empty() {
		return true
	}
	t.order()
	// An instance starting at or before interval.Begin-maxWidth ends
	// before interval.Begin.
	var floor perfdata.Time
	if uint64(interval.Begin) > t.maxWidth {
		floor = interval.Begin - perfdata.Time(t.maxWidth)
	}
	start := sort.Search(len(t.instances), func(i int) bool {
		return t.instances[i].TimeBegin > floor || (floor == 0 && t.instances[i].TimeBegin == 0)
	})
	for _, inst := range t.instances[start:] {
		if inst.TimeBegin >= interval.End {
			break
		}
		if !inst.Interval().Intersects(interval) {
			continue
		}
		if !fn(t.classes[inst.Class], inst) {
			return false
		}
	}
	return true
}

// VisitClasses calls fn for every class in uid order.
func (t *EventTable[C]) VisitClasses(fn func(uint32, C) bool) bool {
	for uid, class := range t.classes {
		if !fn(uint32(uid), class) {
			return false
		}
	}
	return true
}

// VisitInstances calls fn for every instance, including empty-interval
// ones, in ascending begin order.
func (t *EventTable[C]) VisitInstances(fn func(Instance) bool) bool {
	t.order()
	for _, inst := range t.instances {
		if !fn(inst) {
			return false
		}
	}
	return true
}

// Contexts returns the driver contexts observed in any class.
func (t *EventTable[C]) Contexts() []perfdata.Handle {
	out := make([]perfdata.Handle, 0, len(t.contexts))
	for c := range t.contexts {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
