// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyze

import (
	"fmt"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/clustering"
	"github.com/antimetal/gpuperf/pkg/collector"
	"github.com/antimetal/gpuperf/pkg/perfdata"
	"github.com/antimetal/gpuperf/pkg/symtab"
)

// emitter turns the root's output packets back into collector records for
// sink and keeps the side objects for the summary and profiles.
type emitter struct {
	sink collector.Sink

	attached  []perfdata.ThreadName
	addresses *symtab.AddressBuffer
	objects   map[perfdata.ThreadKey]symtab.LinkedObjectGroup
	criteria  []clustering.Criterion
	blobs     int
	finished  bool
	err       error
}

func newEmitter(sink collector.Sink) *emitter {
	return &emitter{
		sink:      sink,
		addresses: symtab.NewAddressBuffer(),
		objects:   make(map[perfdata.ThreadKey]symtab.LinkedObjectGroup),
	}
}

// send is the root's output function. The first error is kept: the root
// only logs what its output function returns.
func (e *emitter) send(p clustering.Packet) error {
	err := e.handle(p)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("%s packet: %w", p.Tag, err)
	}
	return err
}

func (e *emitter) handle(p clustering.Packet) error {
	switch p.Tag {
	case clustering.TagAttachedToThreads:
		threads, err := clustering.UnmarshalThreadList(p.Payload)
		if err != nil {
			return err
		}
		e.attached = threads
		for _, thread := range threads {
			if err := e.sink.Attach(thread); err != nil {
				return err
			}
		}

	case clustering.TagAddressBuffer:
		buf, err := symtab.UnmarshalAddressBuffer(p.Payload)
		if err != nil {
			return err
		}
		e.addresses = buf

	case clustering.TagLinkedObjectGroup:
		group, err := symtab.UnmarshalLinkedObjectGroup(p.Payload)
		if err != nil {
			return err
		}
		e.objects[group.Thread.Key()] = group

	case clustering.TagPerformanceData:
		b, err := blob.Unmarshal(p.Payload)
		if err != nil {
			return err
		}
		e.blobs++
		return e.sink.Blob(b)

	case clustering.TagCriterion:
		c, err := clustering.UnmarshalCriterion(p.Payload)
		if err != nil {
			return err
		}
		e.criteria = append(e.criteria, c)

	case clustering.TagThreadsFinished:
		e.finished = true
		for _, thread := range e.attached {
			if err := e.sink.Terminate(thread); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unexpected packet")
	}
	return nil
}

// objectsFor returns the linked objects of thread, or nil.
func (e *emitter) objectsFor(thread perfdata.ThreadName) *symtab.LinkedObjectGroup {
	if group, ok := e.objects[thread.Key()]; ok {
		return &group
	}
	return nil
}
