// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"fmt"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
	"github.com/antimetal/gpuperf/pkg/symtab"
)

// Predicate decides whether the root keeps a clustered state.
type Predicate func(*State) bool

func AcceptAll(*State) bool { return true }

// Root is the frontend node. Once every child has reported it clusters
// each state, requests the data of one representative thread per cluster
// and, when all of it has arrived, emits the representatives' data and
// the cluster membership of every kept state through out.
type Root struct {
	aggregator
	predicate Predicate
	spaces    symtab.AddressSpaces
	down      SendFunc
	out       SendFunc

	kept            []*State
	representatives [][]perfdata.ThreadUID
	requested       map[perfdata.ThreadUID]struct{}
	// requested representatives in request order
	requestOrder []perfdata.ThreadUID
	selected     bool
	answered     int
	finished     bool

	addresses *symtab.AddressBuffer
	blobs     [][]byte
}

func NewRoot(children int, down, out SendFunc, opts ...Option) *Root {
	o := newOptions(opts)
	return &Root{
		aggregator: newAggregator(children, o.logger.WithName("clustering.root"), o.stats),
		predicate:  o.predicate,
		spaces:     o.spaces,
		down:       down,
		out:        out,
		requested:  make(map[perfdata.ThreadUID]struct{}),
		addresses:  symtab.NewAddressBuffer(),
	}
}

// Finished reports whether the threads-finished record has been emitted.
func (r *Root) Finished() bool {
	return r.finished
}

// HandleUp handles a packet from a child. Packets that cannot be handled
// are logged and dropped.
func (r *Root) HandleUp(p Packet) {
	if err := r.handleUp(p); err != nil {
		r.stats.packetDropped(p.Tag)
		r.logger.Error(err, "dropping packet", "tag", p.Tag.String())
	}
}

func (r *Root) handleUp(p Packet) error {
	switch p.Tag {
	case TagState, TagThreadTable:
		complete, err := r.absorb(p)
		if err != nil || !complete {
			return err
		}
		return r.selectRepresentatives()

	case TagPerformanceData:
		b, err := blob.Unmarshal(p.Payload)
		if err != nil {
			return err
		}
		r.addresses.AddStackTraceTable(b.StackTraces)
		r.blobs = append(r.blobs, p.Payload)

	case TagEmitComplete:
		uid, err := unmarshalUID(p.Payload)
		if err != nil {
			return err
		}
		if _, ok := r.requested[uid]; !ok {
			return fmt.Errorf("completion for unrequested thread %s: %w", uid, ErrMalformed)
		}
		r.answered++
		if r.answered == len(r.requestOrder) {
			return r.finish()
		}

	default:
		return fmt.Errorf("unexpected %s packet: %w", p.Tag, ErrMalformed)
	}
	return nil
}

func (r *Root) selectRepresentatives() error {
	r.cluster(true)
	for _, name := range r.order {
		s := r.states[name]
		if !r.predicate(s) {
			r.logger.V(1).Info("state rejected", "state", name, "clusters", s.Rows())
			continue
		}
		reps := make([]perfdata.ThreadUID, s.Rows())
		for i := range s.Rows() {
			reps[i] = r.representative(s.Members(i))
			if _, ok := r.requested[reps[i]]; !ok {
				r.requested[reps[i]] = struct{}{}
				r.requestOrder = append(r.requestOrder, reps[i])
			}
		}
		r.kept = append(r.kept, s)
		r.representatives = append(r.representatives, reps)
	}
	r.selected = true
	r.logger.Info("representatives selected", "states", len(r.kept), "threads", len(r.threads.UIDs),
		"representatives", len(r.requestOrder))

	if len(r.requestOrder) == 0 {
		return r.finish()
	}
	// Completions may arrive while requests are still being sent.
	for _, uid := range r.requestOrder {
		r.stats.representativeRequested()
		if err := r.down(Packet{Tag: TagEmitPerformanceData, Payload: marshalUID(uid)}); err != nil {
			return fmt.Errorf("failed to request thread %s: %w", uid, err)
		}
	}
	return nil
}

// representative picks an already requested member when there is one and
// the lowest member otherwise. members is sorted.
func (r *Root) representative(members []perfdata.ThreadUID) perfdata.ThreadUID {
	for _, uid := range members {
		if _, ok := r.requested[uid]; ok {
			return uid
		}
	}
	return members[0]
}

func (r *Root) name(uid perfdata.ThreadUID) perfdata.ThreadName {
	name, ok := r.names[uid]
	if !ok {
		r.logger.Error(ErrMalformed, "thread missing from thread tables", "uid", uid.String())
	}
	return name
}

// finish emits everything downstream. Threads finished is always last.
func (r *Root) finish() error {
	if r.finished || !r.selected {
		return nil
	}
	r.finished = true

	send := func(tag Tag, payload []byte) error {
		if err := r.out(Packet{Tag: tag, Payload: payload}); err != nil {
			return fmt.Errorf("failed to emit %s: %w", tag, err)
		}
		return nil
	}

	if err := send(TagAttachedToThreads, ThreadList(r.threads.Names).Marshal()); err != nil {
		return err
	}
	if err := send(TagAddressBuffer, r.addresses.Marshal()); err != nil {
		return err
	}
	for _, uid := range r.requestOrder {
		group, ok := r.spaces.LinkedObjects(r.name(uid))
		if !ok {
			continue
		}
		if err := send(TagLinkedObjectGroup, group.Marshal()); err != nil {
			return err
		}
	}
	for _, b := range r.blobs {
		if err := send(TagPerformanceData, b); err != nil {
			return err
		}
	}
	for i, s := range r.kept {
		c := Criterion{Name: s.Name()}
		for j, rep := range r.representatives[i] {
			cluster := CriterionCluster{Representative: r.name(rep)}
			for _, uid := range s.Members(j) {
				cluster.Members = append(cluster.Members, r.name(uid))
			}
			c.Clusters = append(c.Clusters, cluster)
		}
		if err := send(TagCriterion, c.Marshal()); err != nil {
			return err
		}
	}
	r.logger.Info("clustering finished", "blobs", len(r.blobs), "criteria", len(r.kept))
	return send(TagThreadsFinished, nil)
}
