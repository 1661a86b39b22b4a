// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// aggregator merges the states and thread tables of a node's children.
type aggregator struct {
	logger   logr.Logger
	stats    *Stats
	children int
	done     int
	states   map[string]*State
	order    []string
	threads  ThreadTable
	names    map[perfdata.ThreadUID]perfdata.ThreadName
}

func newAggregator(children int, logger logr.Logger, stats *Stats) aggregator {
	return aggregator{
		logger:   logger,
		stats:    stats,
		children: children,
		states:   make(map[string]*State),
		names:    make(map[perfdata.ThreadUID]perfdata.ThreadName),
	}
}

// absorb takes a State or ThreadTable from a child. complete is true once
// every child has sent its thread table.
func (a *aggregator) absorb(p Packet) (complete bool, err error) {
	switch p.Tag {
	case TagState:
		s, err := UnmarshalState(p.Payload)
		if err != nil {
			return false, err
		}
		merged, ok := a.states[s.Name()]
		if !ok {
			a.states[s.Name()] = s
			a.order = append(a.order, s.Name())
			return false, nil
		}
		if err := merged.Merge(s); err != nil {
			return false, err
		}
		a.stats.stateMerged()

	case TagThreadTable:
		if a.done == a.children {
			return false, fmt.Errorf("thread table from %d of %d children: %w", a.done+1, a.children, ErrMalformed)
		}
		t, err := UnmarshalThreadTable(p.Payload)
		if err != nil {
			return false, err
		}
		for i, uid := range t.UIDs {
			if _, ok := a.names[uid]; ok {
				return false, fmt.Errorf("thread %s: %w", uid, ErrOverlappingThreads)
			}
			a.names[uid] = t.Names[i]
		}
		a.threads.UIDs = append(a.threads.UIDs, t.UIDs...)
		a.threads.Names = append(a.threads.Names, t.Names...)
		a.done++
		return a.done == a.children, nil
	}
	return false, nil
}

// cluster runs the default algorithm on every state that qualifies.
func (a *aggregator) cluster(frontend bool) {
	for _, name := range a.order {
		s := a.states[name]
		if !ShouldCluster(s, frontend) {
			continue
		}
		res, err := Cluster(s)
		if err != nil {
			a.logger.Error(err, "clustering failed", "state", name)
		}
		a.stats.clustered(res)
		a.logger.V(1).Info("clustered", "state", name, "rows", s.Rows(),
			"folded", res.Folded, "joined", res.Joined)
	}
}

// Filter is an intermediate node. It forwards its children's merged and
// clustered states once every child has reported, and relays requests
// down and performance data up.
type Filter struct {
	aggregator
	up   SendFunc
	down SendFunc
}

func NewFilter(children int, up, down SendFunc, opts ...Option) *Filter {
	o := newOptions(opts)
	return &Filter{
		aggregator: newAggregator(children, o.logger.WithName("clustering.filter"), o.stats),
		up:         up,
		down:       down,
	}
}

// HandleUp handles a packet from a child. Packets that cannot be handled
// are logged and dropped.
func (f *Filter) HandleUp(p Packet) {
	if err := f.handleUp(p); err != nil {
		f.stats.packetDropped(p.Tag)
		f.logger.Error(err, "dropping packet", "tag", p.Tag.String())
	}
}

func (f *Filter) handleUp(p Packet) error {
	switch p.Tag {
	case TagState, TagThreadTable:
		complete, err := f.absorb(p)
		if err != nil || !complete {
			return err
		}
		f.cluster(false)
		for _, name := range f.order {
			if err := f.up(Packet{Tag: TagState, Payload: f.states[name].Marshal()}); err != nil {
				return err
			}
		}
		return f.up(Packet{Tag: TagThreadTable, Payload: f.threads.Marshal()})
	}
	return f.up(p)
}

// HandleDown relays a packet from the parent to every child.
func (f *Filter) HandleDown(p Packet) {
	if err := f.down(p); err != nil {
		f.stats.packetDropped(p.Tag)
		f.logger.Error(err, "dropping packet", "tag", p.Tag.String())
	}
}
