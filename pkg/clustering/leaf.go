// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package clustering groups threads with similar performance across a
// tree of aggregation nodes. Leaves turn each thread's data into feature
// vectors, intermediate nodes merge and cluster the resulting states, and
// the root picks one representative thread per cluster and forwards only
// the representatives' data downstream.
package clustering

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/perfdata"
	"github.com/antimetal/gpuperf/pkg/symtab"
)

type options struct {
	logger    logr.Logger
	stats     *Stats
	extractor FeatureExtractor
	predicate Predicate
	spaces    symtab.AddressSpaces
	blobOpts  []blob.BuilderOption
}

type Option func(*options)

func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithStats(stats *Stats) Option {
	return func(o *options) {
		o.stats = stats
	}
}

// WithExtractor sets how a leaf derives feature vectors. The default is
// GPUFingerprint.
func WithExtractor(extractor FeatureExtractor) Option {
	return func(o *options) {
		o.extractor = extractor
	}
}

// WithPredicate sets which states the root keeps. The default keeps all.
func WithPredicate(predicate Predicate) Option {
	return func(o *options) {
		o.predicate = predicate
	}
}

// WithAddressSpaces sets where the root finds the linked objects of
// representative threads.
func WithAddressSpaces(spaces symtab.AddressSpaces) Option {
	return func(o *options) {
		o.spaces = spaces
	}
}

// WithBlobOptions sets the builder options a leaf uses when it emits a
// thread's data.
func WithBlobOptions(opts ...blob.BuilderOption) Option {
	return func(o *options) {
		o.blobOpts = opts
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:    logr.Discard(),
		extractor: GPUFingerprint{},
		predicate: AcceptAll,
		spaces:    symtab.NewStaticAddressSpaces(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Leaf publishes the threads of one Data Table and answers requests for
// their performance data.
type Leaf struct {
	options
	rank  uint32
	table *datatable.Table
	up    SendFunc
	uids  map[perfdata.ThreadUID]perfdata.ThreadName
}

// NewLeaf returns the leaf of rank, which numbers the ThreadUIDs it
// assigns. Ranks must be unique within a tree.
func NewLeaf(rank uint32, table *datatable.Table, up SendFunc, opts ...Option) *Leaf {
	o := newOptions(opts)
	o.logger = o.logger.WithName("clustering.leaf").WithValues("rank", rank)
	return &Leaf{
		options: o,
		rank:    rank,
		table:   table,
		up:      up,
		uids:    make(map[perfdata.ThreadUID]perfdata.ThreadName),
	}
}

// Publish sends one singleton state per feature-vector name, followed by
// the leaf's thread table.
func (l *Leaf) Publish() error {
	var (
		threads ThreadTable
		states  = make(map[string]*State)
		order   []string
		next    uint32
	)
	for _, name := range l.table.Threads() {
		uid := perfdata.NewThreadUID(l.rank, next)
		next++
		l.uids[uid] = name
		threads.UIDs = append(threads.UIDs, uid)
		threads.Names = append(threads.Names, name)

		vectors, err := l.extractor.Extract(l.table, name)
		if err != nil {
			return fmt.Errorf("failed to extract features of %s: %w", name, err)
		}
		for _, v := range vectors {
			s, ok := states[v.Name]
			if !ok {
				s = NewState(v.Name)
				states[v.Name] = s
				order = append(order, v.Name)
			}
			if err := s.Add(v, uid); err != nil {
				return fmt.Errorf("thread %s: %w", name, err)
			}
		}
	}

	for _, name := range order {
		if err := l.up(Packet{Tag: TagState, Payload: states[name].Marshal()}); err != nil {
			return fmt.Errorf("failed to send state %q: %w", name, err)
		}
	}
	l.logger.V(1).Info("published", "threads", len(threads.UIDs), "states", len(order))
	if err := l.up(Packet{Tag: TagThreadTable, Payload: threads.Marshal()}); err != nil {
		return fmt.Errorf("failed to send thread table: %w", err)
	}
	return nil
}

// HandleDown handles a packet from the parent. Requests for threads held
// by other leaves are ignored.
func (l *Leaf) HandleDown(p Packet) {
	if err := l.handleDown(p); err != nil {
		l.stats.packetDropped(p.Tag)
		l.logger.Error(err, "dropping packet", "tag", p.Tag.String())
	}
}

func (l *Leaf) handleDown(p Packet) error {
	if p.Tag != TagEmitPerformanceData {
		return nil
	}
	uid, err := unmarshalUID(p.Payload)
	if err != nil {
		return err
	}
	name, ok := l.uids[uid]
	if !ok {
		return nil
	}

	l.logger.V(1).Info("emitting performance data", "uid", uid.String(), "thread", name.String())
	emitErr := l.table.VisitBlobs(name, func(b *blob.Blob) error {
		data, err := blob.Marshal(b)
		if err != nil {
			return err
		}
		return l.up(Packet{Tag: TagPerformanceData, Payload: data})
	}, l.blobOpts...)

	// The root counts completions, so one is sent even for a partial emit.
	if err := l.up(Packet{Tag: TagEmitComplete, Payload: marshalUID(uid)}); err != nil {
		return err
	}
	if emitErr != nil {
		return fmt.Errorf("failed to emit thread %s: %w", name, emitErr)
	}
	return nil
}
