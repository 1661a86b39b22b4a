// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tree runs the clustering protocol over an in-process tree. Every
// node is a goroutine; nodes talk through unbounded mailboxes and a parent
// reads its children through a merger.
package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/antimetal/gpuperf/pkg/clustering"
	"github.com/antimetal/gpuperf/pkg/datatable"
)

var (
	ErrNoLeaves      = errors.New("tree has no leaves")
	ErrInvalidFanout = errors.New("fanout must be 0 or at least 2")
)

type options struct {
	logger   logr.Logger
	fanout   int
	nodeOpts []clustering.Option
}

type Option func(*options)

func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFanout bounds the number of children of every node. Filter levels
// are added until the root has at most n children. Zero attaches every
// leaf to the root.
func WithFanout(n int) Option {
	return func(o *options) {
		o.fanout = n
	}
}

// WithNodeOptions sets the options passed to every leaf, filter and root.
func WithNodeOptions(opts ...clustering.Option) Option {
	return func(o *options) {
		o.nodeOpts = opts
	}
}

// link is a node's connection to its parent.
type link struct {
	up   *mailbox[clustering.Packet]
	down *mailbox[clustering.Packet]
}

func newLink() link {
	return link{up: newMailbox[clustering.Packet](), down: newMailbox[clustering.Packet]()}
}

func (l link) close() {
	l.up.Close()
	l.down.Close()
}

func (l link) sendUp(p clustering.Packet) error {
	l.up.Put(p)
	return nil
}

func broadcast(children []link) clustering.SendFunc {
	return func(p clustering.Packet) error {
		for _, c := range children {
			c.down.Put(p)
		}
		return nil
	}
}

// Run clusters the threads of tables, one leaf per table with the table's
// index as rank, and passes the root's output to out. It returns once the
// root has emitted its threads-finished record.
func Run(ctx context.Context, tables []*datatable.Table, out clustering.SendFunc, opts ...Option) error {
	o := options{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.WithName("tree")
	if len(tables) == 0 {
		return ErrNoLeaves
	}
	if o.fanout < 0 || o.fanout == 1 {
		return fmt.Errorf("%w, got %d", ErrInvalidFanout, o.fanout)
	}

	ctx, finished := context.WithCancel(ctx)
	defer finished()
	g, ctx := errgroup.WithContext(ctx)

	var links []link
	defer func() {
		for _, l := range links {
			l.close()
		}
	}()

	level := make([]link, len(tables))
	for i, table := range tables {
		l := newLink()
		links = append(links, l)
		level[i] = l
		leaf := clustering.NewLeaf(uint32(i), table, l.sendUp, o.nodeOpts...)
		g.Go(func() error {
			return runLeaf(ctx, leaf, l)
		})
	}

	filters := 0
	for o.fanout > 0 && len(level) > o.fanout {
		var next []link
		for children := range chunk(level, o.fanout) {
			l := newLink()
			links = append(links, l)
			next = append(next, l)
			filter := clustering.NewFilter(len(children), l.sendUp, broadcast(children), o.nodeOpts...)
			in := fanIn(children)
			filters++
			g.Go(func() error {
				defer in.Close()
				return runFilter(ctx, filter, in, l)
			})
		}
		level = next
	}
	logger.V(1).Info("tree built", "leaves", len(tables), "filters", filters, "root_children", len(level))

	root := clustering.NewRoot(len(level), broadcast(level), out, o.nodeOpts...)
	in := fanIn(level)
	g.Go(func() error {
		defer in.Close()
		if err := runRoot(ctx, root, in); err != nil {
			return err
		}
		finished()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("clustering tree: %w", err)
	}
	logger.Info("clustering tree finished", "leaves", len(tables))
	return nil
}

func chunk(links []link, n int) func(func([]link) bool) {
	return func(yield func([]link) bool) {
		for len(links) > 0 {
			size := min(n, len(links))
			if !yield(links[:size]) {
				return
			}
			links = links[size:]
		}
	}
}

func fanIn(children []link) *merger[clustering.Packet] {
	inputs := make([]<-chan clustering.Packet, len(children))
	for i, c := range children {
		inputs[i] = c.up.Out()
	}
	return newMerger(inputs...)
}

func runLeaf(ctx context.Context, leaf *clustering.Leaf, l link) error {
	if err := leaf.Publish(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-l.down.Out():
			if !ok {
				return nil
			}
			leaf.HandleDown(p)
		}
	}
}

func runFilter(ctx context.Context, filter *clustering.Filter, in *merger[clustering.Packet], l link) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-in.Out():
			if !ok {
				return nil
			}
			filter.HandleUp(p)
		case p, ok := <-l.down.Out():
			if !ok {
				return nil
			}
			filter.HandleDown(p)
		}
	}
}

func runRoot(ctx context.Context, root *clustering.Root, in *merger[clustering.Packet]) error {
	for !root.Finished() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in.Out():
			if !ok {
				return errors.New("children closed before the root finished")
			}
			root.HandleUp(p)
		}
	}
	return nil
}
