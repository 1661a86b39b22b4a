// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tree

import "sync"

// mailbox is an unbounded single-reader queue. Put never blocks, so a
// node handler can send to its parent or children while they are busy
// sending to it.
type mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}

	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox[T]) Put(v T) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Out delivers values in Put order. It closes after Close.
func (m *mailbox[T]) Out() <-chan T {
	return m.out
}

// Close discards anything still queued.
func (m *mailbox[T]) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		var zero T
		v := m.queue[0]
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}
