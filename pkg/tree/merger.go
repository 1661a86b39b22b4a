// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tree

import (
	"reflect"
	"slices"
	"sync"
)

// merger fans the up channels of a node's children into one channel.
// Delivery order is preserved per input.
type merger[T any] struct {
	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

func newMerger[T any](inputs ...<-chan T) *merger[T] {
	m := &merger[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go m.run(inputs)
	return m
}

// Out closes once every input has closed or Close is called.
func (m *merger[T]) Out() <-chan T {
	return m.out
}

func (m *merger[T]) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *merger[T]) run(inputs []<-chan T) {
	defer close(m.out)

	// The last case is always done.
	cases := make([]reflect.SelectCase, 0, len(inputs)+1)
	for _, ch := range inputs {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.done)})

	for len(cases) > 1 {
		chosen, value, ok := reflect.Select(cases)
		if chosen == len(cases)-1 {
			return
		}
		if !ok {
			cases = slices.Delete(cases, chosen, chosen+1)
			continue
		}
		select {
		case m.out <- value.Interface().(T):
		case <-m.done:
			return
		}
	}
}
