// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"errors"
	"sync/atomic"
)

// ErrNotOwner is returned when a thread releases the kernel serializer it
// does not hold.
var ErrNotOwner = errors.New("kernel serializer not held by caller")

// serializer lets one kernel at a time run between its driver-API entry
// and exit. Unlike sync.Mutex it knows its owner, so a release from a
// thread that never acquired it is reported instead of corrupting state.
type serializer struct {
	sem   chan struct{}
	owner atomic.Uint64
}

func newSerializer() *serializer {
	return &serializer{sem: make(chan struct{}, 1)}
}

// Lock blocks until tid holds the serializer.
func (s *serializer) Lock(tid uint64) {
	s.sem <- struct{}{}
	s.owner.Store(tid)
}

// Unlock releases the serializer held by tid.
func (s *serializer) Unlock(tid uint64) error {
	if len(s.sem) == 0 || !s.owner.CompareAndSwap(tid, 0) {
		return ErrNotOwner
	}
	<-s.sem
	return nil
}
