// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfdata

import "slices"

// StackTrace is a CPU call stack, innermost frame first.
type StackTrace []Address

func (s StackTrace) Equal(other StackTrace) bool {
	return slices.Equal(s, other)
}

// Range returns the smallest address range covering every frame.
func (s StackTrace) Range() AddressRange {
	var r AddressRange
	for _, a := range s {
		r = r.Extend(a)
	}
	return r
}

// ExtractStackTrace returns the null-terminated run starting at index of a
// packed stack-trace table. ok is false when index is out of range or the
// run is not terminated.
func ExtractStackTrace(table []Address, index uint32) (trace StackTrace, ok bool) {
	if int(index) >= len(table) {
		return nil, false
	}
	for i := int(index); i < len(table); i++ {
		if table[i] == 0 {
			return append(StackTrace(nil), table[index:i]...), true
		}
	}
	return nil, false
}
