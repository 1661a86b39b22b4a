// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfdata

import (
	"fmt"
	"math"
	"sort"
)

// Address is a 64-bit virtual address within a monitored process.
type Address uint64

// Add returns a+n, saturating at the largest representable address.
func (a Address) Add(n uint64) Address {
	if uint64(a) > math.MaxUint64-n {
		return Address(math.MaxUint64)
	}
	return a + Address(n)
}

// Sub returns a-n, saturating at zero.
func (a Address) Sub(n uint64) Address {
	if uint64(a) < n {
		return 0
	}
	return a - Address(n)
}

// String formats the address with 8 hex digits when it fits in 32 bits
// and 16 hex digits otherwise.
func (a Address) String() string {
	if uint64(a) <= math.MaxUint32 {
		return fmt.Sprintf("0x%08x", uint64(a))
	}
	return fmt.Sprintf("0x%016x", uint64(a))
}

// AddressRange is the half-open range [Begin, End).
type AddressRange struct {
	Begin Address
	End   Address
}

// NewAddressRange returns the range covering the single address a.
func NewAddressRange(a Address) AddressRange {
	return AddressRange{Begin: a, End: a.Add(1)}
}

func (r AddressRange) Empty() bool {
	return r.Begin >= r.End
}

func (r AddressRange) Width() uint64 {
	if r.Empty() {
		return 0
	}
	return uint64(r.End - r.Begin)
}

func (r AddressRange) Contains(a Address) bool {
	return a >= r.Begin && a < r.End
}

// ContainsRange reports whether other lies entirely within r. An empty
// range is contained by every range.
func (r AddressRange) ContainsRange(other AddressRange) bool {
	if other.Empty() {
		return true
	}
	return other.Begin >= r.Begin && other.End <= r.End
}

func (r AddressRange) Intersects(other AddressRange) bool {
	return !r.Intersection(other).Empty()
}

func (r AddressRange) Intersection(other AddressRange) AddressRange {
	return AddressRange{Begin: max(r.Begin, other.Begin), End: min(r.End, other.End)}
}

// Union returns the smallest range covering both ranges.
func (r AddressRange) Union(other AddressRange) AddressRange {
	if r.Empty() {
		return other
	}
	if other.Empty() {
		return r
	}
	return AddressRange{Begin: min(r.Begin, other.Begin), End: max(r.End, other.End)}
}

// Extend grows the range to cover a.
func (r AddressRange) Extend(a Address) AddressRange {
	return r.Union(NewAddressRange(a))
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Begin, r.End)
}

// AddressBitmap is the wire form of a dense slice of an AddressSet. Bit i of
// Bits is set when Range.Begin+i belongs to the set.
type AddressBitmap struct {
	Range AddressRange
	Bits  []byte
}

// NewAddressBitmap returns an all-clear bitmap covering r.
func NewAddressBitmap(r AddressRange) AddressBitmap {
	return AddressBitmap{Range: r, Bits: make([]byte, (r.Width()+7)/8)}
}

func (b AddressBitmap) Get(a Address) bool {
	if !b.Range.Contains(a) {
		return false
	}
	i := uint64(a - b.Range.Begin)
	return b.Bits[i/8]&(1<<(i%8)) != 0
}

func (b AddressBitmap) Set(a Address) {
	if !b.Range.Contains(a) {
		return
	}
	i := uint64(a - b.Range.Begin)
	b.Bits[i/8] |= 1 << (i % 8)
}

// bitmapGap is the largest run of absent addresses that is still packed into
// a single bitmap rather than starting a new one.
const bitmapGap = 256

// AddressSet is a set of addresses kept as sorted, disjoint, non-adjacent
// ranges.
type AddressSet struct {
	ranges []AddressRange
}

// NewAddressSet returns a set holding the given addresses.
func NewAddressSet(addrs ...Address) *AddressSet {
	s := &AddressSet{}
	for _, a := range addrs {
		s.Insert(a)
	}
	return s
}

func (s *AddressSet) Insert(a Address) {
	s.InsertRange(NewAddressRange(a))
}

// InsertRange adds every address of r, coalescing with overlapping or
// adjacent ranges.
func (s *AddressSet) InsertRange(r AddressRange) {
	if r.Empty() {
		return
	}
	// First range whose end reaches r.Begin (adjacency counts).
	lo := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= r.Begin })
	hi := lo
	for hi < len(s.ranges) && s.ranges[hi].Begin <= r.End {
		r = r.Union(s.ranges[hi])
		hi++
	}
	s.ranges = append(s.ranges[:lo], append([]AddressRange{r}, s.ranges[hi:]...)...)
}

func (s *AddressSet) Contains(a Address) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > a })
	return i < len(s.ranges) && s.ranges[i].Contains(a)
}

func (s *AddressSet) Empty() bool {
	return len(s.ranges) == 0
}

// Len returns the number of addresses in the set.
func (s *AddressSet) Len() uint64 {
	var n uint64
	for _, r := range s.ranges {
		n += r.Width()
	}
	return n
}

// Ranges returns a copy of the set's disjoint ranges in ascending order.
func (s *AddressSet) Ranges() []AddressRange {
	return append([]AddressRange(nil), s.ranges...)
}

// Bounds returns the smallest range covering the whole set.
func (s *AddressSet) Bounds() AddressRange {
	if len(s.ranges) == 0 {
		return AddressRange{}
	}
	return AddressRange{Begin: s.ranges[0].Begin, End: s.ranges[len(s.ranges)-1].End}
}

// Merge adds every address of other.
func (s *AddressSet) Merge(other *AddressSet) {
	for _, r := range other.ranges {
		s.InsertRange(r)
	}
}

// Bitmaps converts the set to its wire form. Ranges separated by short gaps
// share a bitmap.
func (s *AddressSet) Bitmaps() []AddressBitmap {
	var (
		out   []AddressBitmap
		group []AddressRange
	)
	flush := func() {
		if len(group) == 0 {
			return
		}
		bm := NewAddressBitmap(AddressRange{Begin: group[0].Begin, End: group[len(group)-1].End})
		for _, r := range group {
			for a := r.Begin; a < r.End; a++ {
				bm.Set(a)
			}
		}
		out = append(out, bm)
		group = group[:0]
	}
	for _, r := range s.ranges {
		if len(group) > 0 && uint64(r.Begin-group[len(group)-1].End) > bitmapGap {
			flush()
		}
		group = append(group, r)
	}
	flush()
	return out
}

// AddressSetFromBitmaps rebuilds a set from its wire form.
func AddressSetFromBitmaps(bitmaps []AddressBitmap) *AddressSet {
	s := &AddressSet{}
	for _, bm := range bitmaps {
		var (
			run   AddressRange
			inRun bool
		)
		for a := bm.Range.Begin; a < bm.Range.End; a++ {
			switch {
			case bm.Get(a) && !inRun:
				run, inRun = AddressRange{Begin: a, End: a + 1}, true
			case bm.Get(a):
				run.End = a + 1
			case inRun:
				s.InsertRange(run)
				inRun = false
			}
		}
		if inRun {
			s.InsertRange(run)
		}
	}
	return s
}
