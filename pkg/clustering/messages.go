// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"errors"
	"fmt"

	"github.com/antimetal/gpuperf/internal/wire"
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Tag identifies the payload of a Packet.
type Tag uint32

const (
	// TagThreadTable carries a ThreadTable. It is the last packet a child
	// sends before its parent may cluster.
	TagThreadTable Tag = iota + 1
	TagState
	// TagEmitPerformanceData asks the leaf holding a thread for its data.
	TagEmitPerformanceData
	// TagPerformanceData carries one marshaled blob.
	TagPerformanceData
	// TagEmitComplete follows the last blob sent for a request.
	TagEmitComplete
	TagAttachedToThreads
	TagAddressBuffer
	TagLinkedObjectGroup
	TagCriterion
	// TagThreadsFinished is always the last packet the root emits.
	TagThreadsFinished
)

func (t Tag) String() string {
	switch t {
	case TagThreadTable:
		return "thread_table"
	case TagState:
		return "state"
	case TagEmitPerformanceData:
		return "emit_performance_data"
	case TagPerformanceData:
		return "performance_data"
	case TagEmitComplete:
		return "emit_complete"
	case TagAttachedToThreads:
		return "attached_to_threads"
	case TagAddressBuffer:
		return "address_buffer"
	case TagLinkedObjectGroup:
		return "linked_object_group"
	case TagCriterion:
		return "criterion"
	case TagThreadsFinished:
		return "threads_finished"
	}
	return fmt.Sprintf("tag(%d)", uint32(t))
}

// Packet is one message on the tree transport.
type Packet struct {
	Tag     Tag
	Payload []byte
}

// SendFunc delivers a packet to the next node.
type SendFunc func(Packet) error

var ErrMalformed = errors.New("malformed clustering message")

// ThreadTable pairs the ThreadUIDs of a subtree with their names.
type ThreadTable struct {
	UIDs  []perfdata.ThreadUID
	Names []perfdata.ThreadName
}

// Thread table record:
//
//	1: uids (packed)
//	2: name (repeated, blob thread encoding)
func (t ThreadTable) Marshal() []byte {
	var e wire.Encoder
	uids := make([]uint64, len(t.UIDs))
	for i, uid := range t.UIDs {
		uids[i] = uint64(uid)
	}
	e.PackedUints(1, uids)
	for _, name := range t.Names {
		e.Message(2, func(e *wire.Encoder) {
			e.RawBytes(1, blob.EncodeThread(name))
		})
	}
	return e.Bytes()
}

func UnmarshalThreadTable(data []byte) (ThreadTable, error) {
	var t ThreadTable
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			uids, err := f.Uints()
			if err != nil {
				return err
			}
			for _, uid := range uids {
				t.UIDs = append(t.UIDs, perfdata.ThreadUID(uid))
			}
		case 2:
			name, err := decodeWrappedThread(f.Data)
			if err != nil {
				return err
			}
			t.Names = append(t.Names, name)
		}
		return nil
	})
	if err != nil {
		return ThreadTable{}, fmt.Errorf("thread table: %w", err)
	}
	if len(t.UIDs) != len(t.Names) {
		return ThreadTable{}, fmt.Errorf("thread table has %d uids and %d names: %w", len(t.UIDs), len(t.Names), ErrMalformed)
	}
	return t, nil
}

func decodeWrappedThread(data []byte) (perfdata.ThreadName, error) {
	var name perfdata.ThreadName
	err := wire.Decode(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		var err error
		name, err = blob.DecodeThread(f.Data)
		return err
	})
	return name, err
}

// State record:
//
//	1: name
//	2: naming
//	3: features {1: name (repeated)}
//	4: cluster (repeated {1: uids (packed)})
//	5: centroids (packed float, row major)
//	6: radii (packed float)
func (s *State) Marshal() []byte {
	var e wire.Encoder
	e.String(1, s.name)
	e.Uint(2, uint64(s.naming))
	e.Message(3, func(e *wire.Encoder) {
		for _, name := range s.features {
			e.Message(1, func(e *wire.Encoder) {
				e.String(1, name)
			})
		}
	})
	for _, members := range s.clusters {
		e.Message(4, func(e *wire.Encoder) {
			uids := make([]uint64, len(members))
			for i, uid := range members {
				uids[i] = uint64(uid)
			}
			e.PackedUints(1, uids)
		})
	}
	var centroids []float32
	for _, row := range s.centroids {
		for _, v := range row {
			centroids = append(centroids, float32(v))
		}
	}
	e.PackedFloats(5, centroids)
	radii := make([]float32, len(s.radii))
	for i, r := range s.radii {
		radii[i] = float32(r)
	}
	e.PackedFloats(6, radii)
	return e.Bytes()
}

func UnmarshalState(data []byte) (*State, error) {
	var (
		name      string
		naming    Naming
		features  []string
		clusters  [][]perfdata.ThreadUID
		centroids []float32
		radii     []float32
	)
	err := wire.Decode(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			name = f.String()
		case 2:
			naming = Naming(f.Scalar)
		case 3:
			err = wire.Decode(f.Data, func(f wire.Field) error {
				if f.Num != 1 {
					return nil
				}
				return wire.Decode(f.Data, func(f wire.Field) error {
					if f.Num == 1 {
						features = append(features, f.String())
					}
					return nil
				})
			})
		case 4:
			var members []perfdata.ThreadUID
			err = wire.Decode(f.Data, func(f wire.Field) error {
				if f.Num != 1 {
					return nil
				}
				uids, err := f.Uints()
				for _, uid := range uids {
					members = append(members, perfdata.ThreadUID(uid))
				}
				return err
			})
			clusters = append(clusters, members)
		case 5:
			centroids, err = f.Floats()
		case 6:
			radii, err = f.Floats()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}

	rows := len(clusters)
	if len(radii) != rows {
		return nil, fmt.Errorf("state %q has %d clusters and %d radii: %w", name, rows, len(radii), ErrMalformed)
	}
	if naming > NamingUnnamed || (naming == NamingIndeterminate && rows > 0) {
		return nil, fmt.Errorf("state %q has naming %d: %w", name, naming, ErrMalformed)
	}
	dims := len(features)
	if naming == NamingUnnamed && rows > 0 {
		dims = len(centroids) / rows
	}
	if len(centroids) != rows*dims {
		return nil, fmt.Errorf("state %q has %d centroid values for %d rows of %d: %w",
			name, len(centroids), rows, dims, ErrMalformed)
	}

	s := NewState(name)
	s.naming = naming
	for _, feature := range features {
		if _, ok := s.columns[feature]; ok {
			return nil, fmt.Errorf("state %q repeats feature %q: %w", name, feature, ErrMalformed)
		}
		s.columns[feature] = len(s.features)
		s.features = append(s.features, feature)
	}
	for i, members := range clusters {
		if len(members) == 0 {
			return nil, fmt.Errorf("state %q cluster %d is empty: %w", name, i, ErrMalformed)
		}
		row := make([]float64, dims)
		for j := range row {
			row[j] = float64(centroids[i*dims+j])
		}
		s.centroids = append(s.centroids, row)
		s.radii = append(s.radii, float64(radii[i]))
		s.clusters = append(s.clusters, members)
		for _, uid := range members {
			if _, ok := s.threads[uid]; ok {
				return nil, fmt.Errorf("state %q thread %s: %w", name, uid, ErrOverlappingThreads)
			}
			s.threads[uid] = struct{}{}
		}
	}
	return s, nil
}

// Performance data request and completion record:
//
//	1: thread uid
func marshalUID(uid perfdata.ThreadUID) []byte {
	var e wire.Encoder
	e.OptionalUint(1, (*uint64)(&uid))
	return e.Bytes()
}

func unmarshalUID(data []byte) (perfdata.ThreadUID, error) {
	var (
		uid  perfdata.ThreadUID
		seen bool
	)
	err := wire.Decode(data, func(f wire.Field) error {
		if f.Num == 1 {
			uid, seen = perfdata.ThreadUID(f.Scalar), true
		}
		return nil
	})
	if err == nil && !seen {
		err = fmt.Errorf("missing thread uid: %w", ErrMalformed)
	}
	return uid, err
}

// ThreadList names a set of threads.
type ThreadList []perfdata.ThreadName

// Thread list record:
//
//	1: thread (repeated {1: blob thread encoding})
func (l ThreadList) Marshal() []byte {
	var e wire.Encoder
	for _, name := range l {
		e.Message(1, func(e *wire.Encoder) {
			e.RawBytes(1, blob.EncodeThread(name))
		})
	}
	return e.Bytes()
}

func UnmarshalThreadList(data []byte) (ThreadList, error) {
	var l ThreadList
	err := wire.Decode(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		name, err := decodeWrappedThread(f.Data)
		l = append(l, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("thread list: %w", err)
	}
	return l, nil
}

// CriterionCluster is one surviving cluster: the thread whose data was
// forwarded and every thread it stands for.
type CriterionCluster struct {
	Representative perfdata.ThreadName
	Members        []perfdata.ThreadName
}

// Criterion records the cluster membership of one feature-vector name.
type Criterion struct {
	Name     string
	Clusters []CriterionCluster
}

// Criterion record:
//
//	1: name
//	2: cluster (repeated {1: representative, 2: members (thread list)})
func (c Criterion) Marshal() []byte {
	var e wire.Encoder
	e.String(1, c.Name)
	for _, cluster := range c.Clusters {
		e.Message(2, func(e *wire.Encoder) {
			e.Message(1, func(e *wire.Encoder) {
				e.RawBytes(1, blob.EncodeThread(cluster.Representative))
			})
			e.RawBytes(2, ThreadList(cluster.Members).Marshal())
		})
	}
	return e.Bytes()
}

func UnmarshalCriterion(data []byte) (Criterion, error) {
	var c Criterion
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			c.Name = f.String()
		case 2:
			var cluster CriterionCluster
			err := wire.Decode(f.Data, func(f wire.Field) error {
				var err error
				switch f.Num {
				case 1:
					cluster.Representative, err = decodeWrappedThread(f.Data)
				case 2:
					cluster.Members, err = UnmarshalThreadList(f.Data)
				}
				return err
			})
			if err != nil {
				return err
			}
			c.Clusters = append(c.Clusters, cluster)
		}
		return nil
	})
	if err != nil {
		return Criterion{}, fmt.Errorf("criterion: %w", err)
	}
	return c, nil
}
