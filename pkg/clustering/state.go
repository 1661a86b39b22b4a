// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

var (
	ErrNameMismatch       = errors.New("feature vector names differ")
	ErrOverlappingThreads = errors.New("thread already clustered")
	ErrNamingMismatch     = errors.New("named and unnamed features mixed")
	ErrDimensionMismatch  = errors.New("feature dimensions differ")
	ErrInvalidJoin        = errors.New("invalid join")
)

// Naming tells whether the columns of a State are named features.
type Naming int

const (
	// NamingIndeterminate is the naming of a State that holds no rows yet.
	NamingIndeterminate Naming = iota
	NamingNamed
	NamingUnnamed
)

func (n Naming) String() string {
	switch n {
	case NamingNamed:
		return "named"
	case NamingUnnamed:
		return "unnamed"
	}
	return "indeterminate"
}

// State is the cluster state of one feature-vector name: one row per
// cluster holding its centroid, radius and member threads.
type State struct {
	name      string
	naming    Naming
	features  []string
	columns   map[string]int
	centroids [][]float64
	radii     []float64
	clusters  [][]perfdata.ThreadUID
	threads   map[perfdata.ThreadUID]struct{}
}

func NewState(name string) *State {
	return &State{
		name:    name,
		columns: make(map[string]int),
		threads: make(map[perfdata.ThreadUID]struct{}),
	}
}

func (s *State) Name() string         { return s.name }
func (s *State) Naming() Naming       { return s.naming }
func (s *State) Rows() int            { return len(s.centroids) }
func (s *State) Radius(i int) float64 { return s.radii[i] }
func (s *State) Size(i int) int       { return len(s.clusters[i]) }

// Dimensions returns the number of feature columns.
func (s *State) Dimensions() int {
	if s.naming == NamingNamed {
		return len(s.features)
	}
	if len(s.centroids) == 0 {
		return 0
	}
	return len(s.centroids[0])
}

// Features returns the column names of a named State.
func (s *State) Features() []string {
	return slices.Clone(s.features)
}

func (s *State) Centroid(i int) []float64 {
	return slices.Clone(s.centroids[i])
}

// Members returns the threads of cluster i in ascending order.
func (s *State) Members(i int) []perfdata.ThreadUID {
	return slices.Clone(s.clusters[i])
}

// Threads returns every clustered thread in ascending order.
func (s *State) Threads() []perfdata.ThreadUID {
	return slices.Sorted(maps.Keys(s.threads))
}

func (s *State) Sphere(i int) Sphere {
	return Sphere{Centroid: s.Centroid(i), Radius: s.radii[i]}
}

// column returns the index of a named feature, appending a zero-filled
// column for a new name.
func (s *State) column(name string) int {
	if j, ok := s.columns[name]; ok {
		return j
	}
	j := len(s.features)
	s.features = append(s.features, name)
	s.columns[name] = j
	for i := range s.centroids {
		s.centroids[i] = append(s.centroids[i], 0)
	}
	return j
}

func (s *State) adoptNaming(n Naming) error {
	switch {
	case s.naming == NamingIndeterminate:
		s.naming = n
	case n != NamingIndeterminate && n != s.naming:
		return fmt.Errorf("state %q is %s: %w", s.name, s.naming, ErrNamingMismatch)
	}
	return nil
}

// Add appends v as a singleton cluster of thread uid.
func (s *State) Add(v FeatureVector, uid perfdata.ThreadUID) error {
	if v.Name != s.name {
		return fmt.Errorf("vector %q added to state %q: %w", v.Name, s.name, ErrNameMismatch)
	}
	if _, ok := s.threads[uid]; ok {
		return fmt.Errorf("thread %s: %w", uid, ErrOverlappingThreads)
	}

	var row []float64
	if v.IsNamed() {
		if err := s.adoptNaming(NamingNamed); err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(v.Named)) {
			s.column(name)
		}
		row = make([]float64, len(s.features))
		for name, value := range v.Named {
			row[s.columns[name]] = value
		}
	} else {
		if s.naming == NamingUnnamed && len(v.Dense) != s.Dimensions() && s.Rows() > 0 {
			return fmt.Errorf("vector has %d features, state %q has %d: %w",
				len(v.Dense), s.name, s.Dimensions(), ErrDimensionMismatch)
		}
		if err := s.adoptNaming(NamingUnnamed); err != nil {
			return err
		}
		row = slices.Clone(v.Dense)
	}

	s.centroids = append(s.centroids, row)
	s.radii = append(s.radii, 0)
	s.clusters = append(s.clusters, []perfdata.ThreadUID{uid})
	s.threads[uid] = struct{}{}
	return nil
}

// Merge appends the clusters of a State built from a disjoint set of
// threads. Named columns are aligned by feature name; features only one
// side knows are zero in the other side's rows.
func (s *State) Merge(other *State) error {
	if other.name != s.name {
		return fmt.Errorf("state %q merged into %q: %w", other.name, s.name, ErrNameMismatch)
	}
	for uid := range other.threads {
		if _, ok := s.threads[uid]; ok {
			return fmt.Errorf("thread %s: %w", uid, ErrOverlappingThreads)
		}
	}
	if other.Rows() == 0 && other.naming == NamingIndeterminate {
		return nil
	}
	if s.naming == NamingUnnamed && other.naming == NamingUnnamed &&
		s.Rows() > 0 && other.Rows() > 0 && s.Dimensions() != other.Dimensions() {
		return fmt.Errorf("state %q has %d features, peer has %d: %w",
			s.name, s.Dimensions(), other.Dimensions(), ErrDimensionMismatch)
	}
	if err := s.adoptNaming(other.naming); err != nil {
		return err
	}

	if s.naming == NamingNamed {
		remap := make([]int, len(other.features))
		for j, name := range other.features {
			remap[j] = s.column(name)
		}
		for _, c := range other.centroids {
			row := make([]float64, len(s.features))
			for j, v := range c {
				row[remap[j]] = v
			}
			s.centroids = append(s.centroids, row)
		}
	} else {
		for _, c := range other.centroids {
			s.centroids = append(s.centroids, slices.Clone(c))
		}
	}
	s.radii = append(s.radii, other.radii...)
	for _, members := range other.clusters {
		s.clusters = append(s.clusters, slices.Clone(members))
		for _, uid := range members {
			s.threads[uid] = struct{}{}
		}
	}
	return nil
}

// Join replaces the given rows with one cluster holding every member of
// those rows, at the given centroid and radius. The new row takes the
// position of the lowest joined row.
func (s *State) Join(rows []int, centroid []float64, radius float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("no rows: %w", ErrInvalidJoin)
	}
	if len(centroid) != s.Dimensions() {
		return fmt.Errorf("centroid has %d features, state %q has %d: %w",
			len(centroid), s.name, s.Dimensions(), ErrDimensionMismatch)
	}
	sorted := slices.Sorted(slices.Values(rows))
	if len(slices.Compact(slices.Clone(sorted))) != len(sorted) {
		return fmt.Errorf("row listed twice: %w", ErrInvalidJoin)
	}
	if sorted[0] < 0 || sorted[len(sorted)-1] >= s.Rows() {
		return fmt.Errorf("rows %v of %d: %w", rows, s.Rows(), ErrInvalidJoin)
	}

	var members []perfdata.ThreadUID
	for _, i := range sorted {
		members = append(members, s.clusters[i]...)
	}
	slices.Sort(members)

	keep := sorted[0]
	s.centroids[keep] = slices.Clone(centroid)
	s.radii[keep] = radius
	s.clusters[keep] = members
	for _, i := range slices.Backward(sorted[1:]) {
		s.centroids = slices.Delete(s.centroids, i, i+1)
		s.radii = slices.Delete(s.radii, i, i+1)
		s.clusters = slices.Delete(s.clusters, i, i+1)
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := NewState(s.name)
	c.naming = s.naming
	c.features = slices.Clone(s.features)
	maps.Copy(c.columns, s.columns)
	for _, row := range s.centroids {
		c.centroids = append(c.centroids, slices.Clone(row))
	}
	c.radii = slices.Clone(s.radii)
	for _, members := range s.clusters {
		c.clusters = append(c.clusters, slices.Clone(members))
	}
	maps.Copy(c.threads, s.threads)
	return c
}
