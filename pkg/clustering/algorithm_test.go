// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

func singletons(t *testing.T, points ...[]float64) *State {
	t.Helper()
	s := NewState("fp")
	for i, p := range points {
		require.NoError(t, s.Add(dense("fp", p...), uid(0, uint32(i))))
	}
	return s
}

func TestCluster_IdenticalSingletonsFuse(t *testing.T) {
	left := singletons(t, []float64{1, 1})
	right := NewState("fp")
	require.NoError(t, right.Add(dense("fp", 1, 1), uid(1, 0)))
	require.NoError(t, left.Merge(right))

	res, err := Cluster(left)
	require.NoError(t, err)
	assert.Equal(t, Result{Joined: 1}, res)
	require.Equal(t, 1, left.Rows())
	assert.Equal(t, 2, left.Size(0))
	assert.Equal(t, []float64{1, 1}, left.Centroid(0))
	assert.Zero(t, left.Radius(0))
}

func TestCluster_Outlier(t *testing.T) {
	s := singletons(t, []float64{0, 0}, []float64{0, 0}, []float64{100, 100})

	_, err := Cluster(s)
	require.NoError(t, err)
	require.Equal(t, 2, s.Rows())

	sizes := map[int]int{}
	for i := range s.Rows() {
		sizes[s.Size(i)] = i
	}
	pair, outlier := sizes[2], sizes[1]
	assert.InDeltaSlice(t, []float64{0, 0}, s.Centroid(pair), 1e-9)
	assert.Less(t, s.Radius(pair), 1.0)
	assert.Equal(t, []perfdata.ThreadUID{uid(0, 2)}, s.Members(outlier))
	assert.Equal(t, []float64{100, 100}, s.Centroid(outlier))
}

func TestCluster_ContainmentFold(t *testing.T) {
	s := singletons(t, []float64{0, 0}, []float64{2, 2})
	require.NoError(t, s.Join([]int{0}, []float64{0, 0}, 10))
	require.NoError(t, s.Join([]int{1}, []float64{2, 2}, 1))

	folded, err := foldContained(s)
	require.NoError(t, err)
	assert.Equal(t, 1, folded)
	require.Equal(t, 1, s.Rows())
	assert.Equal(t, []float64{0, 0}, s.Centroid(0))
	assert.Equal(t, 10.0, s.Radius(0))
	assert.Equal(t, 2, s.Size(0))
}

func TestCluster_OverlappingClustersJoin(t *testing.T) {
	s := singletons(t, []float64{0}, []float64{1}, []float64{4}, []float64{5})
	require.NoError(t, s.Join([]int{0, 1}, []float64{0.5}, 0.5))
	require.NoError(t, s.Join([]int{1, 2}, []float64{4.5}, 0.5))
	require.Equal(t, 2, s.Rows())

	// Surfaces 3 apart, farthest surfaces 5 apart: too far to join.
	res, err := Cluster(s)
	require.NoError(t, err)
	assert.Zero(t, res.Joined)
	assert.Equal(t, 2, s.Rows())

	// Surfaces 1 apart, farthest surfaces 5 apart: close enough.
	s = singletons(t, []float64{0}, []float64{2}, []float64{3}, []float64{5})
	require.NoError(t, s.Join([]int{0, 1}, []float64{1}, 1))
	require.NoError(t, s.Join([]int{1, 2}, []float64{4}, 1))
	res, err = Cluster(s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Joined)
	require.Equal(t, 1, s.Rows())
	assert.InDeltaSlice(t, []float64{2.5}, s.Centroid(0), 1e-9)
	assert.InDelta(t, 2.5, s.Radius(0), 1e-9)
	assert.Equal(t, 4, s.Size(0))
}

func TestCluster_CoincidentClustersJoin(t *testing.T) {
	s := singletons(t, []float64{3, 3}, []float64{3, 3}, []float64{3, 3}, []float64{3, 3}, []float64{3, 3})

	res, err := Cluster(s)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Joined)
	require.Equal(t, 1, s.Rows())
	assert.Equal(t, 5, s.Size(0))
	assert.Zero(t, s.Radius(0))
}

func TestCluster_CoincidentMultiMemberClustersJoin(t *testing.T) {
	s := singletons(t, []float64{3, 3}, []float64{3, 3}, []float64{3, 3}, []float64{3, 3})
	require.NoError(t, s.Join([]int{0, 1}, []float64{3, 3}, 0))
	require.NoError(t, s.Join([]int{1, 2}, []float64{3, 3}, 0))
	require.Equal(t, 2, s.Rows())

	// Neither is a singleton and neither contains the other, leaving
	// touching surfaces as the only reason to join.
	res, err := Cluster(s)
	require.NoError(t, err)
	assert.Equal(t, Result{Joined: 1}, res)
	require.Equal(t, 1, s.Rows())
	assert.Equal(t, 4, s.Size(0))
	assert.Equal(t, []float64{3, 3}, s.Centroid(0))
	assert.Zero(t, s.Radius(0))
}

func TestCluster_PreservesThreads(t *testing.T) {
	var points [][]float64
	for i := range 40 {
		points = append(points, []float64{float64(i % 7), float64(i % 5), float64(i % 3)})
	}
	s := singletons(t, points...)
	before := s.Threads()

	_, err := Cluster(s)
	require.NoError(t, err)
	assert.Less(t, s.Rows(), 40)
	assert.Equal(t, before, s.Threads())

	var members []perfdata.ThreadUID
	for i := range s.Rows() {
		members = append(members, s.Members(i)...)
	}
	assert.ElementsMatch(t, before, members)
}

func TestShouldCluster(t *testing.T) {
	few := singletons(t, []float64{0}, []float64{1})
	assert.False(t, ShouldCluster(few, false))
	assert.True(t, ShouldCluster(few, true))

	var points [][]float64
	for i := range MinSingletons {
		points = append(points, []float64{float64(i)})
	}
	assert.True(t, ShouldCluster(singletons(t, points...), false))

	grown := singletons(t, []float64{0}, []float64{1})
	require.NoError(t, grown.Join([]int{0, 1}, []float64{0.5}, 0.5))
	assert.True(t, ShouldCluster(grown, false))
}
