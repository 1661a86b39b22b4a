// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"fmt"
	"math"
)

// MinSingletons is the number of singleton clusters a non-frontend node
// waits for before clustering a State made only of singletons.
const MinSingletons = 64

// ShouldCluster reports whether a node clusters s before forwarding it.
// The frontend always clusters.
func ShouldCluster(s *State, frontend bool) bool {
	if frontend {
		return true
	}
	singletons, largest := 0, 0
	for i := range s.Rows() {
		size := s.Size(i)
		if size == 1 {
			singletons++
		}
		largest = max(largest, size)
	}
	return singletons >= MinSingletons || largest > 1
}

// Result counts the joins made by Cluster.
type Result struct {
	Folded int
	Joined int
}

// Cluster runs the default algorithm on s in place: clusters lying
// entirely inside another are folded into it, then the nearest pair of
// clusters is repeatedly replaced by its enclosing sphere while the pair
// is close enough.
func Cluster(s *State) (Result, error) {
	var (
		res Result
		err error
	)
	if res.Folded, err = foldContained(s); err != nil {
		return res, fmt.Errorf("containment: %w", err)
	}
	if res.Joined, err = agglomerate(s); err != nil {
		return res, fmt.Errorf("agglomeration: %w", err)
	}
	return res, nil
}

func foldContained(s *State) (int, error) {
	joins := 0
	for {
		folded := false
		for r := 0; r < s.Rows() && !folded; r++ {
			center := s.centroids[r]
			rows := []int{r}
			for i := range s.Rows() {
				if i != r && Distance(s.centroids[i], center)+s.radii[i] < s.radii[r] {
					rows = append(rows, i)
				}
			}
			if len(rows) == 1 {
				continue
			}
			if err := s.Join(rows, center, s.radii[r]); err != nil {
				return joins, err
			}
			joins++
			folded = true
		}
		if !folded {
			return joins, nil
		}
	}
}

func agglomerate(s *State) (int, error) {
	joins := 0
	for s.Rows() > 1 {
		dist := DistanceMatrix(s.centroids)
		single := SingleLinkage(dist, s.radii)
		complete := CompleteLinkage(dist, s.radii)

		a, b, nearest := -1, -1, math.Inf(1)
		for i := range s.Rows() {
			for j := i + 1; j < s.Rows(); j++ {
				if single[i][j] < nearest {
					a, b, nearest = i, j, single[i][j]
				}
			}
		}

		if a < 0 {
			return joins, nil
		}
		singletons := s.Size(a) == 1 && s.Size(b) == 1
		// Touching spheres count as overlapping. Coincident zero-radius
		// clusters have zero single and complete linkage, so < would never
		// join them.
		overlapping := nearest <= 0
		near := 2*nearest < complete[a][b]
		if !singletons && !overlapping && !near {
			return joins, nil
		}

		sphere := Enclosing(s.Sphere(a), s.Sphere(b))
		if err := s.Join([]int{a, b}, sphere.Centroid, sphere.Radius); err != nil {
			return joins, err
		}
		joins++
	}
	return joins, nil
}
