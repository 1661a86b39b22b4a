// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"math"
	"slices"
)

// Sphere is a cluster's extent in feature space.
type Sphere struct {
	Centroid []float64
	Radius   float64
}

// Distance is the Euclidean distance between two points of equal dimension.
func Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// DistanceMatrix returns the pairwise Euclidean distances between rows.
func DistanceMatrix(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range out {
		out[i] = make([]float64, len(rows))
	}
	for i := range rows {
		for j := i + 1; j < len(rows); j++ {
			d := Distance(rows[i], rows[j])
			out[i][j], out[j][i] = d, d
		}
	}
	return out
}

// SingleLinkage returns d(i,j) - r_i - r_j, the gap between the nearest
// surfaces of two spheres. It is negative when the spheres overlap.
func SingleLinkage(dist [][]float64, radii []float64) [][]float64 {
	return linkage(dist, radii, -1)
}

// CompleteLinkage returns d(i,j) + r_i + r_j, the distance between the
// farthest surfaces of two spheres.
func CompleteLinkage(dist [][]float64, radii []float64) [][]float64 {
	return linkage(dist, radii, 1)
}

func linkage(dist [][]float64, radii []float64, sign float64) [][]float64 {
	out := make([][]float64, len(dist))
	for i := range dist {
		out[i] = make([]float64, len(dist))
		for j := range dist {
			if i != j {
				out[i][j] = dist[i][j] + sign*(radii[i]+radii[j])
			}
		}
	}
	return out
}

// Enclosing returns the smallest sphere containing both a and b.
func Enclosing(a, b Sphere) Sphere {
	d := Distance(a.Centroid, b.Centroid)
	switch {
	case d+b.Radius <= a.Radius:
		return Sphere{Centroid: slices.Clone(a.Centroid), Radius: a.Radius}
	case d+a.Radius <= b.Radius:
		return Sphere{Centroid: slices.Clone(b.Centroid), Radius: b.Radius}
	}

	// C and D are the far points of a and b on the line through both
	// centroids.
	centroid := make([]float64, len(a.Centroid))
	for i := range centroid {
		unit := (b.Centroid[i] - a.Centroid[i]) / d
		c := a.Centroid[i] - unit*a.Radius
		dd := b.Centroid[i] + unit*b.Radius
		centroid[i] = (c + dd) / 2
	}
	return Sphere{Centroid: centroid, Radius: (d + a.Radius + b.Radius) / 2}
}
