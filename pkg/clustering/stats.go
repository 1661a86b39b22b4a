// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gpuperf"

// Stats counts clustering work. A nil *Stats records nothing.
type Stats struct {
	statesMerged    prometheus.Counter
	joins           *prometheus.CounterVec
	representatives prometheus.Counter
	dropped         *prometheus.CounterVec
}

// NewStats creates the clustering counters and registers them with reg.
func NewStats(reg prometheus.Registerer) (*Stats, error) {
	s := &Stats{
		statesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clustering",
			Name:      "states_merged_total",
			Help:      "Child cluster states merged into a node's state",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clustering",
			Name:      "joins_total",
			Help:      "Clusters joined by the clustering algorithm, by phase",
		}, []string{"phase"}),
		representatives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clustering",
			Name:      "representatives_requested_total",
			Help:      "Representative threads whose performance data was requested",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clustering",
			Name:      "packets_dropped_total",
			Help:      "Packets dropped because they could not be handled",
		}, []string{"tag"}),
	}
	for _, c := range []prometheus.Collector{s.statesMerged, s.joins, s.representatives, s.dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Stats) stateMerged() {
	if s != nil {
		s.statesMerged.Inc()
	}
}

func (s *Stats) clustered(r Result) {
	if s != nil {
		s.joins.WithLabelValues("containment").Add(float64(r.Folded))
		s.joins.WithLabelValues("agglomeration").Add(float64(r.Joined))
	}
}

func (s *Stats) representativeRequested() {
	if s != nil {
		s.representatives.Inc()
	}
}

func (s *Stats) packetDropped(tag Tag) {
	if s != nil {
		s.dropped.WithLabelValues(tag.String()).Inc()
	}
}
