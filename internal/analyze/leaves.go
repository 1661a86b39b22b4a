// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyze

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/internal/config"
	"github.com/antimetal/gpuperf/internal/metrics"
	dtconsumer "github.com/antimetal/gpuperf/internal/metrics/consumers/datatable"
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/datatable"
)

// leafSet splits ingested records into one data table per leaf.
type leafSet struct {
	groupBy config.GroupBy
	logger  logr.Logger
	now     func() time.Time

	mu       sync.Mutex
	byKey    map[string]*dtconsumer.Consumer
	rejected atomic.Uint64
}

func newLeafSet(groupBy config.GroupBy, logger logr.Logger) *leafSet {
	return &leafSet{
		groupBy: groupBy,
		logger:  logger,
		now:     time.Now,
		byKey:   make(map[string]*dtconsumer.Consumer),
	}
}

func (s *leafSet) consumer(key string) *dtconsumer.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[key]
	if !ok {
		c = dtconsumer.NewConsumer(s.logger, dtconsumer.WithName("leaf-"+key))
		s.byKey[key] = c
	}
	return c
}

// handle is an ingest.Handler. A blob the table rejects is logged and
// skipped; it never stops ingestion.
func (s *leafSet) handle(source string, rec blob.Record) error {
	key := rec.Thread.Host
	if s.groupBy == config.GroupByFile {
		key = source
	}
	event := metrics.Event{Timestamp: s.now(), Source: source, Record: rec}
	if err := s.consumer(key).HandleEvent(event); err != nil {
		s.rejected.Add(1)
		s.logger.Error(err, "dropping record", "source", source, "kind", rec.Kind.String())
	}
	return nil
}

// tables returns the leaf tables ordered by key; a table's index is its
// rank.
func (s *leafSet) tables() ([]string, []*datatable.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := slices.Sorted(maps.Keys(s.byKey))
	tables := make([]*datatable.Table, len(keys))
	for i, key := range keys {
		c := s.byKey[key]
		if !c.Complete() {
			s.logger.Info("leaf has threads that never terminated", "leaf", key,
				"attached", len(c.Attached()), "finished", len(c.Finished()))
		}
		tables[i] = c.Table()
		if pending := tables[i].Pending(); pending > 0 {
			s.logger.Info("leaf has events without a matching half", "leaf", key, "pending", pending)
		}
	}
	return keys, tables
}
