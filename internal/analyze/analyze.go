// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package analyze runs the analyzer pipeline: ingest collector output into
// one data table per leaf, cluster the threads over an in-process tree and
// write out the representatives.
package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antimetal/gpuperf/internal/config"
	"github.com/antimetal/gpuperf/internal/ingest"
	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/internal/metrics/consumers/blobfile"
	dtconsumer "github.com/antimetal/gpuperf/internal/metrics/consumers/datatable"
	"github.com/antimetal/gpuperf/internal/metrics/consumers/debug"
	"github.com/antimetal/gpuperf/pkg/clustering"
	"github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/export/pprof"
	"github.com/antimetal/gpuperf/pkg/perfdata"
	"github.com/antimetal/gpuperf/pkg/symtab"
	"github.com/antimetal/gpuperf/pkg/tree"
)

const routerSource = "gpuperf-analyze"

var ErrNoInput = errors.New("no performance data ingested")

// Summary describes one analyzer run.
type Summary struct {
	Leaves          []string           `json:"leaves"`
	Threads         int                `json:"threads"`
	Representatives []string           `json:"representatives"`
	Blobs           int                `json:"blobs"`
	Addresses       int                `json:"addresses"`
	LinkedObjects   int                `json:"linked_objects"`
	Rejected        uint64             `json:"rejected_records"`
	Criteria        []CriterionSummary `json:"criteria"`
	Files           []string           `json:"files"`
	Profiles        []string           `json:"profiles,omitempty"`
}

type CriterionSummary struct {
	Name     string           `json:"name"`
	Clusters []ClusterSummary `json:"clusters"`
}

type ClusterSummary struct {
	Representative string   `json:"representative"`
	Members        []string `json:"members"`
}

type Analyzer struct {
	cfg      config.Config
	logger   logr.Logger
	registry *prometheus.Registry
}

func New(cfg config.Config, logger logr.Logger) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		logger:   logger.WithName("analyze"),
		registry: prometheus.NewRegistry(),
	}
}

// Registry returns the registry holding the clustering statistics.
func (a *Analyzer) Registry() *prometheus.Registry {
	return a.registry
}

func (a *Analyzer) Run(ctx context.Context) (*Summary, error) {
	leaves := newLeafSet(a.cfg.Input.GroupBy, a.logger.WithName("leaves"))
	if err := a.ingest(ctx, leaves); err != nil {
		return nil, fmt.Errorf("failed to ingest: %w", err)
	}
	keys, tables := leaves.tables()
	if len(tables) == 0 {
		return nil, ErrNoInput
	}
	a.logger.Info("input ingested", "leaves", len(tables), "rejected", leaves.rejected.Load())

	router := metrics.NewRouter(a.logger, routerSource)
	files, err := blobfile.NewConsumer(a.cfg.Output.BlobFile(), a.logger)
	if err != nil {
		return nil, err
	}
	representatives := dtconsumer.NewConsumer(a.logger, dtconsumer.WithName("representatives"))
	consumers := []metrics.Consumer{files, representatives}
	if a.cfg.Output.Debug {
		debugConfig := debug.DefaultConfig()
		debugConfig.LogFormat = a.cfg.Output.DebugFormat
		dbg, err := debug.NewConsumer(debugConfig, a.logger)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, dbg)
	}

	routerCtx, stopRouter := context.WithCancel(ctx)
	routerDone := make(chan error, 1)
	go func() { routerDone <- router.Start(routerCtx) }()
	defer func() {
		stopRouter()
		<-routerDone
	}()

	for _, c := range consumers {
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start %s consumer: %w", c.Name(), err)
		}
		if err := router.RegisterConsumer(c); err != nil {
			return nil, err
		}
	}

	stats, err := clustering.NewStats(a.registry)
	if err != nil {
		return nil, err
	}
	nodeOpts := []clustering.Option{
		clustering.WithLogger(a.logger),
		clustering.WithStats(stats),
	}
	if n := a.cfg.Clustering.MinThreads; n > 0 {
		nodeOpts = append(nodeOpts, clustering.WithPredicate(func(s *clustering.State) bool {
			return len(s.Threads()) >= n
		}))
	}
	if dir := a.cfg.Clustering.MapsDir; dir != "" {
		nodeOpts = append(nodeOpts, clustering.WithAddressSpaces(&symtab.MapsDirectory{Dir: dir}))
	}

	out := newEmitter(router)
	err = tree.Run(ctx, tables, out.send,
		tree.WithLogger(a.logger),
		tree.WithFanout(a.cfg.Tree.Fanout),
		tree.WithNodeOptions(nodeOpts...))
	if stopErr := files.Stop(); stopErr != nil {
		a.logger.Error(stopErr, "failed to finish output files")
	}
	if err != nil {
		return nil, err
	}
	if out.err != nil {
		return nil, fmt.Errorf("failed to write representatives: %w", out.err)
	}

	summary := a.summarize(keys, out, leaves.rejected.Load())
	summary.Files = files.Files()
	if dir := a.cfg.Pprof.Dir; dir != "" {
		summary.Profiles, err = a.writeProfiles(dir, representatives.Table(), out)
		if err != nil {
			return nil, err
		}
	}
	if err := a.writeOutputs(summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (a *Analyzer) ingest(ctx context.Context, leaves *leafSet) error {
	opts := []ingest.Option{
		ingest.WithLogger(a.logger),
		ingest.WithConcurrency(a.cfg.Input.Concurrency),
	}
	if !a.cfg.Input.Follow {
		return ingest.Files(ctx, a.cfg.Input.Paths, leaves.handle, opts...)
	}

	var files, dirs []string
	for _, path := range a.cfg.Input.Paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		} else {
			files = append(files, path)
		}
	}
	if err := ingest.Files(ctx, files, leaves.handle, opts...); err != nil {
		return err
	}
	follower, err := ingest.NewFollower(dirs, leaves.handle, opts...)
	if err != nil {
		return err
	}
	return follower.Run(ctx, a.cfg.Input.IdleTimeout)
}

func (a *Analyzer) summarize(leaves []string, out *emitter, rejected uint64) *Summary {
	s := &Summary{
		Leaves:        leaves,
		Threads:       len(out.attached),
		Blobs:         out.blobs,
		Addresses:     out.addresses.Len(),
		LinkedObjects: len(out.objects),
		Rejected:      rejected,
	}
	for _, c := range out.criteria {
		cs := CriterionSummary{Name: c.Name}
		for _, cluster := range c.Clusters {
			members := make([]string, len(cluster.Members))
			for i, m := range cluster.Members {
				members[i] = m.String()
			}
			rep := cluster.Representative.String()
			cs.Clusters = append(cs.Clusters, ClusterSummary{Representative: rep, Members: members})
			s.Representatives = append(s.Representatives, rep)
		}
		s.Criteria = append(s.Criteria, cs)
	}
	return s
}

// writeProfiles writes one pprof profile per representative thread.
func (a *Analyzer) writeProfiles(dir string, table *datatable.Table, out *emitter) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	var paths []string
	seen := make(map[perfdata.ThreadKey]struct{})
	for _, c := range out.criteria {
		for _, cluster := range c.Clusters {
			thread := cluster.Representative
			if _, ok := seen[thread.Key()]; ok {
				continue
			}
			seen[thread.Key()] = struct{}{}

			prof, err := pprof.FromThread(table, thread, perfdata.Everything, out.objectsFor(thread))
			if errors.Is(err, datatable.ErrUnknownThread) {
				a.logger.Info("representative sent no data", "thread", thread.String())
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to build profile of %s: %w", thread, err)
			}
			path := filepath.Join(dir, profileName(thread))
			if err := writeProfile(path, prof); err != nil {
				return nil, err
			}
			paths = append(paths, path)
		}
	}
	a.logger.Info("profiles written", "dir", dir, "profiles", len(paths))
	return paths, nil
}

func profileName(thread perfdata.ThreadName) string {
	k := thread.Key()
	if k.HasTID {
		return fmt.Sprintf("%s.%d.%d.pb.gz", k.Host, k.PID, k.TID)
	}
	return fmt.Sprintf("%s.%d.pb.gz", k.Host, k.PID)
}

func writeProfile(path string, prof *profile.Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := prof.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func (a *Analyzer) writeOutputs(summary *Summary) error {
	if path := a.cfg.Output.Summary; path != "" {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}
	if path := a.cfg.Output.Metrics; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}
