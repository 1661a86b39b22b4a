// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyze

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/internal/config"
	"github.com/antimetal/gpuperf/internal/ingest"
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

func appThread(host string) perfdata.ThreadName {
	return perfdata.ThreadName{Host: host, PID: 10, PosixTID: perfdata.Ptr(uint64(11))}
}

// writeHost writes the collector output of one host: an application
// thread that launched n kernels of the given duration and the activity
// thread that reported their completion.
func writeHost(t *testing.T, dir, host string, n int, duration perfdata.Time) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, host+blob.StreamFileExt))
	require.NoError(t, err)
	defer f.Close()

	app := appThread(host)
	activity := perfdata.ThreadName{Host: host, PID: 10, PosixTID: perfdata.Ptr(uint64(99))}
	w := blob.NewStreamWriter(f)
	require.NoError(t, w.WriteAttach(app))
	require.NoError(t, w.WriteAttach(activity))
	require.NoError(t, w.WriteBlob(&blob.Blob{
		Header: blob.HeaderFor(activity),
		Messages: []blob.Message{
			&blob.DeviceInfo{DeviceID: 0, Name: "Test GPU", ComputeCapability: [2]uint32{8, 0}, Multiprocessors: 108},
			&blob.ContextInfo{Context: 0x100, DeviceID: 0},
		},
	}))
	for i := range n {
		corr := perfdata.CorrelationID(i + 1)
		start := perfdata.Time(1000 + i*100000)
		require.NoError(t, w.WriteBlob(&blob.Blob{
			Header:      blob.HeaderFor(app),
			StackTraces: []perfdata.Address{0x401000, 0},
			Messages: []blob.Message{
				&blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: corr, Context: 0x100, Stream: 0x7, Time: start}},
			},
		}))
		require.NoError(t, w.WriteBlob(&blob.Blob{
			Header: blob.HeaderFor(activity),
			Messages: []blob.Message{
				&blob.CompletedExec{Correlation: corr, TimeBegin: start + 5, TimeEnd: start + 5 + duration,
					KernelAttributes: blob.KernelAttributes{Function: "gemm"}},
			},
		}))
	}
	require.NoError(t, w.WriteTerminate(app))
	require.NoError(t, w.WriteTerminate(activity))
}

func testConfig(t *testing.T, input string) config.Config {
	t.Helper()
	out := t.TempDir()
	cfg := config.Default()
	cfg.Input.Paths = []string{input}
	cfg.Output.Dir = filepath.Join(out, "representatives")
	cfg.Output.Summary = filepath.Join(out, "summary.json")
	cfg.Output.Metrics = filepath.Join(out, "metrics.prom")
	require.NoError(t, cfg.Validate())
	return cfg
}

func run(t *testing.T, cfg config.Config) *Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := New(cfg, testr.New(t)).Run(ctx)
	require.NoError(t, err)
	return summary
}

func TestRun(t *testing.T) {
	input := t.TempDir()
	for _, host := range []string{"node-0", "node-1", "node-2"} {
		writeHost(t, input, host, 2, 300)
	}
	writeHost(t, input, "node-slow", 40, 80000)

	maps := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(maps, "node-0.10.maps"),
		[]byte("00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/app\n"), 0o644))

	cfg := testConfig(t, input)
	cfg.Tree.Fanout = 2
	cfg.Clustering.MapsDir = maps
	cfg.Pprof.Dir = filepath.Join(t.TempDir(), "pprof")
	cfg.Output.Debug = true

	summary := run(t, cfg)
	assert.Equal(t, []string{"node-0", "node-1", "node-2", "node-slow"}, summary.Leaves)
	assert.ElementsMatch(t, []string{appThread("node-0").String(), appThread("node-slow").String()}, summary.Representatives)
	require.Len(t, summary.Criteria, 1)
	sizes := map[string]int{}
	for _, cluster := range summary.Criteria[0].Clusters {
		sizes[cluster.Representative] = len(cluster.Members)
	}
	assert.Equal(t, map[string]int{appThread("node-0").String(): 3, appThread("node-slow").String(): 1}, sizes)
	assert.Equal(t, 1, summary.LinkedObjects)
	assert.Positive(t, summary.Blobs)
	assert.Zero(t, summary.Rejected)

	// representative output reads back as a complete stream
	require.Len(t, summary.Files, 1)
	kinds := map[blob.RecordKind]int{}
	_, err := ingest.ReadFile(context.Background(), summary.Files[0], func(_ string, rec blob.Record) error {
		kinds[rec.Kind]++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, summary.Threads, kinds[blob.RecordAttach])
	assert.Equal(t, summary.Threads, kinds[blob.RecordTerminate])
	assert.Equal(t, summary.Blobs, kinds[blob.RecordBlob])

	// one profile per representative
	require.Len(t, summary.Profiles, 2)
	f, err := os.Open(filepath.Join(cfg.Pprof.Dir, "node-0.10.11.pb.gz"))
	require.NoError(t, err)
	defer f.Close()
	prof, err := profile.Parse(f)
	require.NoError(t, err)
	require.NotEmpty(t, prof.Sample)
	assert.Equal(t, "[gpu] gemm", prof.Sample[0].Location[0].Line[0].Function.Name)
	require.Len(t, prof.Mapping, 1)
	assert.Equal(t, "/usr/bin/app", prof.Mapping[0].File)

	// summary and statistics files
	data, err := os.ReadFile(cfg.Output.Summary)
	require.NoError(t, err)
	var written Summary
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, summary.Representatives, written.Representatives)

	metricsText, err := os.ReadFile(cfg.Output.Metrics)
	require.NoError(t, err)
	assert.Contains(t, string(metricsText), "gpuperf_clustering_representatives_requested_total 2")
}

func TestRun_GroupByFileAndMinThreads(t *testing.T) {
	input := t.TempDir()
	writeHost(t, input, "node-0", 2, 300)
	writeHost(t, input, "node-1", 2, 300)

	cfg := testConfig(t, input)
	cfg.Input.GroupBy = config.GroupByFile
	cfg.Clustering.MinThreads = 3

	summary := run(t, cfg)
	assert.Equal(t, []string{
		filepath.Join(input, "node-0.blobs"),
		filepath.Join(input, "node-1.blobs"),
	}, summary.Leaves)
	// the only state covers two threads, so nothing is kept
	assert.Empty(t, summary.Criteria)
	assert.Empty(t, summary.Representatives)
	assert.Zero(t, summary.Blobs)
}

func TestRun_Follow(t *testing.T) {
	input := t.TempDir()
	writeHost(t, input, "node-0", 2, 300)

	cfg := testConfig(t, input)
	cfg.Input.Follow = true
	cfg.Input.IdleTimeout = 300 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		staging := t.TempDir()
		writeHost(t, staging, "node-1", 2, 300)
		_ = os.Rename(filepath.Join(staging, "node-1.blobs"), filepath.Join(input, "node-1.blobs"))
	}()

	summary := run(t, cfg)
	assert.Equal(t, []string{"node-0", "node-1"}, summary.Leaves)
	require.Len(t, summary.Criteria, 1)
	require.Len(t, summary.Criteria[0].Clusters, 1)
	assert.Len(t, summary.Criteria[0].Clusters[0].Members, 2)
}

func TestRun_NoInput(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, err := New(cfg, testr.New(t)).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoInput)
}
