// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"fmt"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// FeatureVector is one labeled vector derived from a thread's data. Exactly
// one of Dense and Named is set.
type FeatureVector struct {
	Name   string
	Thread perfdata.ThreadName
	Dense  []float64
	Named  map[string]float64
}

func (v FeatureVector) IsNamed() bool {
	return v.Named != nil
}

// FeatureExtractor derives zero or more feature vectors for a thread.
type FeatureExtractor interface {
	Extract(table *datatable.Table, thread perfdata.ThreadName) ([]FeatureVector, error)
}

type ExtractorFunc func(table *datatable.Table, thread perfdata.ThreadName) ([]FeatureVector, error)

func (f ExtractorFunc) Extract(table *datatable.Table, thread perfdata.ThreadName) ([]FeatureVector, error) {
	return f(table, thread)
}

// FingerprintName names the vectors produced by GPUFingerprint.
const FingerprintName = "gpu_fingerprint"

// GPUFingerprint summarizes a thread's GPU usage: kernel launch counts and
// time, transfer volume and direction, and the totals of every sampled
// hardware counter. Threads with no GPU activity produce no vector.
type GPUFingerprint struct{}

var _ FeatureExtractor = GPUFingerprint{}

func (GPUFingerprint) Extract(table *datatable.Table, thread perfdata.ThreadName) ([]FeatureVector, error) {
	var (
		kernels, kernelTime    float64
		functions              = make(map[string]struct{})
		transfers, bytes, htod float64
		async                  float64
	)
	err := table.VisitKernelExecutions(thread, perfdata.Everything, func(e datatable.KernelExecution) bool {
		kernels++
		kernelTime += float64(e.Interval().Width())
		functions[e.Function] = struct{}{}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to visit kernel executions: %w", err)
	}
	err = table.VisitDataTransfers(thread, perfdata.Everything, func(x datatable.DataTransfer) bool {
		transfers++
		bytes += float64(x.Size)
		if x.Kind == blob.CopyHostToDevice {
			htod += float64(x.Size)
		}
		if x.Asynchronous {
			async++
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to visit data transfers: %w", err)
	}

	features := make(map[string]float64)
	if kernels > 0 {
		features["kernel_count"] = kernels
		features["kernel_time_ns"] = kernelTime
		features["mean_kernel_ns"] = kernelTime / kernels
		features["distinct_kernels"] = float64(len(functions))
	}
	if transfers > 0 {
		features["transfer_count"] = transfers
		features["transfer_bytes"] = bytes
		features["async_transfer_ratio"] = async / transfers
		if bytes > 0 {
			features["htod_ratio"] = htod / bytes
		}
	}

	if table.SamplingPeriod(thread) > 0 {
		counts, err := table.Counts(thread, perfdata.Everything)
		if err != nil {
			return nil, fmt.Errorf("failed to total counters: %w", err)
		}
		for i, c := range table.Counters() {
			if counts[i] != 0 {
				features["counter/"+c.Name] = counts[i]
			}
		}
	}

	if len(features) == 0 {
		return nil, nil
	}
	return []FeatureVector{{Name: FingerprintName, Thread: thread, Named: features}}, nil
}
