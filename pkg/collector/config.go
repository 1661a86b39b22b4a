// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/antimetal/gpuperf/pkg/blob"
)

const (
	// EventsEnv holds the sampling configuration string.
	EventsEnv = "GPUPERF_CUDA_EVENTS"
	// DebugEnv enables collector trace output on stderr when present.
	DebugEnv = "GPUPERF_DEBUG_COLLECTOR"

	MaxConfigLength = 4096
	MaxEvents       = 16

	DefaultSamplingInterval = uint64(10 * time.Millisecond)
)

var (
	ErrConfigTooLong   = errors.New("configuration string too long")
	ErrTooManyEvents   = errors.New("too many sampled events")
	ErrInvalidInterval = errors.New("invalid sampling interval")
	ErrInvalidEvent    = errors.New("invalid event")
)

// SamplingConfig is the parsed configuration string.
type SamplingConfig struct {
	// Interval is the sampling period in nanoseconds.
	Interval uint64
	Events   []blob.EventDescription
}

// Message returns the blob message announcing this configuration.
func (c SamplingConfig) Message() *blob.SamplingConfig {
	return &blob.SamplingConfig{Interval: c.Interval, Events: append([]blob.EventDescription(nil), c.Events...)}
}

// ParseSamplingConfig parses a comma-separated list of "interval=<ns>",
// "<event>" and "<event>@<threshold>" tokens. A repeated interval replaces
// the earlier one; each replacement is reported in warnings.
func ParseSamplingConfig(s string) (cfg SamplingConfig, warnings []string, err error) {
	cfg.Interval = DefaultSamplingInterval
	if len(s) > MaxConfigLength {
		return cfg, nil, fmt.Errorf("%d bytes, limit %d: %w", len(s), MaxConfigLength, ErrConfigTooLong)
	}

	intervalSeen := false
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		if value, ok := strings.CutPrefix(token, "interval="); ok {
			interval, err := strconv.ParseUint(value, 10, 64)
			// The interval becomes a time.Duration, which must be positive.
			if err != nil || interval == 0 || interval > math.MaxInt64 {
				return cfg, warnings, fmt.Errorf("%q: %w", value, ErrInvalidInterval)
			}
			if intervalSeen {
				warnings = append(warnings, fmt.Sprintf("interval=%d replaces interval=%d", interval, cfg.Interval))
			}
			cfg.Interval = interval
			intervalSeen = true
			continue
		}

		event := blob.EventDescription{Name: token}
		if name, threshold, ok := strings.Cut(token, "@"); ok {
			t, err := strconv.ParseUint(threshold, 10, 64)
			if err != nil || name == "" {
				return cfg, warnings, fmt.Errorf("%q: %w", token, ErrInvalidEvent)
			}
			event = blob.EventDescription{Name: name, Threshold: t}
		}
		if len(cfg.Events) == MaxEvents {
			return cfg, warnings, fmt.Errorf("limit %d: %w", MaxEvents, ErrTooManyEvents)
		}
		cfg.Events = append(cfg.Events, event)
	}
	return cfg, warnings, nil
}
