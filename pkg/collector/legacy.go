// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"log"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// The process-wide collector behind Start, Pause, Resume and Stop.
var (
	defaultMu        sync.Mutex
	defaultCollector *Collector
)

// DebugLogger returns a stderr logger when the debug variable is set in the
// environment and a discarding logger otherwise.
func DebugLogger(lookup func(string) (string, bool)) logr.Logger {
	if _, ok := lookup(DebugEnv); !ok {
		return logr.Discard()
	}
	stdr.SetVerbosity(1)
	return stdr.New(log.New(os.Stderr, "[gpuperf] ", log.LstdFlags|log.Lmicroseconds))
}

// Start creates and starts the process-wide collector, configured from
// the environment. An invalid configuration string is fatal.
func Start(api ProfilingAPI, counters CounterLibrary, opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCollector != nil {
		return ErrAlreadyStarted
	}

	opts = append([]Option{WithLogger(DebugLogger(os.LookupEnv))}, opts...)
	c, err := New(api, counters, opts...)
	if err != nil {
		return err
	}
	cfg, warnings, err := ParseSamplingConfig(os.Getenv(EventsEnv))
	if err != nil {
		c.report.fatal("Start", "ParseSamplingConfig", err)
		return err
	}
	for _, w := range warnings {
		c.logger.Info("configuration warning", "warning", w)
	}
	c.config = cfg

	if err := c.Start(); err != nil {
		return err
	}
	defaultCollector = c
	return nil
}

// Default returns the process-wide collector, or nil before Start.
func Default() *Collector {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultCollector
}

// Pause suspends collection on the calling OS thread.
func Pause() {
	if c := Default(); c != nil {
		c.Pause(gettid())
	}
}

// Resume restarts collection on the calling OS thread.
func Resume() {
	if c := Default(); c != nil {
		c.Resume(gettid())
	}
}

// Stop stops and discards the process-wide collector.
func Stop() {
	defaultMu.Lock()
	c := defaultCollector
	defaultCollector = nil
	defaultMu.Unlock()
	if c != nil {
		c.Stop()
	}
}
