// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/collector"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Compile-time checks
var (
	_ Publisher      = (*Router)(nil)
	_ collector.Sink = (*Router)(nil)
)

var (
	// ErrRouterClosed is returned when attempting to publish to a closed router
	ErrRouterClosed = errors.New("metrics router is closed")
)

// Router fans collector output out to consumers. It is the collector's
// Sink, so every attach, blob and terminate record becomes an Event.
type Router struct {
	logger    logr.Logger
	source    string
	now       func() time.Time
	mu        sync.RWMutex
	consumers []Consumer
	closed    bool
}

func NewRouter(logger logr.Logger, source string) *Router {
	return &Router{
		logger: logger.WithName("metrics-router"),
		source: source,
		now:    time.Now,
	}
}

// Start blocks until ctx is cancelled, then closes the router.
func (r *Router) Start(ctx context.Context) error {
	r.logger.Info("Starting metrics router", "source", r.source)
	<-ctx.Done()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.logger.Info("Metrics router shutdown")
	return nil
}

// RegisterConsumer adds a consumer to receive events. The caller starts
// the consumer before registering it.
func (r *Router) RegisterConsumer(consumer Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := consumer.Name()
	if slices.ContainsFunc(r.consumers, func(c Consumer) bool { return c.Name() == name }) {
		return fmt.Errorf("consumer %s already registered", name)
	}
	r.consumers = append(r.consumers, consumer)
	r.logger.Info("Consumer registered", "consumer", name)
	return nil
}

func (r *Router) UnregisterConsumer(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.consumers, func(c Consumer) bool { return c.Name() == name })
	if i < 0 {
		return fmt.Errorf("consumer %s not found", name)
	}
	r.consumers = slices.Delete(r.consumers, i, i+1)
	r.logger.Info("Consumer unregistered", "consumer", name)
	return nil
}

// Publish hands event to every consumer in registration order. A failing
// consumer does not keep the event from the others; the last error is
// returned.
func (r *Router) Publish(event Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRouterClosed
	}

	var lastErr error
	for _, consumer := range r.consumers {
		if err := consumer.HandleEvent(event); err != nil {
			r.logger.V(1).Info("Failed to handle event in consumer",
				"consumer", consumer.Name(), "kind", event.Kind.String(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

func (r *Router) publish(rec blob.Record) error {
	return r.Publish(Event{Timestamp: r.now(), Source: r.source, Record: rec})
}

func (r *Router) Attach(thread perfdata.ThreadName) error {
	return r.publish(blob.Record{Kind: blob.RecordAttach, Thread: thread})
}

func (r *Router) Blob(b *blob.Blob) error {
	return r.publish(blob.Record{Kind: blob.RecordBlob, Thread: b.Header.Thread(), Blob: b})
}

func (r *Router) Terminate(thread perfdata.ThreadName) error {
	return r.publish(blob.Record{Kind: blob.RecordTerminate, Thread: thread})
}

// GetStats returns router statistics
func (r *Router) GetStats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	consumerStats := make(map[string]ConsumerHealth, len(r.consumers))
	for _, consumer := range r.consumers {
		consumerStats[consumer.Name()] = consumer.Health()
	}
	return RouterStats{
		ConsumerCount: len(r.consumers),
		Consumers:     consumerStats,
	}
}

// RouterStats contains metrics about the event router
type RouterStats struct {
	ConsumerCount int
	Consumers     map[string]ConsumerHealth
}
