// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import "context"

// Consumer receives every event published to the router it is registered
// with.
type Consumer interface {
	// Name returns the unique name of this consumer
	Name() string

	// HandleEvent processes a single event. It is called on the
	// publishing goroutine, so it must not block for long.
	HandleEvent(event Event) error

	// Start initializes the consumer
	Start(ctx context.Context) error

	// Health returns the current health status
	Health() ConsumerHealth
}

type ConsumerHealth struct {
	Healthy     bool
	LastError   error
	EventsCount uint64
	ErrorsCount uint64
}
