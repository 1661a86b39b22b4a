// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics routes the output of an in-process collector to the
// consumers that persist, log or reassemble it.
package metrics

import (
	"time"

	"github.com/antimetal/gpuperf/pkg/blob"
)

// Event is one collector output record flowing through the router.
//
// Kind tells how to read the embedded record:
//   - blob.RecordAttach: Thread is about to send blobs
//   - blob.RecordBlob: Blob carries performance data for Thread
//   - blob.RecordTerminate: Thread sent its last blob
//
// Blob is shared between consumers and must not be modified.
type Event struct {
	Timestamp time.Time
	// Source names the process that produced the event, e.g. a collector
	// host name.
	Source string
	blob.Record
}

// Publisher delivers events to consumers.
type Publisher interface {
	Publish(event Event) error
}
