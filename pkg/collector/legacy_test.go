// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyLifecycle(t *testing.T) {
	t.Setenv(EventsEnv, "interval=200")
	require.NoError(t, Start(&fakeAPI{}, nil, WithSink(&recordingSink{}), WithDiagnostics(&bytes.Buffer{})))
	t.Cleanup(Stop)

	c := Default()
	require.NotNil(t, c)
	assert.EqualValues(t, 200, c.Config().Interval)
	assert.ErrorIs(t, Start(&fakeAPI{}, nil), ErrAlreadyStarted)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	Pause()
	assert.True(t, c.thread(gettid()).paused.Load())
	Resume()
	assert.False(t, c.thread(gettid()).paused.Load())

	Stop()
	assert.Nil(t, Default())
	// stopping twice is harmless
	Stop()
}

func TestLegacyStart_InvalidConfiguration(t *testing.T) {
	t.Setenv(EventsEnv, "interval=0")
	var diag bytes.Buffer
	assert.PanicsWithValue(t, fatalExit{1}, func() {
		_ = Start(&fakeAPI{}, nil,
			WithDiagnostics(&diag),
			WithExitFunc(func(code int) { panic(fatalExit{code}) }))
	})
	assert.Contains(t, diag.String(), "Start(): ParseSamplingConfig")
	assert.Nil(t, Default())
}
