// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fragtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/containers/fragtest/pkg/fragtest"
)

func TestPacingTicks(t *testing.T) {
	p := fragtest.NewPacingClock(testingclock.NewFakeClock(time.Now()), 1000)

	require.Equal(t, int64(0), p.Ticks(0))
	require.Equal(t, int64(1), p.Ticks(time.Nanosecond))
	require.Equal(t, int64(1), p.Ticks(time.Millisecond))
	require.Equal(t, int64(2), p.Ticks(1500*time.Microsecond))
	require.Equal(t, int64(250), p.Ticks(250*time.Millisecond))

	p = fragtest.NewPacingClock(testingclock.NewFakeClock(time.Now()), 0)
	require.Equal(t, int64(fragtest.DefaultTickRate), p.Ticks(time.Second))
}

func TestPacingWait(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(1000, 0))
	p := fragtest.NewPacingClock(fc, 1000)
	ctx := context.Background()

	require.Equal(t, int64(0), p.Now())
	require.NoError(t, p.Wait(ctx))

	p.Advance(100 * time.Millisecond)
	require.Equal(t, int64(100), p.Next())

	done := make(chan error, 1)
	go func() {
		done <- p.Wait(ctx)
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(50 * time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("wait returned early (%v)", err)
	case <-time.After(20 * time.Millisecond):
	}

	fc.Step(50 * time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return")
	}
	require.Equal(t, int64(100), p.Now())
}

func TestPacingNoCatchUp(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(1000, 0))
	p := fragtest.NewPacingClock(fc, 1000)

	p.Advance(10 * time.Millisecond)
	fc.Step(time.Second)

	// falling behind does not queue up ticks
	require.NoError(t, p.Wait(context.Background()))
	p.Advance(10 * time.Millisecond)
	require.Equal(t, int64(1010), p.Next())
}

func TestPacingWaitCancel(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(1000, 0))
	p := fragtest.NewPacingClock(fc, 1000)

	p.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Wait(ctx)
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestPacingClockGoesBackwards(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(1000, 0))
	p := fragtest.NewPacingClock(fc, 1000)

	p.Advance(time.Hour)
	fc.SetTime(time.Unix(999, 0))

	require.NoError(t, p.Wait(context.Background()))
	require.Equal(t, int64(-1000), p.Next())
}
