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

package fragtest

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultTickRate is the default pacing tick rate in ticks per second.
	DefaultTickRate = 1000
)

// PacingClock paces operations at tick granularity. Advance sets the next
// eligible tick a delay after the current tick, and Wait blocks until that
// tick is reached. A run which falls behind does not try to catch up.
type PacingClock struct {
	clock    clock.Clock
	tickRate int64
	epoch    time.Time
	next     int64
	last     int64
}

// NewPacingClock creates a pacing clock with the given tick rate.
func NewPacingClock(c clock.Clock, tickRate int) *PacingClock {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	return &PacingClock{
		clock:    c,
		tickRate: int64(tickRate),
		epoch:    c.Now(),
	}
}

// Now returns the current tick.
func (p *PacingClock) Now() int64 {
	return p.clock.Since(p.epoch).Nanoseconds() * p.tickRate / int64(time.Second)
}

// Next returns the next eligible tick.
func (p *PacingClock) Next() int64 {
	return p.next
}

// Ticks returns the number of ticks corresponding to the given delay,
// rounded up.
func (p *PacingClock) Ticks(delay time.Duration) int64 {
	return (delay.Nanoseconds()*p.tickRate + int64(time.Second) - 1) / int64(time.Second)
}

// Advance sets the next eligible tick to the given delay after now.
func (p *PacingClock) Advance(delay time.Duration) {
	now := p.Now()
	p.next = now + p.Ticks(delay)
	p.last = now
}

// Wait blocks until the next eligible tick or until ctx is done. If the
// tick counter has gone backwards since it was last observed, the next
// eligible tick is reset to the current one.
func (p *PacingClock) Wait(ctx context.Context) error {
	now := p.Now()
	if now < p.last {
		p.next = now
	}

	for now < p.next {
		d := p.tickTime(p.next).Sub(p.clock.Now())
		if d <= 0 {
			d = time.Duration(int64(time.Second) / p.tickRate)
		}

		t := p.clock.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}

		now = p.Now()
	}

	p.last = now
	return ctx.Err()
}

// tickTime returns the earliest time at which the given tick is reached.
func (p *PacingClock) tickTime(tick int64) time.Time {
	ns := (tick*int64(time.Second) + p.tickRate - 1) / p.tickRate
	return p.epoch.Add(time.Duration(ns))
}
