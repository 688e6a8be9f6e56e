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
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/containers/fragtest/pkg/pagealloc"
)

// driver executes the allocation attempts of a single run. All of its
// state is owned by the goroutine executing the run.
type driver struct {
	mode       Mode
	cfg        Config
	alloc      pagealloc.Allocator
	classifier *pagealloc.Classifier
	clock      clock.Clock
	pacing     *PacingClock
	observers  []Observer

	pool        *Pool
	tracker     *RegionTracker
	result      *Result
	lastSuccess time.Time
	lastSample  int
	progress    rate.Sometimes
}

func newDriver(mode Mode, cfg Config, capacity int, h *Harness) *driver {
	start := h.clock.Now()
	return &driver{
		mode:       mode,
		cfg:        cfg,
		alloc:      h.alloc,
		classifier: h.classifier,
		clock:      h.clock,
		pacing:     NewPacingClock(h.clock, h.tickRate),
		observers:  h.observers,
		pool:       NewPool(capacity),
		tracker:    NewRegionTracker(cfg.WindowShift()),
		result: &Result{
			Mode:      mode,
			Config:    cfg,
			StartTime: start,
			Attempts:  make([]AttemptRecord, 0, capacity),
		},
		lastSuccess: start,
		lastSample:  -1,
		progress: rate.Sometimes{
			First:    1,
			Every:    10,
			Interval: time.Second,
		},
	}
}

// run executes all allocation attempts of the run. It returns a non-nil
// AbortReason if the run was cut short by a stall or a stop request.
func (d *driver) run(ctx context.Context) *AbortReason {
	var abort *AbortReason

	switch d.mode {
	case ModePaced:
		abort = d.runPaced(ctx)
	case ModeFillAndFragment:
		abort = d.runFill(ctx)
	}

	if d.lastSample != d.result.Successes && d.result.Successes > 0 {
		d.sample(PhaseFill)
	}

	return abort
}

// runPaced makes BatchCount batches of BatchUnits attempts, starting
// batches no more often than once per PacingDelay.
func (d *driver) runPaced(ctx context.Context) *AbortReason {
	for range d.cfg.BatchCount {
		if err := d.pacing.Wait(ctx); err != nil {
			return d.stopped(err)
		}
		d.pacing.Advance(d.cfg.PacingDelay)

		for range d.cfg.BatchUnits {
			if err := ctx.Err(); err != nil {
				return d.stopped(err)
			}
			ok, abort := d.attempt(ctx, d.cfg.Policy)
			if abort != nil {
				return abort
			}
			if !ok && d.cfg.StopOnFailure {
				log.Info("stopping at first failed allocation (attempt %d)",
					len(d.result.Attempts)-1)
				return nil
			}
		}
	}

	return nil
}

// runFill allocates without pacing or retrying until the first failure or
// until FillLimit blocks have been allocated.
func (d *driver) runFill(ctx context.Context) *AbortReason {
	policy := d.cfg.Policy | pagealloc.PolicyNoRetry

	for d.cfg.FillLimit == 0 || d.result.Successes < d.cfg.FillLimit {
		if len(d.result.Attempts) >= MaxTrackedAttempts {
			log.Warn("stopping fill after %d attempts", len(d.result.Attempts))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return d.stopped(err)
		}
		ok, abort := d.attempt(ctx, policy)
		if abort != nil {
			return abort
		}
		if !ok {
			log.Info("memory filled after %d allocations", d.result.Successes)
			return nil
		}
	}

	return nil
}

// attempt makes and records a single allocation attempt. It returns true
// if the allocation succeeded and a non-nil AbortReason if a stall was
// detected.
func (d *driver) attempt(ctx context.Context, policy pagealloc.Policy) (bool, *AbortReason) {
	idx := len(d.result.Attempts)

	// A stop request is only honored between attempts, so an attempt is
	// bounded by the stall timeout alone.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AttemptStallTimeout)
	start := d.clock.Now()
	b, err := d.alloc.Allocate(actx, uint(d.cfg.Order), policy)
	cancel()
	now := d.clock.Now()
	latency := now.Sub(start)

	rec := AttemptRecord{
		Index:   idx,
		Outcome: OutcomeFailure,
		Latency: latency,
		Region:  pagealloc.RegionUnclassified,
	}

	if err == nil && b != nil {
		rec.Outcome = OutcomeSuccess
		rec.Region = d.classifier.ClassifyBlock(d.alloc, b)
		rec.PFN = b.PFN()
		d.pool.Add(b)
		d.tracker.Add(b.PFN())
		d.result.Successes++
		d.result.Regions.Add(rec.Region)
		d.lastSuccess = now
	} else {
		d.result.Failures++
		if err != nil && !errors.Is(err, pagealloc.ErrNoMemory) &&
			!errors.Is(err, context.DeadlineExceeded) {
			log.Warn("attempt %d: allocation failed: %v", idx, err)
		}
	}

	d.result.Attempts = append(d.result.Attempts, rec)
	for _, o := range d.observers {
		o.AttemptDone(rec)
	}

	d.progress.Do(func() {
		log.Info("attempt %d: %d successes, %d failures, latency %s", idx,
			d.result.Successes, d.result.Failures, latency)
	})

	if rec.Outcome == OutcomeSuccess && d.checkpoint() {
		d.sample(PhaseFill)
	}

	if latency > d.cfg.AttemptStallTimeout || errors.Is(err, context.DeadlineExceeded) {
		return rec.Outcome == OutcomeSuccess, &AbortReason{
			Kind:         AbortAttemptStall,
			AttemptIndex: idx,
			Message: fmt.Sprintf("allocation took %s, longer than %s",
				latency, d.cfg.AttemptStallTimeout),
		}
	}
	if stall := now.Sub(d.lastSuccess); stall > d.cfg.SuccessStallTimeout {
		return false, &AbortReason{
			Kind:         AbortSuccessStall,
			AttemptIndex: idx,
			Message: fmt.Sprintf("no successful allocation in %s, longer than %s",
				stall, d.cfg.SuccessStallTimeout),
		}
	}

	return rec.Outcome == OutcomeSuccess, nil
}

// checkpoint returns true if the latest success should be sampled. The
// first success and every CheckInterval-th one are checkpoints.
func (d *driver) checkpoint() bool {
	n := d.result.Successes
	return n == 1 || n%d.cfg.CheckInterval == 0
}

// sample takes a fragmentation sample of all blocks allocated so far.
func (d *driver) sample(phase Phase) {
	units := d.tracker.Units()
	s := Sample{
		Phase:        phase,
		AttemptIndex: len(d.result.Attempts) - 1,
		Units:        units,
		Regions:      d.tracker.Regions(),
		MinRegions:   MinRegions(units, d.cfg.UnitsPerWindow()),
	}
	d.addSample(s)
	d.lastSample = d.result.Successes
}

// sampleEvicted takes a fragmentation sample of the blocks left in the
// pool after eviction.
func (d *driver) sampleEvicted() {
	units := d.pool.Len()
	d.addSample(Sample{
		Phase:        PhaseEvicted,
		AttemptIndex: len(d.result.Attempts) - 1,
		Units:        units,
		Regions:      RegionCount(d.pool.Keys(), d.cfg.WindowShift()),
		MinRegions:   MinRegions(units, d.cfg.UnitsPerWindow()),
	})
}

func (d *driver) addSample(s Sample) {
	d.result.Samples = append(d.result.Samples, s)
	details.Debug("sample %s@%d: %d units in %d regions (min %d, index %s)",
		s.Phase, s.AttemptIndex, s.Units, s.Regions, s.MinRegions, s.Index())
	for _, o := range d.observers {
		o.SampleTaken(s)
	}
}

// stopped returns the AbortReason for a run stopped by its context.
func (d *driver) stopped(err error) *AbortReason {
	return &AbortReason{
		Kind:         AbortStopped,
		AttemptIndex: len(d.result.Attempts),
		Message:      err.Error(),
	}
}
