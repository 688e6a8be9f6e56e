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
	"sync"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/clock"

	"github.com/containers/fragtest/pkg/instrumentation/tracing"
	"github.com/containers/fragtest/pkg/mminfo"
	"github.com/containers/fragtest/pkg/pagealloc"
)

// State is the state of a Harness.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateCompleted
	StateAborted
	StateReporting
)

var stateToString = map[State]string{
	StateIdle:        "idle",
	StateConfiguring: "configuring",
	StateRunning:     "running",
	StateCompleted:   "completed",
	StateAborted:     "aborted",
	StateReporting:   "reporting",
}

// String returns the name of the state.
func (s State) String() string {
	if str, ok := stateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("%%!(fragtest:Bad-State %d)", s)
}

// MarshalText is the encoding.TextMarshaler for State.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the encoding.TextUnmarshaler for State.
func (s *State) UnmarshalText(data []byte) error {
	for state, name := range stateToString {
		if name == string(data) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("fragtest: invalid state %q", string(data))
}

// Harness drives runs against a page allocator. A Harness executes at
// most one run at a time.
type Harness struct {
	sync.Mutex
	alloc      pagealloc.Allocator
	classifier *pagealloc.Classifier
	clock      clock.Clock
	tickRate   int
	observers  []Observer
	cfg        Config
	state      State
	cancel     context.CancelFunc
	doneC      chan struct{}
	pool       *Pool
	result     *Result
}

// Option is an option for a Harness.
type Option func(*Harness) error

// WithClock sets the clock used for pacing and latency measurements.
func WithClock(c clock.Clock) Option {
	return func(h *Harness) error {
		h.clock = c
		return nil
	}
}

// WithTickRate sets the pacing tick rate, in ticks per second.
func WithTickRate(rate int) Option {
	return func(h *Harness) error {
		if rate <= 0 {
			return fmt.Errorf("invalid tick rate %d", rate)
		}
		h.tickRate = rate
		return nil
	}
}

// WithClassifier sets the classifier for allocated blocks.
func WithClassifier(c *pagealloc.Classifier) Option {
	return func(h *Harness) error {
		h.classifier = c
		return nil
	}
}

// WithObserver adds an observer for runs.
func WithObserver(o Observer) Option {
	return func(h *Harness) error {
		h.observers = append(h.observers, o)
		return nil
	}
}

// WithConfig sets the initial run configuration.
func WithConfig(cfg Config) Option {
	return func(h *Harness) error {
		if err := cfg.Validate(h.alloc.MaxOrder()); err != nil {
			return err
		}
		h.cfg = cfg
		return nil
	}
}

// New creates a Harness for the given allocator.
func New(alloc pagealloc.Allocator, options ...Option) (*Harness, error) {
	h := &Harness{
		alloc:      alloc,
		classifier: pagealloc.NewClassifier(nil),
		clock:      clock.RealClock{},
		tickRate:   DefaultTickRate,
		cfg:        DefaultConfig(),
	}

	for _, opt := range options {
		if err := opt(h); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	return h, nil
}

// State returns the current state of the Harness.
func (h *Harness) State() State {
	h.Lock()
	defer h.Unlock()
	return h.state
}

// Config returns the current run configuration.
func (h *Harness) Config() Config {
	h.Lock()
	defer h.Unlock()
	return h.cfg
}

// Configure validates and sets the run configuration. It fails with
// ErrBusy unless the Harness is idle. An invalid configuration is
// rejected and leaves the current one in place.
func (h *Harness) Configure(cfg Config) error {
	h.Lock()
	defer h.Unlock()

	if h.state != StateIdle {
		return fmt.Errorf("%w: can't configure in state %s", ErrBusy, h.state)
	}

	h.setState(StateConfiguring)
	defer h.setState(StateIdle)

	if err := cfg.Validate(h.alloc.MaxOrder()); err != nil {
		log.Error("rejected configuration: %v", err)
		return err
	}

	h.cfg = cfg
	return nil
}

// Start starts a run in the given mode in the background. Cancelling ctx
// stops the run like Stop does. Start fails with ErrBusy if a run is
// already in progress.
func (h *Harness) Start(ctx context.Context, mode Mode) error {
	_, _, err := h.start(ctx, mode)
	return err
}

// start starts a run and returns its driver and the channel closed once
// the run has finished and its result is complete.
func (h *Harness) start(ctx context.Context, mode Mode) (*driver, <-chan struct{}, error) {
	h.Lock()
	defer h.Unlock()

	if h.state != StateIdle {
		return nil, nil, fmt.Errorf("%w: can't start in state %s", ErrBusy, h.state)
	}
	if !mode.IsValid() {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}

	h.setState(StateConfiguring)

	cfg := h.cfg
	if err := cfg.Validate(h.alloc.MaxOrder()); err != nil {
		h.setState(StateIdle)
		return nil, nil, err
	}
	capacity, err := cfg.trackedAttempts(mode)
	if err != nil {
		h.setState(StateIdle)
		return nil, nil, err
	}

	d := newDriver(mode, cfg, capacity, h)
	ctx, cancel := context.WithCancel(ctx)

	h.pool = d.pool
	h.cancel = cancel
	h.doneC = make(chan struct{})
	h.setState(StateRunning)

	go h.execute(ctx, d, h.doneC)

	return d, h.doneC, nil
}

// Run runs a test in the given mode and returns its result. The result is
// always the one of the run started by this call, even if another run
// has been started by the time it is returned.
func (h *Harness) Run(ctx context.Context, mode Mode) (*Result, error) {
	d, doneC, err := h.start(ctx, mode)
	if err != nil {
		return nil, err
	}
	<-doneC
	return d.result, nil
}

// Stop requests the active run, if any, to stop. The run stops before
// its next allocation attempt.
func (h *Harness) Stop() {
	h.Lock()
	defer h.Unlock()

	if h.cancel != nil {
		log.Info("stopping run...")
		h.cancel()
	}
}

// Wait waits for the active run, if any, to finish.
func (h *Harness) Wait(ctx context.Context) error {
	h.Lock()
	doneC := h.doneC
	h.Unlock()

	if doneC == nil {
		return nil
	}

	select {
	case <-doneC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the result of the last finished run.
func (h *Harness) Result() (*Result, error) {
	h.Lock()
	defer h.Unlock()

	if h.result == nil {
		return nil, ErrNoResult
	}
	return h.result, nil
}

// Cleanup frees any blocks still held by the last run. Runs clean up
// after themselves, so this is a no-op unless a previous cleanup failed.
func (h *Harness) Cleanup() error {
	h.Lock()
	defer h.Unlock()

	if h.state != StateIdle {
		return fmt.Errorf("%w: can't clean up in state %s", ErrBusy, h.state)
	}

	_, err := h.cleanup(h.pool)
	return err
}

func (h *Harness) execute(ctx context.Context, d *driver, doneC chan struct{}) {
	ctx, span := tracing.StartSpan(ctx, "fragtest.run",
		tracing.WithAttributes(
			tracing.Attribute("mode", d.mode.String()),
			tracing.Attribute("order", int64(d.cfg.Order)),
			tracing.Attribute("policy", d.cfg.Policy.String()),
		),
	)

	dumpConfig(d.mode, &d.cfg)
	d.result.BuddyBefore = h.buddyInfo()
	dumpBuddyInfo("initial", d.result.BuddyBefore)

	for _, o := range d.observers {
		o.RunStarted(d.mode, d.cfg)
	}

	var errs *multierror.Error

	abort := d.run(ctx)

	if abort == nil && d.mode == ModeFillAndFragment {
		rng, seed := newRand(d.cfg.Seed)
		d.result.Seed = seed
		evicted, err := Evict(d.pool, d.alloc, d.cfg.EvictFraction, d.cfg.WindowSize(), rng)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		d.result.Evicted = evicted
		d.result.Freed = evicted
		d.sampleEvicted()
	}

	h.Lock()
	if abort != nil {
		h.setState(StateAborted)
	} else {
		h.setState(StateCompleted)
	}
	state := h.state
	h.setState(StateReporting)
	h.Unlock()

	res := d.result
	res.State = state
	res.Abort = abort
	res.PoolSize = d.pool.Len()
	res.Duration = h.clock.Since(res.StartTime)
	res.Latency = SummarizeLatencies(res.Attempts)
	res.MinRegions = MinRegions(res.PoolSize, d.cfg.UnitsPerWindow())
	res.FinalRegions = RegionCount(d.pool.Keys(), d.cfg.WindowShift())
	res.Index = FragmentationIndex(res.FinalRegions, res.MinRegions)

	if abort != nil {
		log.Warn("test aborted after %d attempts: %s", len(res.Attempts), abort)
	}

	freed, err := h.cleanup(d.pool)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	res.Freed += freed
	if errs != nil {
		for _, e := range errs.Errors {
			res.Errors = append(res.Errors, e.Error())
		}
	}

	res.BuddyAfter = h.buddyInfo()
	dumpBuddyInfo("final", res.BuddyAfter)

	log.Info("%s run %s: %d/%d allocations succeeded, %d regions (min %d, index %s)",
		res.Mode, res.State, res.Successes, len(res.Attempts), res.FinalRegions,
		res.MinRegions, res.Index)

	for _, o := range d.observers {
		o.RunFinished(res)
	}

	span.SetAttributes(
		tracing.Attribute("attempts", int64(len(res.Attempts))),
		tracing.Attribute("successes", int64(res.Successes)),
		tracing.Attribute("state", res.State.String()),
	)
	if abort != nil {
		span.End(tracing.WithStatus(errors.New(abort.String())))
	} else {
		span.End(tracing.WithStatus(errs.ErrorOrNil()))
	}

	h.Lock()
	h.result = res
	h.cancel()
	h.cancel = nil
	h.doneC = nil
	h.setState(StateIdle)
	h.Unlock()

	close(doneC)
}

// cleanup frees all blocks left in the pool. It returns the number of
// blocks freed and any errors freeing them. Cleaning up an empty pool is
// a no-op.
func (h *Harness) cleanup(pool *Pool) (int, error) {
	if pool == nil || pool.Len() == 0 {
		return 0, nil
	}

	var (
		freed = 0
		errs  *multierror.Error
	)

	log.Debug("freeing %d blocks...", pool.Len())

	for pool.Len() > 0 {
		b := pool.RemoveHead()
		if err := h.alloc.Free(b); err != nil {
			errs = multierror.Append(errs, err)
		}
		freed++
	}

	return freed, errs.ErrorOrNil()
}

func (h *Harness) buddyInfo() mminfo.BuddyInfo {
	src, ok := h.alloc.(pagealloc.BuddyInfoSource)
	if !ok {
		return nil
	}
	bi, err := src.BuddyInfo()
	if err != nil {
		log.Warn("failed to read buddy info: %v", err)
		return nil
	}
	return bi
}

// setState sets the state of the Harness. The caller must hold the lock.
func (h *Harness) setState(state State) {
	if h.state != state {
		details.Debug("state %s -> %s", h.state, state)
	}
	h.state = state
}
