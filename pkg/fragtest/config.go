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
	"fmt"
	"math"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/containers/fragtest/pkg/pagealloc"
)

// Mode is the mode of a run.
type Mode int

const (
	// ModePaced makes paced batches of allocation attempts.
	ModePaced Mode = iota
	// ModeFillAndFragment allocates until failure, then randomly evicts.
	ModeFillAndFragment
)

var (
	modeToString = map[Mode]string{
		ModePaced:           "paced",
		ModeFillAndFragment: "fill-and-fragment",
	}
	stringToMode = map[string]Mode{
		"paced":             ModePaced,
		"highalloc":         ModePaced,
		"fill-and-fragment": ModeFillAndFragment,
		"fragalloc":         ModeFillAndFragment,
	}
)

// ParseMode parses the given string into a run mode.
func ParseMode(str string) (Mode, error) {
	if m, ok := stringToMode[strings.ToLower(strings.TrimSpace(str))]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, str)
}

// IsValid returns true if the mode is known.
func (m Mode) IsValid() bool {
	_, ok := modeToString[m]
	return ok
}

// String returns the name of the mode.
func (m Mode) String() string {
	if str, ok := modeToString[m]; ok {
		return str
	}
	return fmt.Sprintf("%%!(fragtest:Bad-Mode %d)", m)
}

// MarshalText is the encoding.TextMarshaler for Mode.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText is the encoding.TextUnmarshaler for Mode.
func (m *Mode) UnmarshalText(data []byte) error {
	mode, err := ParseMode(string(data))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

const (
	DefaultOrder               = 0
	DefaultPolicy              = pagealloc.PolicyHighUser
	DefaultBatchUnits          = 1
	DefaultBatchCount          = 128
	DefaultPacingDelay         = 100 * time.Millisecond
	DefaultCheckInterval       = 32
	DefaultEvictFraction       = 0.1
	DefaultPageblockOrder      = 9
	DefaultAttemptStallTimeout = 600 * time.Second
	DefaultSuccessStallTimeout = 1200 * time.Second

	// MaxPageblockOrder is the largest supported alignment window order.
	MaxPageblockOrder = 20
	// MaxTrackedAttempts is the most attempts a single run can record.
	MaxTrackedAttempts = 1 << 24
)

// Config is the configuration of a run.
type Config struct {
	// Order of allocated blocks, each block is 2^Order pages.
	Order int `json:"order"`
	// Policy used for allocations.
	Policy pagealloc.Policy `json:"policy"`
	// BatchUnits is the number of attempts per paced batch.
	BatchUnits int `json:"batchUnits"`
	// BatchCount is the number of paced batches.
	BatchCount int `json:"batchCount"`
	// PacingDelay is the minimum delay between the start of two batches.
	PacingDelay time.Duration `json:"pacingDelay"`
	// CheckInterval is the number of successful allocations between
	// fragmentation samples.
	CheckInterval int `json:"checkInterval"`
	// EvictFraction is the fraction of held blocks to evict after filling.
	EvictFraction float64 `json:"evictFraction"`
	// PageblockOrder defines the alignment window size, 2^PageblockOrder
	// frame numbers.
	PageblockOrder int `json:"pageblockOrder"`
	// AttemptStallTimeout aborts a run when a single attempt takes longer.
	AttemptStallTimeout time.Duration `json:"attemptStallTimeout"`
	// SuccessStallTimeout aborts a run when no allocation succeeds for longer.
	SuccessStallTimeout time.Duration `json:"successStallTimeout"`
	// StopOnFailure ends a paced run at the first failed allocation.
	StopOnFailure bool `json:"stopOnFailure,omitempty"`
	// FillLimit caps the number of blocks allocated while filling, 0 for none.
	FillLimit int `json:"fillLimit,omitempty"`
	// Seed seeds eviction randomness, 0 picks a random seed for every run.
	Seed uint64 `json:"seed,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Order:               DefaultOrder,
		Policy:              DefaultPolicy,
		BatchUnits:          DefaultBatchUnits,
		BatchCount:          DefaultBatchCount,
		PacingDelay:         DefaultPacingDelay,
		CheckInterval:       DefaultCheckInterval,
		EvictFraction:       DefaultEvictFraction,
		PageblockOrder:      DefaultPageblockOrder,
		AttemptStallTimeout: DefaultAttemptStallTimeout,
		SuccessStallTimeout: DefaultSuccessStallTimeout,
	}
}

// Validate checks the configuration against an allocator with the given
// exclusive upper bound for block orders.
func (c *Config) Validate(maxOrder uint) error {
	var errs field.ErrorList

	if c.Order < 0 || uint(c.Order) >= maxOrder {
		errs = append(errs, field.Invalid(field.NewPath("order"), c.Order,
			fmt.Sprintf("must be between 0 and %d", int(maxOrder)-1)))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, field.Invalid(field.NewPath("policy"), uint32(c.Policy), err.Error()))
	}
	if c.BatchUnits < 1 {
		errs = append(errs, field.Invalid(field.NewPath("batchUnits"), c.BatchUnits,
			"must be at least 1"))
	}
	if c.BatchCount < 0 {
		errs = append(errs, field.Invalid(field.NewPath("batchCount"), c.BatchCount,
			"must not be negative"))
	}
	if c.PacingDelay < 0 {
		errs = append(errs, field.Invalid(field.NewPath("pacingDelay"), c.PacingDelay.String(),
			"must not be negative"))
	}
	if c.CheckInterval < 1 {
		errs = append(errs, field.Invalid(field.NewPath("checkInterval"), c.CheckInterval,
			"must be at least 1"))
	}
	if math.IsNaN(c.EvictFraction) || c.EvictFraction < 0 || c.EvictFraction > 1 {
		errs = append(errs, field.Invalid(field.NewPath("evictFraction"), c.EvictFraction,
			"must be between 0.0 and 1.0"))
	}
	if c.PageblockOrder < 0 || c.PageblockOrder > MaxPageblockOrder {
		errs = append(errs, field.Invalid(field.NewPath("pageblockOrder"), c.PageblockOrder,
			fmt.Sprintf("must be between 0 and %d", MaxPageblockOrder)))
	}
	if c.AttemptStallTimeout <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("attemptStallTimeout"),
			c.AttemptStallTimeout.String(), "must be positive"))
	}
	if c.SuccessStallTimeout <= 0 {
		errs = append(errs, field.Invalid(field.NewPath("successStallTimeout"),
			c.SuccessStallTimeout.String(), "must be positive"))
	} else if c.AttemptStallTimeout > c.SuccessStallTimeout {
		errs = append(errs, field.Invalid(field.NewPath("attemptStallTimeout"),
			c.AttemptStallTimeout.String(), "must not exceed successStallTimeout"))
	}
	if c.FillLimit < 0 {
		errs = append(errs, field.Invalid(field.NewPath("fillLimit"), c.FillLimit,
			"must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errs.ToAggregate())
	}

	return nil
}

// WindowShift returns the alignment window size as a power of two.
func (c *Config) WindowShift() uint {
	return uint(c.PageblockOrder)
}

// WindowSize returns the alignment window size in frame numbers.
func (c *Config) WindowSize() int {
	return 1 << c.PageblockOrder
}

// UnitsPerWindow returns the number of blocks of the configured order
// which fit into a single alignment window, at least 1.
func (c *Config) UnitsPerWindow() int {
	if c.Order >= c.PageblockOrder {
		return 1
	}
	return 1 << (c.PageblockOrder - c.Order)
}

// trackedAttempts returns the number of attempts a run in the given mode
// needs to record, or an error if that is more than we can track.
func (c *Config) trackedAttempts(mode Mode) (int, error) {
	switch mode {
	case ModePaced:
		if c.BatchCount > 0 && c.BatchUnits > MaxTrackedAttempts/c.BatchCount {
			return 0, fmt.Errorf("%w: %d x %d attempts exceeds limit %d", ErrResourceSetup,
				c.BatchCount, c.BatchUnits, MaxTrackedAttempts)
		}
		return c.BatchCount * c.BatchUnits, nil
	case ModeFillAndFragment:
		if c.FillLimit > MaxTrackedAttempts {
			return 0, fmt.Errorf("%w: fill limit %d exceeds limit %d", ErrResourceSetup,
				c.FillLimit, MaxTrackedAttempts)
		}
		if c.FillLimit > 0 {
			return c.FillLimit + 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidMode, mode)
}
