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
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/containers/fragtest/pkg/pagealloc"
)

// Param describes a single run parameter.
type Param struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

type param struct {
	name        string
	description string
	get         func(*Config) string
	set         func(*Config, string) error
}

var params = []param{
	{
		name:        "order",
		description: "order of allocated blocks",
		get:         func(c *Config) string { return strconv.Itoa(c.Order) },
		set:         func(c *Config, v string) error { return parseInt(v, &c.Order) },
	},
	{
		name:        "policy",
		description: "allocation policy, base class with optional +noretry",
		get:         func(c *Config) string { return c.Policy.String() },
		set: func(c *Config, v string) error {
			if n, err := strconv.ParseUint(v, 0, 32); err == nil {
				c.Policy = pagealloc.Policy(n)
				return nil
			}
			p, err := pagealloc.ParsePolicy(v)
			if err != nil {
				return err
			}
			c.Policy = p
			return nil
		},
	},
	{
		name:        "batch_units",
		description: "number of allocation attempts per paced batch",
		get:         func(c *Config) string { return strconv.Itoa(c.BatchUnits) },
		set:         func(c *Config, v string) error { return parseInt(v, &c.BatchUnits) },
	},
	{
		name:        "batch_count",
		description: "number of paced batches",
		get:         func(c *Config) string { return strconv.Itoa(c.BatchCount) },
		set:         func(c *Config, v string) error { return parseInt(v, &c.BatchCount) },
	},
	{
		name:        "delay_ms",
		description: "minimum delay between paced batches in milliseconds",
		get: func(c *Config) string {
			return strconv.FormatInt(c.PacingDelay.Milliseconds(), 10)
		},
		set: func(c *Config, v string) error {
			return parseDuration(v, time.Millisecond, &c.PacingDelay)
		},
	},
	{
		name:        "check_interval",
		description: "successful allocations between fragmentation samples",
		get:         func(c *Config) string { return strconv.Itoa(c.CheckInterval) },
		set:         func(c *Config, v string) error { return parseInt(v, &c.CheckInterval) },
	},
	{
		name:        "evict_fraction",
		description: "fraction of filled blocks to evict, 0.0 - 1.0",
		get: func(c *Config) string {
			return strconv.FormatFloat(c.EvictFraction, 'g', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			c.EvictFraction = f
			return nil
		},
	},
	{
		name:        "pageblock_order",
		description: "order of alignment windows",
		get:         func(c *Config) string { return strconv.Itoa(c.PageblockOrder) },
		set:         func(c *Config, v string) error { return parseInt(v, &c.PageblockOrder) },
	},
	{
		name:        "attempt_stall_timeout",
		description: "abort if a single attempt takes longer, in seconds",
		get: func(c *Config) string {
			return formatSeconds(c.AttemptStallTimeout)
		},
		set: func(c *Config, v string) error {
			return parseDuration(v, time.Second, &c.AttemptStallTimeout)
		},
	},
	{
		name:        "success_stall_timeout",
		description: "abort if no allocation succeeds for longer, in seconds",
		get: func(c *Config) string {
			return formatSeconds(c.SuccessStallTimeout)
		},
		set: func(c *Config, v string) error {
			return parseDuration(v, time.Second, &c.SuccessStallTimeout)
		},
	},
	{
		name:        "stop_on_failure",
		description: "end a paced run at the first failed allocation",
		get:         func(c *Config) string { return strconv.FormatBool(c.StopOnFailure) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.StopOnFailure = b
			return nil
		},
	},
	{
		name:        "fill_limit",
		description: "maximum number of blocks to fill with, 0 for no limit",
		get:         func(c *Config) string { return strconv.Itoa(c.FillLimit) },
		set:         func(c *Config, v string) error { return parseInt(v, &c.FillLimit) },
	},
	{
		name:        "seed",
		description: "seed for eviction randomness, 0 for a random seed",
		get:         func(c *Config) string { return strconv.FormatUint(c.Seed, 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return err
			}
			c.Seed = n
			return nil
		},
	},
}

// ParamNames returns the names of all run parameters.
func ParamNames() []string {
	names := make([]string, 0, len(params))
	for _, p := range params {
		names = append(names, p.name)
	}
	return names
}

func lookupParam(name string) (*param, error) {
	idx := slices.IndexFunc(params, func(p param) bool {
		return p.name == strings.ToLower(strings.TrimSpace(name))
	})
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return &params[idx], nil
}

// Params returns all run parameters with their current values.
func (h *Harness) Params() []Param {
	h.Lock()
	defer h.Unlock()

	all := make([]Param, 0, len(params))
	for _, p := range params {
		all = append(all, Param{
			Name:        p.name,
			Value:       p.get(&h.cfg),
			Description: p.description,
		})
	}
	return all
}

// GetParam returns the current value of the named run parameter.
func (h *Harness) GetParam(name string) (string, error) {
	p, err := lookupParam(name)
	if err != nil {
		return "", err
	}

	h.Lock()
	defer h.Unlock()

	return p.get(&h.cfg), nil
}

// SetParam sets the named run parameter. Parameters can only be set while
// the Harness is idle. An invalid value is rejected with ErrInvalidParameter
// and leaves the parameter unchanged.
func (h *Harness) SetParam(name, value string) error {
	p, err := lookupParam(name)
	if err != nil {
		return err
	}

	h.Lock()
	defer h.Unlock()

	if h.state != StateIdle {
		return fmt.Errorf("%w: can't set %s in state %s", ErrBusy, p.name, h.state)
	}

	cfg := h.cfg
	if err := p.set(&cfg, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%w: %s=%q: %w", ErrInvalidParameter, p.name, value, err)
	}
	if err := cfg.Validate(h.alloc.MaxOrder()); err != nil {
		return fmt.Errorf("%w: %s=%q: %w", ErrInvalidParameter, p.name, value, err)
	}

	log.Info("parameter %s set to %s", p.name, p.get(&cfg))
	h.cfg = cfg

	return nil
}

func parseInt(v string, ptr *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*ptr = n
	return nil
}

// parseDuration parses a plain number in the given unit, or a duration
// string with an explicit unit.
func parseDuration(v string, unit time.Duration, ptr *time.Duration) error {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*ptr = time.Duration(n) * unit
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*ptr = d
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'g', -1, 64)
}
