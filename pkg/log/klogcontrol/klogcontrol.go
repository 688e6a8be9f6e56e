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

// Package klogcontrol applies klog flags at runtime from configuration.
package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// envPrefix is prepended to upper-cased flag names to get the
	// environment variable holding the startup value of a flag.
	envPrefix = "LOGGER_"
)

// Control sets klog flags. Flags a configuration leaves unset are restored
// to their startup values, so removing a setting from a reloaded
// configuration undoes it.
type Control struct {
	sync.Mutex
	flags    *flag.FlagSet
	defaults map[string]string
	applied  map[string]string
}

var ctl = newControl()

// Get returns the klog Control.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	c := &Control{
		flags:    flag.NewFlagSet("klog", flag.ContinueOnError),
		defaults: map[string]string{},
	}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)

	c.flags.VisitAll(func(f *flag.Flag) {
		if value, ok := startupValue(f.Name); ok {
			if err := c.flags.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %s: ignoring startup value %q: %v", f.Name, value, err)
			}
		}
		c.defaults[f.Name] = f.Value.String()
	})
	c.applied = maps.Clone(c.defaults)

	return c
}

// startupValue returns the value for a flag from the environment. Headers
// are turned off by default when logging to journald, which adds its own.
func startupValue(name string) (string, bool) {
	env := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if value, ok := os.LookupEnv(env); ok {
		return value, true
	}
	if name == "skip_headers" && os.Getenv("JOURNAL_STREAM") != "" {
		return "true", true
	}
	return "", false
}

// Configure sets klog flags from the given configuration. Dedicated fields
// take effect first, then name=value pairs from Flags. Flags are set even
// if some other flag fails.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error

	want := maps.Clone(c.defaults)
	for name := range want {
		if value, ok := cfg.GetByFlag(name); ok {
			want[name] = value
		}
	}
	if cfg != nil {
		for _, pair := range cfg.Flags {
			name, value := parsePair(pair)
			if _, ok := want[name]; !ok {
				errs = append(errs, klogError("unknown klog flag %q", name))
				continue
			}
			want[name] = value
		}
	}

	c.Lock()
	defer c.Unlock()

	for _, name := range slices.Sorted(maps.Keys(want)) {
		value := want[name]
		if c.applied[name] == value {
			continue
		}
		err := c.flags.Set(name, value)
		if err != nil && value == c.defaults[name] {
			// log_backtrace_at prints a default it does not parse back
			err = c.flags.Set(name, "")
		}
		if err != nil {
			errs = append(errs, klogError("failed to set %s to %q: %w", name, value, err))
			continue
		}
		c.applied[name] = value
	}

	return errors.Join(errs...)
}

// Value returns the current value of the named klog flag.
func (c *Control) Value(name string) (string, bool) {
	c.Lock()
	defer c.Unlock()

	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// parsePair splits a [-]name[=value] flag setting. A bare name is a
// boolean flag turned on.
func parsePair(pair string) (string, string) {
	name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
	if !ok {
		value = "true"
	}
	return strings.TrimLeft(name, "-"), value
}

func klogError(format string, args ...any) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}
