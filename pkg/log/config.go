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

package log

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1/log"
	"github.com/containers/fragtest/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar seeds the debug source map, for instance on:fragtest,driver.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar turns on source prefixes if set to a non-empty value.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap maps logger sources to their debug state. The source "*" is
// the state for sources without an entry of their own.
type srcmap map[string]bool

var (
	klogctl = klogcontrol.Get()
)

// parse parses a comma-separated list of [state:]source entries into the
// map. A state applies to the entries following it until the next state,
// entries before the first state are turned on. The source "all" is the
// same as "*".
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}

	state := "on"
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if s, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid debug entry %q", entry)
			}
			state, src = strings.TrimSpace(s), strings.TrimSpace(rest)
		}

		enabled, err := parseEnabled(state)
		if err != nil {
			return err
		}
		if src == "all" {
			src = "*"
		}
		(*m)[src] = enabled
	}

	return nil
}

// parseEnabled parses a boolean-like debug state.
func parseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "enable", "enabled", "yes", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "no", "0":
		return false, nil
	}
	return false, loggerError("invalid debug state %q", value)
}

// String returns the map in the format accepted by parse, sources sorted.
func (m srcmap) String() string {
	var on, off []string
	for _, src := range slices.Sorted(maps.Keys(m)) {
		if m[src] {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// Configure updates the logging configuration, including klog flags.
// Nothing is changed if the configuration is invalid.
func Configure(cfg *cfgapi.Config) error {
	deflog.Debug("logger configuration update %+v", cfg)

	debugFlags := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debugFlags.parse(value); err != nil {
			return fmt.Errorf("failed to parse debug setting %q: %w", value, err)
		}
	}

	level := DefaultLevel
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = l
	}

	// klog has no source field, so without headers on stderr we add our own
	prefix := cfg.LogSource ||
		isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers)

	log.Lock()
	log.setDbgMap(debugFlags)
	log.setPrefix(prefix)
	log.level = level
	log.Unlock()

	return klogctl.Configure(&cfg.Klog)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

// ParseLevel parses a severity level name.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return DefaultLevel, loggerError("unknown log level %q", name)
}

// envConfig returns the logging configuration seeded from the environment.
func envConfig() *cfgapi.Config {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}

	value, ok := os.LookupEnv(debugEnvVar)
	if !ok {
		return cfg
	}

	debugFlags := make(srcmap)
	if err := debugFlags.parse(value); err != nil {
		Default().Error("ignoring $%s=%q: %v", debugEnvVar, value, err)
		return cfg
	}
	cfg.Debug = []string{debugFlags.String()}
	Default().Info("seeded debug flags ($%s): %s", debugEnvVar, cfg.Debug[0])

	return cfg
}

func init() {
	if err := Configure(envConfig()); err != nil {
		Default().Error("initial logging configuration failed: %v", err)
	}
}
