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
	"strings"

	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/mminfo"
)

var (
	log     = logger.Get("fragtest")
	details = logger.Get("fragtest-details")
)

// dumpBuddyInfo logs buddy allocator state if details are enabled.
func dumpBuddyInfo(prefix string, bi mminfo.BuddyInfo) {
	if !details.DebugEnabled() || len(bi) == 0 {
		return
	}
	details.Debug("%s buddy info:", prefix)
	for _, line := range strings.Split(strings.TrimRight(bi.String(), "\n"), "\n") {
		details.Debug("  %s", line)
	}
}

// dumpConfig logs the configuration of a run.
func dumpConfig(mode Mode, cfg *Config) {
	log.Info("starting %s run: order %d, policy %s", mode, cfg.Order, cfg.Policy)
	if mode == ModePaced {
		log.Info("  %d batches of %d attempts, delay %s", cfg.BatchCount, cfg.BatchUnits,
			cfg.PacingDelay)
	} else {
		log.Info("  fill limit %d, evict fraction %.3f", cfg.FillLimit, cfg.EvictFraction)
	}
	details.Debug("  check interval %d, pageblock order %d", cfg.CheckInterval, cfg.PageblockOrder)
	details.Debug("  stall timeouts: attempt %s, success %s", cfg.AttemptStallTimeout,
		cfg.SuccessStallTimeout)
}
