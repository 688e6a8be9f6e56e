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

// Package metrics wraps prometheus collectors into a registry of named,
// grouped collectors. Collectors can be enabled or disabled by glob at
// runtime, and expensive ones can be polled periodically instead of being
// collected on every scrape.
//
//	metrics.MustRegister("harness", fragtest.NewMetricsObserver(),
//	    metrics.WithGroup("fragtest"))
//
//	g, err := metrics.NewGatherer(metrics.WithNamespace("fragtest"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.Handle("/metrics", g.Handler())
package metrics
