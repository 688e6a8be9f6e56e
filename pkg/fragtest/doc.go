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

// Package fragtest implements a harness for stress testing a page allocator
// and measuring the external fragmentation its allocations leave behind.
//
// # Runs
//
// A Harness drives a pagealloc.Allocator through one run at a time. A run
// is started in one of two modes. In paced mode the harness makes batches of
// allocation attempts, waiting a configured delay between the start of
// consecutive batches, and records the outcome and latency of every attempt.
// In fill-and-fragment mode the harness allocates until the first failure,
// then frees a random subset of what it holds.
//
// # Fragmentation Metric
//
// Allocated blocks are identified by their first page frame number. Frame
// numbers are grouped into aligned windows of 2^PageblockOrder frames. The
// fragmentation of a set of blocks is the number of distinct windows the set
// touches, compared to the fewest windows the same number of blocks could
// occupy if perfectly packed. During a run the metric is sampled every
// CheckInterval successful allocations and at the end of the run.
//
// # Eviction
//
// Random partial eviction frees a configured fraction of the held blocks.
// For each block to free, the pool is rotated by a random distance smaller
// than the window size and the block at its head is freed. This leaves the
// survivors scattered over many windows.
//
// # Lifecycle
//
// Every run ends with all held blocks freed, whether it completed or was
// aborted because of an allocation stall or a stop request. The result of
// the latest run stays available until the next run replaces it.
package fragtest
