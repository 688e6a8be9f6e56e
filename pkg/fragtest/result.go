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
	"io"
	"slices"
	"time"

	"github.com/containers/fragtest/pkg/mminfo"
	"github.com/containers/fragtest/pkg/pagealloc"
)

// Outcome is the outcome of an allocation attempt.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

// String returns the name of the outcome.
func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// MarshalText is the encoding.TextMarshaler for Outcome.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText is the encoding.TextUnmarshaler for Outcome.
func (o *Outcome) UnmarshalText(data []byte) error {
	switch string(data) {
	case "success":
		*o = OutcomeSuccess
	case "failure":
		*o = OutcomeFailure
	default:
		return fmt.Errorf("fragtest: invalid outcome %q", string(data))
	}
	return nil
}

// AttemptRecord records a single allocation attempt.
type AttemptRecord struct {
	Index   int           `json:"index"`
	Outcome Outcome       `json:"outcome"`
	Latency time.Duration `json:"latency"`
	// Region of the allocated block, RegionUnclassified for failed attempts.
	Region pagealloc.RegionClass `json:"region"`
	PFN    uint64                `json:"pfn,omitempty"`
}

// Phase identifies the part of a run a sample was taken in.
type Phase string

const (
	// PhaseFill samples are taken while allocating.
	PhaseFill Phase = "fill"
	// PhaseEvicted samples are taken after eviction.
	PhaseEvicted Phase = "evicted"
)

// Sample is a fragmentation metric sample.
type Sample struct {
	Phase Phase `json:"phase"`
	// AttemptIndex is the index of the attempt after which the sample was taken.
	AttemptIndex int `json:"attempt"`
	// Units is the number of blocks in the sampled set.
	Units int `json:"units"`
	// Regions is the number of windows occupied by the sampled set.
	Regions int `json:"regions"`
	// MinRegions is the fewest windows the sampled set could occupy.
	MinRegions int `json:"minRegions"`
}

// Index returns the fragmentation index of the sample.
func (s Sample) Index() Index {
	return FragmentationIndex(s.Regions, s.MinRegions)
}

// AbortKind is the reason a run was aborted.
type AbortKind string

const (
	// AbortAttemptStall is an abort due to a single slow attempt.
	AbortAttemptStall AbortKind = "attempt-stall"
	// AbortSuccessStall is an abort due to no successful allocations.
	AbortSuccessStall AbortKind = "success-stall"
	// AbortStopped is an abort due to a stop request.
	AbortStopped AbortKind = "stopped"
)

// AbortReason describes why and where a run was aborted.
type AbortReason struct {
	Kind         AbortKind `json:"kind"`
	AttemptIndex int       `json:"attempt"`
	Message      string    `json:"message,omitempty"`
}

// String returns a string representation of the abort reason.
func (a *AbortReason) String() string {
	if a == nil {
		return "not aborted"
	}
	return fmt.Sprintf("%s at attempt %d: %s", a.Kind, a.AttemptIndex, a.Message)
}

// LatencySummary summarizes attempt latencies.
type LatencySummary struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
}

// SummarizeLatencies summarizes the latencies of the given attempts.
func SummarizeLatencies(records []AttemptRecord) LatencySummary {
	if len(records) == 0 {
		return LatencySummary{}
	}

	lat := make([]time.Duration, 0, len(records))
	sum := time.Duration(0)
	for _, r := range records {
		lat = append(lat, r.Latency)
		sum += r.Latency
	}
	slices.Sort(lat)

	return LatencySummary{
		Count: len(lat),
		Min:   lat[0],
		Max:   lat[len(lat)-1],
		Mean:  sum / time.Duration(len(lat)),
		P50:   percentile(lat, 50),
		P99:   percentile(lat, 99),
	}
}

// percentile returns the nearest-rank percentile of sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1]
}

// Result is the result of a run.
type Result struct {
	Mode      Mode          `json:"mode"`
	Config    Config        `json:"config"`
	State     State         `json:"state"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	// Seed is the seed eviction randomness was generated with.
	Seed     uint64          `json:"seed,omitempty"`
	Attempts []AttemptRecord `json:"attempts,omitempty"`
	Samples  []Sample        `json:"samples,omitempty"`
	// Regions counts successful allocations per region class.
	Regions   pagealloc.RegionCounts `json:"regions"`
	Successes int                    `json:"successes"`
	Failures  int                    `json:"failures"`
	Evicted   int                    `json:"evicted"`
	// PoolSize is the number of blocks held at the end of the run.
	PoolSize int `json:"poolSize"`
	// Freed is the number of blocks freed by eviction and cleanup.
	Freed        int            `json:"freed"`
	FinalRegions int            `json:"finalRegions"`
	MinRegions   int            `json:"minRegions"`
	Index        Index          `json:"index"`
	Latency      LatencySummary `json:"latency"`
	Abort        *AbortReason   `json:"abort,omitempty"`
	// Errors are errors encountered while freeing blocks.
	Errors      []string         `json:"errors,omitempty"`
	BuddyBefore mminfo.BuddyInfo `json:"buddyBefore,omitempty"`
	BuddyAfter  mminfo.BuddyInfo `json:"buddyAfter,omitempty"`
}

// Summary is a condensed, caller-consumable view of a Result.
type Summary struct {
	Mode           Mode                   `json:"mode"`
	State          State                  `json:"state"`
	StartTime      time.Time              `json:"startTime"`
	Duration       time.Duration          `json:"duration"`
	Order          int                    `json:"order"`
	Policy         pagealloc.Policy       `json:"policy"`
	Attempts       int                    `json:"attempts"`
	Successes      int                    `json:"successes"`
	Failures       int                    `json:"failures"`
	SuccessPercent float64                `json:"successPercent"`
	Regions        pagealloc.RegionCounts `json:"regions"`
	Evicted        int                    `json:"evicted"`
	PoolSize       int                    `json:"poolSize"`
	FinalRegions   int                    `json:"finalRegions"`
	MinRegions     int                    `json:"minRegions"`
	Index          Index                  `json:"index"`
	Latency        LatencySummary         `json:"latency"`
	Abort          *AbortReason           `json:"abort,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
}

// Aborted returns true if the run was aborted.
func (r *Result) Aborted() bool {
	return r.Abort != nil
}

// SuccessPercent returns the percentage of successful attempts.
func (r *Result) SuccessPercent() float64 {
	if len(r.Attempts) == 0 {
		return 0
	}
	return 100 * float64(r.Successes) / float64(len(r.Attempts))
}

// Summary returns a summary of the result.
func (r *Result) Summary() *Summary {
	return &Summary{
		Mode:           r.Mode,
		State:          r.State,
		StartTime:      r.StartTime,
		Duration:       r.Duration,
		Order:          r.Config.Order,
		Policy:         r.Config.Policy,
		Attempts:       len(r.Attempts),
		Successes:      r.Successes,
		Failures:       r.Failures,
		SuccessPercent: r.SuccessPercent(),
		Regions:        r.Regions,
		Evicted:        r.Evicted,
		PoolSize:       r.PoolSize,
		FinalRegions:   r.FinalRegions,
		MinRegions:     r.MinRegions,
		Index:          r.Index,
		Latency:        r.Latency,
		Abort:          r.Abort,
		Errors:         r.Errors,
	}
}

// WriteReport writes a human readable report of the result.
func (r *Result) WriteReport(w io.Writer) error {
	var err error
	printf := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	printf("Mode:                    %s\n", r.Mode)
	printf("Order:                   %d\n", r.Config.Order)
	printf("Policy:                  %s\n", r.Config.Policy)
	printf("Attempted allocations:   %d\n", len(r.Attempts))
	printf("Success allocs:          %d\n", r.Successes)
	printf("Failed allocs:           %d\n", r.Failures)
	for _, class := range pagealloc.RegionClasses() {
		printf("%-24s %d\n", class.String()+" zone allocs:", r.Regions[class])
	}
	printf("%% Success:               %.1f\n", r.SuccessPercent())
	if r.Mode == ModeFillAndFragment {
		printf("Evicted:                 %d\n", r.Evicted)
	}
	printf("Check interval:          %d\n", r.Config.CheckInterval)
	printf("Minimum regions:         %d\n", r.MinRegions)
	printf("Final regions:           %d\n", r.FinalRegions)
	printf("Fragmentation index:     %s\n", r.Index)
	printf("Latency min/p50/p99/max: %s/%s/%s/%s\n",
		r.Latency.Min, r.Latency.P50, r.Latency.P99, r.Latency.Max)
	if len(r.Samples) > 0 {
		printf("Number of regions:\n")
		for _, s := range r.Samples {
			printf("  %s %d: %d (%d units, min %d)\n", s.Phase, s.AttemptIndex,
				s.Regions, s.Units, s.MinRegions)
		}
	}
	for _, e := range r.Errors {
		printf("Error: %s\n", e)
	}
	if r.Abort != nil {
		printf("Test aborted after %d attempts: %s\n", len(r.Attempts), r.Abort)
	} else {
		printf("Test completed successfully\n")
	}

	return err
}
