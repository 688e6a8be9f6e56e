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

package v1alpha1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"

	"github.com/containers/fragtest/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/fragtest/pkg/apis/config/v1alpha1/log"
	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/pagealloc"
)

const (
	// Kind is the kind of fragtest configuration objects.
	Kind = "FragtestConfig"
	// APIVersion is the API version of fragtest configuration objects.
	APIVersion = "config.fragtest.io/v1alpha1"
)

// FragtestConfig is the configuration of the fragmentation test harness.
// +kubebuilder:object:root=true
type FragtestConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec FragtestConfigSpec `json:"spec"`
}

// FragtestConfigSpec describes the harness, its allocator backend, and
// the ambient services.
type FragtestConfigSpec struct {
	// +optional
	Harness HarnessConfig `json:"harness,omitempty"`
	// +optional
	Backend BackendConfig `json:"backend,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// HarnessConfig is the run configuration of the harness.
type HarnessConfig struct {
	// Mode is the run mode used when none is given explicitly.
	// +optional
	// +kubebuilder:validation:Enum=paced;fill-and-fragment
	// +kubebuilder:default="paced"
	Mode string `json:"mode,omitempty"`
	// Order of allocated blocks.
	// +optional
	Order int `json:"order,omitempty"`
	// Policy for allocations, a base class with an optional +noretry.
	// +optional
	// +kubebuilder:default="highuser"
	Policy string `json:"policy,omitempty"`
	// BatchUnits is the number of attempts per paced batch.
	// +optional
	// +kubebuilder:default=1
	BatchUnits *int `json:"batchUnits,omitempty"`
	// BatchCount is the number of paced batches.
	// +optional
	// +kubebuilder:default=128
	BatchCount *int `json:"batchCount,omitempty"`
	// PacingDelay is the minimum delay between batches.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="100ms"
	PacingDelay *metav1.Duration `json:"pacingDelay,omitempty"`
	// CheckInterval is the number of successful allocations between samples.
	// +optional
	// +kubebuilder:default=32
	CheckInterval *int `json:"checkInterval,omitempty"`
	// EvictFraction is the fraction of filled blocks to evict.
	// +optional
	// +kubebuilder:default="0.1"
	EvictFraction *float64 `json:"evictFraction,omitempty"`
	// PageblockOrder is the order of alignment windows.
	// +optional
	// +kubebuilder:default=9
	PageblockOrder *int `json:"pageblockOrder,omitempty"`
	// AttemptStallTimeout aborts a run if a single attempt takes longer.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="600s"
	AttemptStallTimeout *metav1.Duration `json:"attemptStallTimeout,omitempty"`
	// SuccessStallTimeout aborts a run if no allocation succeeds for longer.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1200s"
	SuccessStallTimeout *metav1.Duration `json:"successStallTimeout,omitempty"`
	// StopOnFailure ends a paced run at the first failed allocation.
	// +optional
	StopOnFailure bool `json:"stopOnFailure,omitempty"`
	// FillLimit caps the number of blocks allocated while filling.
	// +optional
	FillLimit int `json:"fillLimit,omitempty"`
	// Seed for eviction randomness, 0 for a random seed per run.
	// +optional
	Seed uint64 `json:"seed,omitempty"`
}

// BackendConfig selects and configures the allocator backend.
type BackendConfig struct {
	// Type of the backend, sim for a simulated buddy allocator, or mmap
	// for anonymous memory mappings.
	// +optional
	// +kubebuilder:validation:Enum=sim;mmap
	// +kubebuilder:default="sim"
	Type string `json:"type,omitempty"`
	// MaxOrder is the exclusive upper bound of block orders.
	// +optional
	// +kubebuilder:default=11
	MaxOrder uint `json:"maxOrder,omitempty"`
	// Zones of the simulated allocator.
	// +optional
	Zones []ZoneConfig `json:"zones,omitempty"`
	// MemPolicy binds mmap allocations to Nodes, for instance bind or
	// preferred, optionally with |static_nodes or |relative_nodes.
	// +optional
	MemPolicy string `json:"memPolicy,omitempty"`
	// Nodes to bind mmap allocations to.
	// +optional
	Nodes []int `json:"nodes,omitempty"`
	// PhysicalFrames enables ordering mmap allocations by physical frame
	// number, which needs access to /proc/self/pagemap.
	// +optional
	PhysicalFrames bool `json:"physicalFrames,omitempty"`
	// RegionTable maps zone labels to region classes, DMA, DMA32, Normal,
	// HighMem, or Movable.
	// +optional
	RegionTable map[string]string `json:"regionTable,omitempty"`
}

// ZoneConfig is a zone of the simulated allocator.
type ZoneConfig struct {
	Name  string `json:"name"`
	Pages uint64 `json:"pages"`
}

// Load parses a YAML or JSON configuration and fills in defaults.
func Load(data []byte) (*FragtestConfig, error) {
	cfg := &FragtestConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.Kind != "" && cfg.Kind != Kind {
		return nil, fmt.Errorf("unexpected configuration kind %q, expected %q", cfg.Kind, Kind)
	}
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills in defaults for unset fields.
func (c *FragtestConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = Kind
	}
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	c.Spec.Harness.SetDefaults()
	c.Spec.Backend.SetDefaults()
}

// SetDefaults fills in defaults for unset fields.
func (h *HarnessConfig) SetDefaults() {
	def := fragtest.DefaultConfig()

	if h.Mode == "" {
		h.Mode = fragtest.ModePaced.String()
	}
	if h.Policy == "" {
		h.Policy = def.Policy.String()
	}
	if h.BatchUnits == nil {
		h.BatchUnits = &def.BatchUnits
	}
	if h.BatchCount == nil {
		h.BatchCount = &def.BatchCount
	}
	if h.PacingDelay == nil {
		h.PacingDelay = &metav1.Duration{Duration: def.PacingDelay}
	}
	if h.CheckInterval == nil {
		h.CheckInterval = &def.CheckInterval
	}
	if h.EvictFraction == nil {
		h.EvictFraction = &def.EvictFraction
	}
	if h.PageblockOrder == nil {
		h.PageblockOrder = &def.PageblockOrder
	}
	if h.AttemptStallTimeout == nil {
		h.AttemptStallTimeout = &metav1.Duration{Duration: def.AttemptStallTimeout}
	}
	if h.SuccessStallTimeout == nil {
		h.SuccessStallTimeout = &metav1.Duration{Duration: def.SuccessStallTimeout}
	}
}

// SetDefaults fills in defaults for unset fields.
func (b *BackendConfig) SetDefaults() {
	if b.Type == "" {
		b.Type = BackendSim
	}
	if b.MaxOrder == 0 {
		b.MaxOrder = DefaultMaxOrder
	}
}

const (
	// BackendSim is the simulated buddy allocator backend.
	BackendSim = "sim"
	// BackendMmap is the anonymous memory mapping backend.
	BackendMmap = "mmap"
	// DefaultMaxOrder is the default exclusive upper bound of block orders.
	DefaultMaxOrder = 11
)

// RunMode returns the parsed default run mode.
func (h *HarnessConfig) RunMode() (fragtest.Mode, error) {
	return fragtest.ParseMode(h.Mode)
}

// ToConfig converts the harness configuration to a run configuration.
// Unset fields take their default values.
func (h *HarnessConfig) ToConfig() (fragtest.Config, error) {
	var errs field.ErrorList

	c := *h
	c.SetDefaults()

	policy, err := pagealloc.ParsePolicy(c.Policy)
	if err != nil {
		errs = append(errs, field.Invalid(field.NewPath("harness", "policy"), c.Policy, err.Error()))
	}
	if _, err := fragtest.ParseMode(c.Mode); err != nil {
		errs = append(errs, field.NotSupported(field.NewPath("harness", "mode"), c.Mode,
			[]string{fragtest.ModePaced.String(), fragtest.ModeFillAndFragment.String()}))
	}
	if len(errs) > 0 {
		return fragtest.Config{}, errs.ToAggregate()
	}

	return fragtest.Config{
		Order:               c.Order,
		Policy:              policy,
		BatchUnits:          *c.BatchUnits,
		BatchCount:          *c.BatchCount,
		PacingDelay:         c.PacingDelay.Duration,
		CheckInterval:       *c.CheckInterval,
		EvictFraction:       *c.EvictFraction,
		PageblockOrder:      *c.PageblockOrder,
		AttemptStallTimeout: c.AttemptStallTimeout.Duration,
		SuccessStallTimeout: c.SuccessStallTimeout.Duration,
		StopOnFailure:       c.StopOnFailure,
		FillLimit:           c.FillLimit,
		Seed:                c.Seed,
	}, nil
}

// FromConfig returns the harness configuration for a run configuration.
func FromConfig(cfg fragtest.Config, mode fragtest.Mode) HarnessConfig {
	return HarnessConfig{
		Mode:                mode.String(),
		Order:               cfg.Order,
		Policy:              cfg.Policy.String(),
		BatchUnits:          &cfg.BatchUnits,
		BatchCount:          &cfg.BatchCount,
		PacingDelay:         &metav1.Duration{Duration: cfg.PacingDelay},
		CheckInterval:       &cfg.CheckInterval,
		EvictFraction:       &cfg.EvictFraction,
		PageblockOrder:      &cfg.PageblockOrder,
		AttemptStallTimeout: &metav1.Duration{Duration: cfg.AttemptStallTimeout},
		SuccessStallTimeout: &metav1.Duration{Duration: cfg.SuccessStallTimeout},
		StopOnFailure:       cfg.StopOnFailure,
		FillLimit:           cfg.FillLimit,
		Seed:                cfg.Seed,
	}
}

// ParseRegionTable returns the parsed region table, or nil for the default one.
func (b *BackendConfig) ParseRegionTable() (map[string]pagealloc.RegionClass, error) {
	if len(b.RegionTable) == 0 {
		return nil, nil
	}

	var errs field.ErrorList

	table := make(map[string]pagealloc.RegionClass, len(b.RegionTable))
	for label, name := range b.RegionTable {
		var class pagealloc.RegionClass
		if err := class.UnmarshalText([]byte(name)); err != nil {
			errs = append(errs, field.Invalid(field.NewPath("backend", "regionTable").Key(label),
				name, err.Error()))
			continue
		}
		table[label] = class
	}

	if len(errs) > 0 {
		return nil, errs.ToAggregate()
	}

	return table, nil
}
