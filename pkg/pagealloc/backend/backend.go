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

// Package backend creates allocators from their configuration.
package backend

import (
	"fmt"
	"io"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1"
	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/mempolicy"
	"github.com/containers/fragtest/pkg/pagealloc"
	"github.com/containers/fragtest/pkg/pagealloc/buddy"
	"github.com/containers/fragtest/pkg/pagealloc/mmap"
)

var log = logger.Get("backend")

// New creates the allocator for the given backend configuration. If the
// allocator holds resources beyond its blocks, it implements io.Closer.
func New(cfg *cfgapi.BackendConfig) (pagealloc.Allocator, error) {
	c := *cfg
	c.SetDefaults()

	switch c.Type {
	case cfgapi.BackendSim:
		opts := []buddy.Option{buddy.WithMaxOrder(c.MaxOrder)}
		if len(c.Zones) > 0 {
			zones := make([]buddy.ZoneConfig, 0, len(c.Zones))
			for _, z := range c.Zones {
				zones = append(zones, buddy.ZoneConfig{Name: z.Name, Pages: z.Pages})
			}
			opts = append(opts, buddy.WithZones(zones...))
		}
		a, err := buddy.New(opts...)
		if err != nil {
			return nil, err
		}
		log.Info("created simulated allocator with %d pages", a.TotalPages())
		return a, nil

	case cfgapi.BackendMmap:
		opts := []mmap.Option{
			mmap.WithMaxOrder(c.MaxOrder),
			mmap.WithPhysicalFrames(c.PhysicalFrames),
		}
		if c.MemPolicy != "" || len(c.Nodes) > 0 {
			mode, err := mempolicy.ParseMode(c.MemPolicy)
			if err != nil {
				return nil, err
			}
			opts = append(opts, mmap.WithNodes(mode, c.Nodes...))
		}
		a, err := mmap.New(opts...)
		if err != nil {
			return nil, err
		}
		log.Info("created mmap allocator, page size %d", a.PageSize())
		return a, nil
	}

	return nil, fmt.Errorf("unknown allocator backend %q", c.Type)
}

// NewClassifier creates the region classifier for the given backend
// configuration.
func NewClassifier(cfg *cfgapi.BackendConfig) (*pagealloc.Classifier, error) {
	table, err := cfg.ParseRegionTable()
	if err != nil {
		return nil, err
	}
	return pagealloc.NewClassifier(table), nil
}

// Close releases any resources held by the allocator.
func Close(a pagealloc.Allocator) error {
	if c, ok := a.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
