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

// Package buddy implements a simulated zoned binary buddy page allocator.
// Pages are not backed by memory, only their frame numbers are tracked.
// Free blocks of each order are kept in ordered trees and allocations are
// satisfied lowest frame number first, splitting larger blocks as needed.
// Freed blocks are coalesced with their free buddies.
package buddy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/mminfo"
	"github.com/containers/fragtest/pkg/pagealloc"
)

const (
	// DefaultMaxOrder is the default exclusive upper bound for block orders.
	DefaultMaxOrder = 11
	// btreeDegree is the degree of our free block trees.
	btreeDegree = 16
)

var (
	log = logger.Get("buddy")

	// DefaultZones is the default zone layout.
	DefaultZones = []ZoneConfig{
		{Name: "DMA", Pages: 4096},
		{Name: "DMA32", Pages: 16384},
		{Name: "Normal", Pages: 65536},
		{Name: "Movable", Pages: 16384},
	}
)

// ZoneConfig describes a single zone.
type ZoneConfig struct {
	Name  string
	Pages uint64
}

// Allocator is a simulated buddy allocator.
type Allocator struct {
	sync.Mutex
	maxOrder  uint
	zoneCfg   []ZoneConfig
	zones     []*zone
	byName    map[string]*zone
	allocated map[uint64]*allocation
	reclaimC  chan struct{}
}

type zone struct {
	name  string
	start uint64
	pages uint64
	nfree uint64
	free  []*btree.BTreeG[uint64]
}

type allocation struct {
	zone  *zone
	order uint
}

// Option is an option for the allocator.
type Option func(*Allocator) error

// WithZones sets the zone layout of the allocator.
func WithZones(zones ...ZoneConfig) Option {
	return func(a *Allocator) error {
		if len(zones) == 0 {
			return fmt.Errorf("buddy: no zones given")
		}
		a.zoneCfg = zones
		return nil
	}
}

// WithMaxOrder sets the exclusive upper bound for block orders.
func WithMaxOrder(maxOrder uint) Option {
	return func(a *Allocator) error {
		if maxOrder < 1 || maxOrder > 20 {
			return fmt.Errorf("buddy: invalid max order %d", maxOrder)
		}
		a.maxOrder = maxOrder
		return nil
	}
}

var _ pagealloc.Allocator = &Allocator{}
var _ pagealloc.BuddyInfoSource = &Allocator{}

// New creates a new simulated allocator with the given options.
func New(options ...Option) (*Allocator, error) {
	a := &Allocator{
		maxOrder:  DefaultMaxOrder,
		zoneCfg:   DefaultZones,
		byName:    make(map[string]*zone),
		allocated: make(map[uint64]*allocation),
		reclaimC:  make(chan struct{}),
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, err
		}
	}

	maxBlock := uint64(1) << (a.maxOrder - 1)
	start := uint64(0)
	for _, cfg := range a.zoneCfg {
		if cfg.Name == "" || cfg.Pages == 0 {
			return nil, fmt.Errorf("buddy: invalid zone %q with %d pages", cfg.Name, cfg.Pages)
		}
		if _, ok := a.byName[cfg.Name]; ok {
			return nil, fmt.Errorf("buddy: duplicate zone %q", cfg.Name)
		}

		z := newZone(cfg.Name, start, cfg.Pages, a.maxOrder)
		a.zones = append(a.zones, z)
		a.byName[z.name] = z

		start += (cfg.Pages + maxBlock - 1) / maxBlock * maxBlock
	}

	for _, z := range a.zones {
		log.Debug("zone %s: pfn %#x-%#x, %d pages", z.name, z.start, z.start+z.pages-1, z.pages)
	}

	return a, nil
}

func newZone(name string, start, pages uint64, maxOrder uint) *zone {
	z := &zone{
		name:  name,
		start: start,
		pages: pages,
		free:  make([]*btree.BTreeG[uint64], maxOrder),
	}
	for o := range z.free {
		z.free[o] = btree.NewOrderedG[uint64](btreeDegree)
	}

	pfn, left := start, pages
	for left > 0 {
		o := maxOrder - 1
		for uint64(1)<<o > left || (pfn-start)%(uint64(1)<<o) != 0 {
			o--
		}
		z.free[o].ReplaceOrInsert(pfn)
		pfn += 1 << o
		left -= 1 << o
	}
	z.nfree = pages

	return z
}

// Allocate allocates a block of the given order from the first zone in the
// policy's fallback list with enough free memory. With a blocking policy
// the allocation waits for blocks to be freed until ctx is done.
func (a *Allocator) Allocate(ctx context.Context, order uint, policy pagealloc.Policy) (*pagealloc.Block, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if order >= a.maxOrder {
		return nil, fmt.Errorf("%w: %d (max order %d)", pagealloc.ErrInvalidOrder, order, a.maxOrder)
	}

	for {
		a.Lock()
		for _, name := range policy.ZoneFallback() {
			z, ok := a.byName[name]
			if !ok {
				continue
			}
			if pfn, ok := z.alloc(order); ok {
				a.allocated[pfn] = &allocation{zone: z, order: order}
				a.Unlock()
				return pagealloc.NewBlock(pfn, order, z), nil
			}
		}
		reclaimC := a.reclaimC
		a.Unlock()

		if !policy.Blocking() {
			return nil, fmt.Errorf("%w: order %d, policy %s", pagealloc.ErrNoMemory, order, policy)
		}

		log.Debug("waiting for order %d block to be freed...", order)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: order %d, policy %s: %w", pagealloc.ErrNoMemory,
				order, policy, ctx.Err())
		case <-reclaimC:
		}
	}
}

// Free frees the given block, coalescing it with free buddies.
func (a *Allocator) Free(b *pagealloc.Block) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", pagealloc.ErrBadFree)
	}

	a.Lock()
	defer a.Unlock()

	alloc, ok := a.allocated[b.PFN()]
	if !ok || alloc.order != b.Order() {
		return fmt.Errorf("%w: %s is not allocated", pagealloc.ErrBadFree, b)
	}

	delete(a.allocated, b.PFN())
	alloc.zone.release(b.PFN(), b.Order(), a.maxOrder)

	close(a.reclaimC)
	a.reclaimC = make(chan struct{})

	return nil
}

// Zone returns the name of the zone the block was allocated from.
func (a *Allocator) Zone(b *pagealloc.Block) string {
	if z, ok := b.Private().(*zone); ok {
		return z.name
	}
	return ""
}

// MaxOrder returns the exclusive upper bound of block orders.
func (a *Allocator) MaxOrder() uint {
	return a.maxOrder
}

// BuddyInfo returns the number of free blocks per zone and order.
func (a *Allocator) BuddyInfo() (mminfo.BuddyInfo, error) {
	a.Lock()
	defer a.Unlock()

	info := make(mminfo.BuddyInfo, 0, len(a.zones))
	for _, z := range a.zones {
		zf := mminfo.ZoneFree{
			Zone: z.name,
			Free: make([]uint64, len(z.free)),
		}
		for o, t := range z.free {
			zf.Free[o] = uint64(t.Len())
		}
		info = append(info, zf)
	}

	return info, nil
}

// FreePages returns the number of free pages in all zones.
func (a *Allocator) FreePages() uint64 {
	a.Lock()
	defer a.Unlock()

	free := uint64(0)
	for _, z := range a.zones {
		free += z.nfree
	}
	return free
}

// TotalPages returns the number of pages in all zones.
func (a *Allocator) TotalPages() uint64 {
	total := uint64(0)
	for _, z := range a.zones {
		total += z.pages
	}
	return total
}

// Allocated returns the number of outstanding allocated blocks.
func (a *Allocator) Allocated() int {
	a.Lock()
	defer a.Unlock()
	return len(a.allocated)
}

// ZoneRange returns the first frame number and the page count of a zone.
func (a *Allocator) ZoneRange(name string) (uint64, uint64, bool) {
	z, ok := a.byName[name]
	if !ok {
		return 0, 0, false
	}
	return z.start, z.pages, true
}

func (z *zone) alloc(order uint) (uint64, bool) {
	for o := order; o < uint(len(z.free)); o++ {
		pfn, ok := z.free[o].DeleteMin()
		if !ok {
			continue
		}
		for o > order {
			o--
			z.free[o].ReplaceOrInsert(pfn + 1<<o)
		}
		z.nfree -= 1 << order
		return pfn, true
	}
	return 0, false
}

func (z *zone) release(pfn uint64, order, maxOrder uint) {
	z.nfree += 1 << order

	for order < maxOrder-1 {
		buddy := z.start + ((pfn - z.start) ^ (1 << order))
		if _, ok := z.free[order].Delete(buddy); !ok {
			break
		}
		pfn = min(pfn, buddy)
		order++
	}

	z.free[order].ReplaceOrInsert(pfn)
}
