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

// Package mmap implements a page allocator on top of anonymous memory
// mappings. Each block is a separate mapping populated at allocation
// time, optionally bound to a set of NUMA nodes. When the process can
// read its pagemap, blocks are identified by the physical frame number
// of their first page and classified by the zone spanning that frame.
// Otherwise the virtual page number is used and blocks are unclassified.
package mmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/mempolicy"
	"github.com/containers/fragtest/pkg/mminfo"
	"github.com/containers/fragtest/pkg/pagealloc"
)

const (
	// DefaultMaxOrder is the default exclusive upper bound for block orders.
	DefaultMaxOrder = 11

	pagemapPath    = "/proc/self/pagemap"
	pagemapPresent = uint64(1) << 63
	pagemapPFNMask = (uint64(1) << 55) - 1
)

var (
	log = logger.Get("mmap")
)

// Allocator allocates blocks as anonymous memory mappings.
type Allocator struct {
	sync.Mutex
	pageSize int
	maxOrder uint
	mpolMode uint
	nodes    []int
	usePFN   bool
	pagemap  *os.File
	zones    mminfo.ZoneInfo
	mappings map[uintptr]*mapping
}

type mapping struct {
	mem  []byte
	zone string
}

// Option is an option for the allocator.
type Option func(*Allocator) error

// WithNodes binds allocated memory to the given NUMA nodes using the given
// memory policy mode.
func WithNodes(mode uint, nodes ...int) Option {
	return func(a *Allocator) error {
		if len(nodes) == 0 {
			return fmt.Errorf("mmap: no nodes given for memory policy")
		}
		a.mpolMode = mode
		a.nodes = nodes
		return nil
	}
}

// WithPhysicalFrames enables looking up physical frame numbers and zones.
func WithPhysicalFrames(enabled bool) Option {
	return func(a *Allocator) error {
		a.usePFN = enabled
		return nil
	}
}

// WithMaxOrder sets the exclusive upper bound for block orders.
func WithMaxOrder(maxOrder uint) Option {
	return func(a *Allocator) error {
		if maxOrder < 1 || maxOrder > 20 {
			return fmt.Errorf("mmap: invalid max order %d", maxOrder)
		}
		a.maxOrder = maxOrder
		return nil
	}
}

var _ pagealloc.Allocator = &Allocator{}
var _ pagealloc.BuddyInfoSource = &Allocator{}

// New creates a new mmap allocator.
func New(options ...Option) (*Allocator, error) {
	a := &Allocator{
		pageSize: unix.Getpagesize(),
		maxOrder: DefaultMaxOrder,
		mappings: make(map[uintptr]*mapping),
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, err
		}
	}

	if a.usePFN {
		f, err := os.Open(pagemapPath)
		if err != nil {
			log.Warn("physical frame lookup disabled: %v", err)
		} else {
			a.pagemap = f
		}
		zones, err := mminfo.ReadZoneInfo()
		if err != nil {
			log.Warn("zone lookup disabled: %v", err)
		} else {
			a.zones = zones
		}
	}

	return a, nil
}

// Close releases all outstanding mappings and other resources.
func (a *Allocator) Close() error {
	a.Lock()
	defer a.Unlock()

	var errs []error
	for addr, m := range a.mappings {
		if err := unix.Munmap(m.mem); err != nil {
			errs = append(errs, err)
		}
		delete(a.mappings, addr)
	}
	if a.pagemap != nil {
		errs = append(errs, a.pagemap.Close())
		a.pagemap = nil
	}
	return errors.Join(errs...)
}

// Allocate maps and populates 2^order pages of anonymous memory. Population
// failure is reported as ErrNoMemory regardless of the blocking mode of the
// policy, since the kernel reclaims on our behalf while populating.
func (a *Allocator) Allocate(ctx context.Context, order uint, policy pagealloc.Policy) (*pagealloc.Block, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if order >= a.maxOrder {
		return nil, fmt.Errorf("%w: %d (max order %d)", pagealloc.ErrInvalidOrder, order, a.maxOrder)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", pagealloc.ErrNoMemory, err)
	}

	size := a.pageSize << order
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap of %d bytes: %w", pagealloc.ErrNoMemory, size, err)
	}

	if len(a.nodes) > 0 {
		if err := mempolicy.Mbind(mem, a.mpolMode, a.nodes, 0); err != nil {
			_ = unix.Munmap(mem)
			return nil, err
		}
	}

	if err := a.populate(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: populate %d bytes: %w", pagealloc.ErrNoMemory, size, err)
	}

	m := &mapping{mem: mem}
	pfn := a.frameNumber(mem, m)

	a.Lock()
	a.mappings[address(mem)] = m
	a.Unlock()

	return pagealloc.NewBlock(pfn, order, m), nil
}

// Free unmaps the given block.
func (a *Allocator) Free(b *pagealloc.Block) error {
	m, ok := b.Private().(*mapping)
	if !ok {
		return fmt.Errorf("%w: %s not allocated by us", pagealloc.ErrBadFree, b)
	}

	a.Lock()
	defer a.Unlock()

	addr := address(m.mem)
	if _, ok := a.mappings[addr]; !ok {
		return fmt.Errorf("%w: %s is not allocated", pagealloc.ErrBadFree, b)
	}
	delete(a.mappings, addr)

	return unix.Munmap(m.mem)
}

// Zone returns the zone of the block's first page, if known.
func (a *Allocator) Zone(b *pagealloc.Block) string {
	if m, ok := b.Private().(*mapping); ok {
		return m.zone
	}
	return ""
}

// MaxOrder returns the exclusive upper bound of block orders.
func (a *Allocator) MaxOrder() uint {
	return a.maxOrder
}

// BuddyInfo returns the system-wide free block counts.
func (a *Allocator) BuddyInfo() (mminfo.BuddyInfo, error) {
	return mminfo.ReadBuddyInfo()
}

// PageSize returns the system page size.
func (a *Allocator) PageSize() int {
	return a.pageSize
}

func (a *Allocator) populate(mem []byte) error {
	err := unix.Madvise(mem, unix.MADV_POPULATE_WRITE)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINVAL) {
		return err
	}

	// no MADV_POPULATE_WRITE, fault pages in by touching them
	for off := 0; off < len(mem); off += a.pageSize {
		mem[off] = 1
	}
	return nil
}

func (a *Allocator) frameNumber(mem []byte, m *mapping) uint64 {
	vpn := uint64(address(mem)) / uint64(a.pageSize)
	if a.pagemap == nil {
		return vpn
	}

	buf := make([]byte, 8)
	if _, err := a.pagemap.ReadAt(buf, int64(vpn*8)); err != nil {
		log.Debug("pagemap read for vpn %#x failed: %v", vpn, err)
		return vpn
	}

	entry := binary.LittleEndian.Uint64(buf)
	pfn := entry & pagemapPFNMask
	if entry&pagemapPresent == 0 || pfn == 0 {
		return vpn
	}

	if z, ok := a.zones.ZoneOf(pfn); ok {
		m.zone = z.Name
	}

	return pfn
}

func address(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}
