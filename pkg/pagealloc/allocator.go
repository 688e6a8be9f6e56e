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

// Package pagealloc defines the page allocator capability the fragmentation
// harness consumes. An Allocator hands out naturally aligned blocks of
// 2^order contiguous pages, identified by the frame number of their first
// page, and takes them back with Free.
package pagealloc

import (
	"context"
	"fmt"

	"github.com/containers/fragtest/pkg/mminfo"
)

var (
	// ErrNoMemory is the ordinary allocation failure.
	ErrNoMemory = fmt.Errorf("pagealloc: insufficient free memory")
	// ErrInvalidOrder is returned for block orders the allocator can't serve.
	ErrInvalidOrder = fmt.Errorf("pagealloc: invalid order")
	// ErrInvalidPolicy is returned for unknown or unsupported policies.
	ErrInvalidPolicy = fmt.Errorf("pagealloc: invalid policy")
	// ErrBadFree is returned when freeing a block which is not allocated.
	ErrBadFree = fmt.Errorf("pagealloc: bad free")
)

// Allocator is the interface of a page allocator.
type Allocator interface {
	// Allocate allocates a block of 2^order pages with the given policy.
	// A blocking policy may wait for memory to be freed until ctx is done.
	// An ordinary failure is reported as ErrNoMemory.
	Allocate(ctx context.Context, order uint, policy Policy) (*Block, error)
	// Free releases a block previously returned by Allocate.
	Free(b *Block) error
	// Zone returns the label of the zone the block was allocated from.
	Zone(b *Block) string
	// MaxOrder returns the exclusive upper bound of supported orders.
	MaxOrder() uint
}

// BuddyInfoSource is implemented by allocators which can report the
// number of free blocks per zone and order.
type BuddyInfoSource interface {
	BuddyInfo() (mminfo.BuddyInfo, error)
}

// Block is a single allocated block of pages.
type Block struct {
	pfn     uint64
	order   uint
	private any
}

// NewBlock creates a block with the given first frame number and order.
// Private is opaque allocator-specific data.
func NewBlock(pfn uint64, order uint, private any) *Block {
	return &Block{
		pfn:     pfn,
		order:   order,
		private: private,
	}
}

// PFN returns the frame number of the first page in the block. It is
// used as the block's ordering key.
func (b *Block) PFN() uint64 {
	return b.pfn
}

// Order returns the order of the block.
func (b *Block) Order() uint {
	return b.order
}

// Pages returns the number of pages in the block.
func (b *Block) Pages() uint64 {
	return 1 << b.order
}

// Private returns the allocator-specific data of the block.
func (b *Block) Private() any {
	return b.private
}

// String returns a string representation of the block.
func (b *Block) String() string {
	if b == nil {
		return "<no block>"
	}
	return fmt.Sprintf("block<pfn %#x, order %d>", b.pfn, b.order)
}
