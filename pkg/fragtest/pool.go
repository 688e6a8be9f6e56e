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
	"github.com/containers/fragtest/pkg/pagealloc"
)

// Pool is the ordered collection of blocks held by a run. Blocks are kept
// in insertion order on a circular list with a logical head, so the pool
// can be rotated and its head removed cheaply.
type Pool struct {
	blocks  []*pagealloc.Block
	next    []int
	prev    []int
	head    int
	size    int
	added   int
	removed int
}

// NewPool creates an empty pool with room for the given number of blocks.
func NewPool(capacity int) *Pool {
	return &Pool{
		blocks: make([]*pagealloc.Block, 0, capacity),
		next:   make([]int, 0, capacity),
		prev:   make([]int, 0, capacity),
		head:   -1,
	}
}

// Add appends a block at the tail of the pool.
func (p *Pool) Add(b *pagealloc.Block) {
	i := len(p.blocks)
	p.blocks = append(p.blocks, b)

	if p.size == 0 {
		p.next = append(p.next, i)
		p.prev = append(p.prev, i)
		p.head = i
	} else {
		tail := p.prev[p.head]
		p.next = append(p.next, p.head)
		p.prev = append(p.prev, tail)
		p.next[tail] = i
		p.prev[p.head] = i
	}

	p.size++
	p.added++
}

// Len returns the number of blocks in the pool.
func (p *Pool) Len() int {
	return p.size
}

// Added returns the number of blocks ever added to the pool.
func (p *Pool) Added() int {
	return p.added
}

// Removed returns the number of blocks ever removed from the pool.
func (p *Pool) Removed() int {
	return p.removed
}

// Head returns the block at the head of the pool.
func (p *Pool) Head() *pagealloc.Block {
	if p.size == 0 {
		return nil
	}
	return p.blocks[p.head]
}

// Rotate moves the head n blocks forward, moving the blocks passed over
// to the tail in order.
func (p *Pool) Rotate(n int) {
	if p.size == 0 || n <= 0 {
		return
	}
	for n %= p.size; n > 0; n-- {
		p.head = p.next[p.head]
	}
}

// RemoveHead removes and returns the block at the head of the pool.
func (p *Pool) RemoveHead() *pagealloc.Block {
	if p.size == 0 {
		return nil
	}

	i := p.head
	b := p.blocks[i]
	p.blocks[i] = nil

	if p.size == 1 {
		p.head = -1
	} else {
		prev, next := p.prev[i], p.next[i]
		p.next[prev] = next
		p.prev[next] = prev
		p.head = next
	}

	p.size--
	p.removed++

	return b
}

// Foreach calls fn for each block in order, starting at the head, until
// fn returns false.
func (p *Pool) Foreach(fn func(*pagealloc.Block) bool) {
	for i, n := p.head, 0; n < p.size; i, n = p.next[i], n+1 {
		if !fn(p.blocks[i]) {
			return
		}
	}
}

// Blocks returns the blocks in the pool in order, starting at the head.
func (p *Pool) Blocks() []*pagealloc.Block {
	blocks := make([]*pagealloc.Block, 0, p.size)
	p.Foreach(func(b *pagealloc.Block) bool {
		blocks = append(blocks, b)
		return true
	})
	return blocks
}

// Keys returns the frame numbers of the blocks in the pool in order.
func (p *Pool) Keys() []uint64 {
	keys := make([]uint64, 0, p.size)
	p.Foreach(func(b *pagealloc.Block) bool {
		keys = append(keys, b.PFN())
		return true
	})
	return keys
}
