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

package fragtest_test

import (
	"context"
	"sync"

	"github.com/containers/fragtest/pkg/pagealloc"
)

// mockAllocator hands out blocks at increasing frame numbers and keeps
// track of the blocks it considers live.
type mockAllocator struct {
	sync.Mutex
	maxOrder uint
	stride   uint64
	next     uint64
	zone     string
	// capacity is the most live blocks, 0 for unlimited
	capacity int
	// fail returns true if the given call should fail
	fail func(call int) bool
	// block is the call which blocks, -1 for none
	block int
	// release unblocks the blocking call, nil to block until ctx is done
	release chan struct{}
	blocked chan struct{}
	// onAlloc is called outside the lock for every call
	onAlloc func(call int)

	calls      int
	policies   []pagealloc.Policy
	live       map[uint64]*pagealloc.Block
	freed      int
	doubleFree int
}

func newMockAllocator() *mockAllocator {
	return &mockAllocator{
		maxOrder: 11,
		stride:   1,
		zone:     "Normal",
		block:    -1,
		blocked:  make(chan struct{}),
		live:     make(map[uint64]*pagealloc.Block),
	}
}

func (m *mockAllocator) Allocate(ctx context.Context, order uint, policy pagealloc.Policy) (*pagealloc.Block, error) {
	m.Lock()
	call := m.calls
	m.calls++
	m.policies = append(m.policies, policy)
	block, release, onAlloc := m.block, m.release, m.onAlloc
	m.Unlock()

	if onAlloc != nil {
		onAlloc(call)
	}

	if call == block {
		close(m.blocked)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
		}
	}

	m.Lock()
	defer m.Unlock()

	if m.fail != nil && m.fail(call) {
		return nil, pagealloc.ErrNoMemory
	}
	if m.capacity > 0 && len(m.live) >= m.capacity {
		return nil, pagealloc.ErrNoMemory
	}

	b := pagealloc.NewBlock(m.next, order, nil)
	m.live[b.PFN()] = b
	m.next += m.stride

	return b, nil
}

func (m *mockAllocator) Free(b *pagealloc.Block) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.live[b.PFN()]; !ok {
		m.doubleFree++
		return pagealloc.ErrBadFree
	}
	delete(m.live, b.PFN())
	m.freed++

	return nil
}

func (m *mockAllocator) Zone(*pagealloc.Block) string {
	return m.zone
}

func (m *mockAllocator) MaxOrder() uint {
	return m.maxOrder
}

func (m *mockAllocator) Live() int {
	m.Lock()
	defer m.Unlock()
	return len(m.live)
}

func (m *mockAllocator) Freed() int {
	m.Lock()
	defer m.Unlock()
	return m.freed
}

func (m *mockAllocator) Calls() int {
	m.Lock()
	defer m.Unlock()
	return m.calls
}
