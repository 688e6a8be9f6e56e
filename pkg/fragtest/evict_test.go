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
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/pagealloc"
)

func TestEvictCount(t *testing.T) {
	for _, tc := range []struct {
		size     int
		fraction float64
		count    int
	}{
		{100, 0.1, 10},
		{0, 0.5, 0},
		{3, 0.5, 2},
		{10, 1, 10},
		{10, 0, 0},
		{5, 0.01, 0},
		{7, 0.3, 2},
	} {
		require.Equal(t, tc.count, fragtest.EvictCount(tc.size, tc.fraction),
			"pool size %d, fraction %v", tc.size, tc.fraction)
	}
}

func fillPool(t *testing.T, m *mockAllocator, n int) *fragtest.Pool {
	t.Helper()
	p := fragtest.NewPool(n)
	for range n {
		b, err := m.Allocate(context.Background(), 0, pagealloc.PolicyHighUser)
		require.NoError(t, err)
		p.Add(b)
	}
	return p
}

func TestEvict(t *testing.T) {
	evict := func(seed uint64) ([]uint64, []uint64) {
		m := newMockAllocator()
		p := fillPool(t, m, 100)
		before := p.Keys()

		n, err := fragtest.Evict(p, m, 0.1, 512, rand.New(rand.NewPCG(seed, seed)))
		require.NoError(t, err)
		require.Equal(t, 10, n)
		require.Equal(t, 90, p.Len())
		require.Equal(t, 90, m.Live())
		require.Equal(t, 10, m.Freed())
		require.Equal(t, 0, m.doubleFree)

		kept := p.Keys()
		for _, k := range kept {
			require.Contains(t, before, k)
		}
		var evicted []uint64
		for _, k := range before {
			if !slices.Contains(kept, k) {
				evicted = append(evicted, k)
			}
		}
		require.Len(t, evicted, 10)

		return kept, evicted
	}

	kept1, evicted1 := evict(7)
	kept2, evicted2 := evict(7)
	require.Equal(t, kept1, kept2)
	require.Equal(t, evicted1, evicted2)
}

func TestEvictFreeErrors(t *testing.T) {
	m := newMockAllocator()
	p := fillPool(t, m, 4)

	// free the blocks behind the pool's back
	for _, b := range p.Blocks() {
		require.NoError(t, m.Free(b))
	}

	n, err := fragtest.Evict(p, m, 1, 1, rand.New(rand.NewPCG(1, 1)))
	require.ErrorIs(t, err, pagealloc.ErrBadFree)
	require.Equal(t, 4, n)
	require.Equal(t, 0, p.Len())
	require.Equal(t, 4, m.doubleFree)
}
