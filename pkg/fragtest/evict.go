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
	"math"
	"math/rand/v2"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/fragtest/pkg/pagealloc"
)

// EvictCount returns the number of blocks to evict from a pool of the
// given size: the fraction of the pool, rounded, but at most the pool size.
func EvictCount(poolSize int, fraction float64) int {
	if poolSize <= 0 || fraction <= 0 {
		return 0
	}
	return min(int(math.Round(float64(poolSize)*fraction)), poolSize)
}

// Evict frees a random subset of the blocks in the pool. For every block
// freed the pool is rotated by a uniformly random distance in [0, window)
// and the block at its head is removed and freed. It returns the number of
// blocks removed from the pool. Blocks the allocator fails to free are
// still removed and the errors are returned.
func Evict(pool *Pool, alloc pagealloc.Allocator, fraction float64, window int, rng *rand.Rand) (int, error) {
	var (
		count   = EvictCount(pool.Len(), fraction)
		evicted = 0
		errs    *multierror.Error
	)

	if window < 1 {
		window = 1
	}

	log.Debug("evicting %d of %d blocks (window %d)", count, pool.Len(), window)

	for evicted < count && pool.Len() > 0 {
		pool.Rotate(rng.IntN(window))
		b := pool.RemoveHead()
		if err := alloc.Free(b); err != nil {
			errs = multierror.Append(errs, err)
		}
		evicted++
	}

	return evicted, errs.ErrorOrNil()
}

// newRand returns a random number generator for the given seed. A zero
// seed is replaced by a random one.
func newRand(seed uint64) (*rand.Rand, uint64) {
	if seed == 0 {
		seed = rand.Uint64() | 1
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), seed
}
