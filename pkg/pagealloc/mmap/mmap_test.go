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

package mmap_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/pagealloc"
	. "github.com/containers/fragtest/pkg/pagealloc/mmap"
)

func TestAllocateAndFree(t *testing.T) {
	a, err := New(WithMaxOrder(4))
	require.Nil(t, err, "allocator creation")
	defer a.Close()

	policy := pagealloc.PolicyHighUserMovable | pagealloc.PolicyNoRetry

	var blocks []*pagealloc.Block
	for order := uint(0); order < 4; order++ {
		b, err := a.Allocate(context.Background(), order, policy)
		require.Nil(t, err, "order %d allocation", order)
		require.Equal(t, order, b.Order())
		require.Equal(t, "", a.Zone(b), "virtual frames are unclassified")
		blocks = append(blocks, b)
	}

	for _, b := range blocks {
		require.Nil(t, a.Free(b))
	}

	require.True(t, errors.Is(a.Free(blocks[0]), pagealloc.ErrBadFree), "double free")
	require.True(t, errors.Is(a.Free(pagealloc.NewBlock(0, 0, nil)), pagealloc.ErrBadFree),
		"foreign block")
}

func TestInvalidRequests(t *testing.T) {
	a, err := New(WithMaxOrder(2))
	require.Nil(t, err)
	defer a.Close()

	_, err = a.Allocate(context.Background(), 2, pagealloc.PolicyHighUser)
	require.True(t, errors.Is(err, pagealloc.ErrInvalidOrder))

	_, err = a.Allocate(context.Background(), 0, pagealloc.Policy(0x10000))
	require.True(t, errors.Is(err, pagealloc.ErrInvalidPolicy))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Allocate(ctx, 0, pagealloc.PolicyHighUser)
	require.True(t, errors.Is(err, pagealloc.ErrNoMemory))
	require.True(t, errors.Is(err, context.Canceled))
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(WithMaxOrder(21))
	require.NotNil(t, err)
	_, err = New(WithNodes(0))
	require.NotNil(t, err)
}
