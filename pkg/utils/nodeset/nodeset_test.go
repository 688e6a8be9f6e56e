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

package nodeset_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/utils/nodeset"
)

func TestParseList(t *testing.T) {
	type testCase struct {
		name   string
		lists  []string
		result []int
		fail   bool
	}
	for _, tc := range []*testCase{
		{
			name:   "single node",
			lists:  []string{"1"},
			result: []int{1},
		},
		{
			name:   "range and single",
			lists:  []string{"0-2,5"},
			result: []int{0, 1, 2, 5},
		},
		{
			name:   "overlapping lists",
			lists:  []string{"3,1", "1-2"},
			result: []int{1, 2, 3},
		},
		{
			name:   "empty",
			lists:  []string{""},
			result: []int{},
		},
		{
			name:  "invalid",
			lists: []string{"0-x"},
			fail:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			nodes, err := nodeset.ParseList(tc.lists...)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, nodes)
		})
	}
}

func TestMustParse(t *testing.T) {
	require.Equal(t, []int{0, 1}, nodeset.MustParse("0-1").List())
	require.Panics(t, func() { nodeset.MustParse("1-0") })
}
