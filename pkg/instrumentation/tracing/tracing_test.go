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

package tracing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/containers/fragtest/pkg/instrumentation/tracing"
)

func TestDisabledTracing(t *testing.T) {
	require.NoError(t, tracing.Start(tracing.WithCollectorEndpoint("")))
	defer tracing.Stop()
	require.False(t, tracing.Enabled())

	ctx := context.Background()
	sctx, span := tracing.StartSpan(ctx, "test")
	require.Equal(t, ctx, sctx)

	span.SetAttributes(tracing.Attribute("key", "value"))
	span.AddEvent("event")
	span.End(tracing.WithStatus(errors.New("failed")))
}

func TestInvalidOptions(t *testing.T) {
	require.Error(t, tracing.Start(tracing.WithSamplingRatio(1.5)))
	require.Error(t, tracing.Start(
		tracing.WithCollectorEndpoint("ftp://localhost:21"),
		tracing.WithSamplingRatio(1.0),
	))
	require.False(t, tracing.Enabled())
}

func TestAttribute(t *testing.T) {
	type testCase struct {
		name   string
		value  interface{}
		expect attribute.KeyValue
	}
	for _, tc := range []*testCase{
		{
			name:   "string",
			value:  "foo",
			expect: attribute.String("key", "foo"),
		},
		{
			name:   "int",
			value:  42,
			expect: attribute.Int("key", 42),
		},
		{
			name:   "bool",
			value:  true,
			expect: attribute.Bool("key", true),
		},
		{
			name:   "stringer",
			value:  time.Second,
			expect: attribute.String("key", "1s"),
		},
		{
			name:   "nil",
			value:  nil,
			expect: attribute.String("key", "<nil>"),
		},
		{
			name:   "other",
			value:  uint8(7),
			expect: attribute.String("key", "7"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, tracing.Attribute("key", tc.value))
		})
	}
}
