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

package control_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/control"
	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/pagealloc"
	"github.com/containers/fragtest/pkg/pagealloc/buddy"
)

// gatedAllocator lets allocations through only as the gate allows.
type gatedAllocator struct {
	*buddy.Allocator
	gate chan struct{}
}

func (g *gatedAllocator) Allocate(ctx context.Context, order uint, policy pagealloc.Policy) (*pagealloc.Block, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Allocator.Allocate(ctx, order, policy)
}

type testSetup struct {
	t       *testing.T
	alloc   *gatedAllocator
	harness *fragtest.Harness
	srv     *httptest.Server
}

func newTestSetup(t *testing.T, gated bool) *testSetup {
	a, err := buddy.New(
		buddy.WithMaxOrder(4),
		buddy.WithZones(buddy.ZoneConfig{Name: "Normal", Pages: 256}),
	)
	require.NoError(t, err)

	ga := &gatedAllocator{Allocator: a}
	if gated {
		ga.gate = make(chan struct{})
	}

	cfg := fragtest.DefaultConfig()
	cfg.PacingDelay = 0
	cfg.BatchCount = 16

	h, err := fragtest.New(ga, fragtest.WithConfig(cfg))
	require.NoError(t, err)

	mux := http.NewServeMux()
	control.New(context.Background(), h).Setup(mux)

	s := &testSetup{
		t:       t,
		alloc:   ga,
		harness: h,
		srv:     httptest.NewServer(mux),
	}
	t.Cleanup(s.srv.Close)

	return s
}

func (s *testSetup) do(method, path, body string) (int, string) {
	s.t.Helper()

	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(s.t, err)

	rpl, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer rpl.Body.Close()

	data, err := io.ReadAll(rpl.Body)
	require.NoError(s.t, err)

	return rpl.StatusCode, string(data)
}

func (s *testSetup) waitIdle() {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		status, body := s.do(http.MethodGet, "/state", "")
		return status == http.StatusOK && strings.Contains(body, `"idle"`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestParams(t *testing.T) {
	s := newTestSetup(t, false)

	status, body := s.do(http.MethodGet, "/params", "")
	require.Equal(t, http.StatusOK, status)
	var params []fragtest.Param
	require.NoError(t, json.Unmarshal([]byte(body), &params))
	require.Len(t, params, len(fragtest.ParamNames()))

	status, body = s.do(http.MethodGet, "/params/batch_count", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"name":"batch_count","value":"16","description":""}`, body)

	status, _ = s.do(http.MethodGet, "/params/bogus", "")
	require.Equal(t, http.StatusNotFound, status)

	status, body = s.do(http.MethodPut, "/params/order", "2\n")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `"value":"2"`)

	status, body = s.do(http.MethodPut, "/params/policy?value=kernel", "")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `"value":"kernel"`)

	status, body = s.do(http.MethodPut, "/params/order", "99")
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body, "invalid parameter")

	status, _ = s.do(http.MethodPut, "/params/bogus", "1")
	require.Equal(t, http.StatusNotFound, status)

	require.Equal(t, 2, s.harness.Config().Order)
	require.Equal(t, pagealloc.PolicyKernel, s.harness.Config().Policy)
}

func TestRunTest(t *testing.T) {
	s := newTestSetup(t, false)

	status, _ := s.do(http.MethodGet, "/result", "")
	require.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(http.MethodPost, "/runtest?mode=bogus", "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body := s.do(http.MethodPost, "/runtest?mode=paced", "")
	require.Equal(t, http.StatusAccepted, status)
	require.Contains(t, body, `"mode":"paced"`)
	s.waitIdle()

	status, body = s.do(http.MethodGet, "/result", "")
	require.Equal(t, http.StatusOK, status)
	summary := &fragtest.Summary{}
	require.NoError(t, json.Unmarshal([]byte(body), summary))
	require.Equal(t, fragtest.StateCompleted, summary.State)
	require.Equal(t, 16, summary.Successes)
	require.Equal(t, 16, summary.Attempts)

	status, body = s.do(http.MethodGet, "/result?full=1", "")
	require.Equal(t, http.StatusOK, status)
	res := &fragtest.Result{}
	require.NoError(t, json.Unmarshal([]byte(body), res))
	require.Len(t, res.Attempts, 16)

	status, body = s.do(http.MethodGet, "/result?format=text", "")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "Test completed successfully")

	status, _ = s.do(http.MethodPost, "/runtest?mode=fill-and-fragment", "")
	require.Equal(t, http.StatusAccepted, status)
	s.waitIdle()

	status, body = s.do(http.MethodGet, "/result", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal([]byte(body), summary))
	require.Equal(t, fragtest.ModeFillAndFragment, summary.Mode)
	require.Equal(t, 256, summary.Successes)
	require.Equal(t, 0, s.alloc.Allocated())
}

func TestBusy(t *testing.T) {
	s := newTestSetup(t, true)

	status, _ := s.do(http.MethodPost, "/runtest", "")
	require.Equal(t, http.StatusAccepted, status)

	status, body := s.do(http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"state":"running"}`, body)

	status, _ = s.do(http.MethodPost, "/runtest", "")
	require.Equal(t, http.StatusConflict, status)

	status, _ = s.do(http.MethodPut, "/params/order", "1")
	require.Equal(t, http.StatusConflict, status)

	status, _ = s.do(http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, status)

	close(s.alloc.gate)
	s.waitIdle()

	status, body = s.do(http.MethodGet, "/result", "")
	require.Equal(t, http.StatusOK, status)
	summary := &fragtest.Summary{}
	require.NoError(t, json.Unmarshal([]byte(body), summary))
	require.Equal(t, fragtest.StateAborted, summary.State)
	require.Equal(t, fragtest.AbortStopped, summary.Abort.Kind)
	require.Equal(t, 1, summary.Attempts)
	require.Equal(t, 0, s.alloc.Allocated())
}
