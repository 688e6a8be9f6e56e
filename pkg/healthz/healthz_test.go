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

package healthz_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/healthz"
)

func TestHealthz(t *testing.T) {
	mux := http.NewServeMux()
	healthz.Setup(mux)

	get := func() (int, string) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code, rec.Body.String()
	}

	status := healthz.Healthy
	healthz.RegisterHealthChecker("test", func() (healthz.Status, error) {
		if status == healthz.Healthy {
			return status, nil
		}
		return status, errors.New("broken")
	})
	defer healthz.UnregisterHealthChecker("test")

	code, body := get()
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	status = healthz.Degraded
	code, body = get()
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "test: broken\n", body)

	s, details := healthz.Check()
	require.Equal(t, healthz.Degraded, s)
	require.Len(t, details, 1)

	require.Panics(t, func() {
		healthz.RegisterHealthChecker("test", nil)
	})
}
