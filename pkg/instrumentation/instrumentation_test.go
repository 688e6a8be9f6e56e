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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/fragtest/pkg/instrumentation"
	"github.com/containers/fragtest/pkg/metrics"
)

func TestPrometheusConfiguration(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "instrumentation_test",
		Help: "Test gauge.",
	})
	gauge.Set(3)
	metrics.MustRegister("test", gauge, metrics.WithGroup("test"))

	cfg := &cfgapi.Config{
		HTTPEndpoint:     "127.0.0.1:0",
		PrometheusExport: true,
	}
	require.NoError(t, instrumentation.Start(cfg))
	defer instrumentation.Stop()

	address := instrumentation.Address()
	require.NotEmpty(t, address)

	code, body := get(t, address, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "fragtest_test_instrumentation_test 3")

	code, body = get(t, address, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	cfg = &cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
	}
	require.NoError(t, instrumentation.Reconfigure(cfg))

	code, _ = get(t, instrumentation.Address(), "/metrics")
	require.Equal(t, http.StatusNotFound, code)
}

func get(t *testing.T, address, path string) (int, string) {
	rpl, err := http.Get("http://" + address + path)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return rpl.StatusCode, string(body)
}
