// Copyright 2025 AUTHORS
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

package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the request counters and latency histogram shared by
// both local HTTP surfaces. It is additive instrumentation, not part
// of either API's versioned contract.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics registers request counters and a latency histogram,
// labeled by surface (management|workload), on reg.
func NewMetrics(reg prometheus.Registerer, surface string) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iotedged",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests served, by surface, path and status.",
			ConstLabels: prometheus.Labels{
				"surface": surface,
			},
		}, []string{"path", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "iotedged",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by surface and path.",
			ConstLabels: prometheus.Labels{
				"surface": surface,
			},
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

// Middleware records a count and latency observation for every
// request handled by next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.requests.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
		m.latency.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
