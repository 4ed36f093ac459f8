// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package metrics tracks per-label request counts and latencies over a
// rolling window and exports them both as a JSON snapshot (spec.md §4.5's
// get()) and as Prometheus series for scraping.
//
// Grounded on the teacher's internal/ratelimiter/telemetry/churn package:
// the same package-level prometheus.Counter/Gauge vars registered via
// MustRegister in init(), and a ticker-driven rotation loop (StartRotation,
// which has no Enable(cfg) gate), mapped
// here from a single churn-ratio gauge onto a per-label window of
// count/duration observations.
package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "searchcore",
		Name:      "requests_total",
		Help:      "Total requests observed per label.",
	}, []string{"label"})

	requestDurationMicros = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "searchcore",
		Name:      "request_duration_microseconds",
		Help:      "Request duration per label, in microseconds.",
		Buckets:   []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000, 1000000},
	}, []string{"label"})

	currentRPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "searchcore",
		Name:      "requests_per_second",
		Help:      "Requests per second over the last completed window, per label.",
	}, []string{"label"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDurationMicros, currentRPS)
}

// specialLabels are hoisted to top-level keys in Get's JSON output rather
// than nested under "labels", per spec.md §4.5.
var specialLabels = map[string]bool{
	"search":     true,
	"import":     true,
	"doc_write":  true,
	"doc_delete": true,
	"overloaded": true,
}

type labelWindow struct {
	count  int64
	digest *digest
}

func newLabelWindow() *labelWindow {
	return &labelWindow{digest: newDigest()}
}

// AppMetrics is the Go-native AppMetrics from spec.md §4.5: a short
// exclusive-lock counter/duration tracker rotated into a "last" window on
// a fixed cadence, so Get() always reports a fully-closed window instead
// of a partially-filled one.
type AppMetrics struct {
	mu            sync.Mutex
	current       map[string]*labelWindow
	last          map[string]*labelWindow
	windowSeconds float64
	log           *zap.Logger
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// New constructs an AppMetrics. windowSeconds must match the cadence
// passed to StartRotation (10s per spec.md §4.5's window_reset()).
func New(windowSeconds float64, log *zap.Logger) *AppMetrics {
	if log == nil {
		log = zap.NewNop()
	}
	if windowSeconds <= 0 {
		windowSeconds = 10
	}
	return &AppMetrics{
		current:       make(map[string]*labelWindow),
		last:          make(map[string]*labelWindow),
		windowSeconds: windowSeconds,
		log:           log,
		stopCh:        make(chan struct{}),
	}
}

// IncrementCount records one occurrence of label, e.g. "search" or a
// specific collection name, per spec.md §4.5's increment_count.
func (m *AppMetrics) IncrementCount(label string, n int64) {
	m.mu.Lock()
	w, ok := m.current[label]
	if !ok {
		w = newLabelWindow()
		m.current[label] = w
	}
	w.count += n
	m.mu.Unlock()

	requestsTotal.WithLabelValues(label).Add(float64(n))
}

// IncrementDuration feeds one latency sample (microseconds) for label into
// its quantile digest, per spec.md §4.5's increment_duration.
func (m *AppMetrics) IncrementDuration(label string, micros int64) {
	m.mu.Lock()
	w, ok := m.current[label]
	if !ok {
		w = newLabelWindow()
		m.current[label] = w
	}
	m.mu.Unlock()

	w.digest.observe(micros)
	requestDurationMicros.WithLabelValues(label).Observe(float64(micros))
}

// WindowReset rotates current into last and starts a fresh current, per
// spec.md §4.5. Safe to call concurrently with IncrementCount/
// IncrementDuration; callers in flight during the swap land in whichever
// window they observed the map reference from.
func (m *AppMetrics) WindowReset() {
	m.mu.Lock()
	last := m.current
	m.last = last
	m.current = make(map[string]*labelWindow)
	m.mu.Unlock()

	for label, w := range last {
		currentRPS.WithLabelValues(label).Set(float64(w.count) / m.windowSeconds)
	}
}

// StartRotation runs WindowReset on a fixed interval until Stop is called.
func (m *AppMetrics) StartRotation(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.WindowReset()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *AppMetrics) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

type labelReport struct {
	RPS        float64 `json:"rps"`
	LatencyAvg int64   `json:"latency_avg"`
	Min        int64   `json:"min"`
	Max        int64   `json:"max"`
	P70        int64   `json:"p70"`
	P95        int64   `json:"p95"`
	P99        int64   `json:"p99"`
}

// Get renders the last closed window as JSON. rpsKey/latencyKey are
// accepted for API parity with spec.md §4.5's get(rps_key, latency_key,
// out_json) but this implementation reports every tracked label at once
// rather than a single named pair — callers needing a single label's
// figures can look it up from the returned structure.
func (m *AppMetrics) Get(rpsKey, latencyKey string) ([]byte, error) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	out := make(map[string]any)
	other := make(map[string]labelReport)

	for label, w := range last {
		snap := w.digest.snapshot()
		report := labelReport{
			RPS:        float64(w.count) / m.windowSeconds,
			LatencyAvg: snap.Avg,
			Min:        snap.Min,
			Max:        snap.Max,
			P70:        snap.P70,
			P95:        snap.P95,
			P99:        snap.P99,
		}
		if specialLabels[label] {
			out[label] = report
		} else {
			other[label] = report
		}
	}
	out["labels"] = other
	_ = rpsKey
	_ = latencyKey

	return json.Marshal(out)
}
