// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metrics exposes optional prometheus instrumentation for the
// introspection engine. Every metric is nil-safe: a caller that never
// registers a Metrics value still gets a working (zero-overhead) no-op.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters the engine's core packages report to. A nil
// *Metrics is valid and every method on it is a no-op, so wiring metrics
// through the call chain never becomes mandatory global state.
type Metrics struct {
	translations  *prometheus.CounterVec
	symbolLoads   *prometheus.CounterVec
	unwindFrames  prometheus.Counter
}

// New creates a Metrics bundle and registers its collectors against reg. A
// nil reg skips registration (useful for tests that want real counters
// without a real registry).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmi_translations_total",
			Help: "Address translations performed, labeled by result (ok, not_mapped, error).",
		}, []string{"result"}),
		symbolLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmi_symbol_loads_total",
			Help: "Module symbol loads, labeled by module and result (ok, missing, error).",
		}, []string{"module", "result"}),
		unwindFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmi_unwind_frames_total",
			Help: "Stack frames produced across all callstack unwinds.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.translations, m.symbolLoads, m.unwindFrames)
	}
	return m
}

func (m *Metrics) ObserveTranslation(result string) {
	if m == nil {
		return
	}
	m.translations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSymbolLoad(module, result string) {
	if m == nil {
		return
	}
	m.symbolLoads.WithLabelValues(module, result).Inc()
}

func (m *Metrics) ObserveUnwindFrames(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unwindFrames.Add(float64(n))
}
