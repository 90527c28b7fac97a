// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)
	var total float64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		total += pb.GetCounter().GetValue()
	}
	return total
}

func TestObserveTranslationIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveTranslation("ok")
	m.ObserveTranslation("ok")
	m.ObserveTranslation("not_mapped")
	require.Equal(t, float64(3), counterValue(t, m.translations))
}

func TestObserveUnwindFramesAddsCount(t *testing.T) {
	m := New(nil)
	m.ObserveUnwindFrames(5)
	m.ObserveUnwindFrames(3)
	require.Equal(t, float64(8), counterValue(t, m.unwindFrames))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveTranslation("ok")
		m.ObserveSymbolLoad("ntoskrnl.exe", "ok")
		m.ObserveUnwindFrames(1)
	})
}
