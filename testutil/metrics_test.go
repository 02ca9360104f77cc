/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestAssertSamplesCountInHistogram(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram"})
	hist.Observe(0.1)
	hist.Observe(0.2)

	mockT := &MockT{}
	require.True(t, AssertSamplesCountInHistogram(mockT, hist, 2))
	require.False(t, AssertSamplesCountInHistogram(mockT, hist, 3))
}

func TestAssertSamplesCountInCounter(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter"})
	counter.Inc()
	counter.Inc()
	counter.Inc()

	mockT := &MockT{}
	require.True(t, AssertSamplesCountInCounter(mockT, counter, 3))
	require.False(t, AssertSamplesCountInCounter(mockT, counter, 1))
}
