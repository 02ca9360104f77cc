/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-gatekit/testutil"
)

func TestHTTPRequestMetricsHandler_ServeHTTP(t *testing.T) {
	makeLabels := func(method, routePattern, uaType, statusCode string) prometheus.Labels {
		return prometheus.Labels{
			httpRequestMetricsLabelMethod:        method,
			httpRequestMetricsLabelRoutePattern:  routePattern,
			httpRequestMetricsLabelUserAgentType: uaType,
			httpRequestMetricsLabelStatusCode:    statusCode,
		}
	}

	getRoutePattern := func(r *http.Request) string {
		return r.URL.Path
	}

	t.Run("request duration is observed with full label set", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusCreated)
		})
		handler := HTTPRequestMetrics(collector, getRoutePattern)(next)

		req := httptest.NewRequest(http.MethodPost, "/items", nil)
		req.Header.Set("User-Agent", "curl/8.0")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		hist, err := collector.Durations.GetMetricWith(
			makeLabels(http.MethodPost, "/items", userAgentTypeHTTPClient, strconv.Itoa(http.StatusCreated)))
		require.NoError(t, err)
		testutil.RequireSamplesCountInHistogram(t, hist.(prometheus.Histogram), 1)
	})

	t.Run("browser user agent is labeled as browser", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})
		handler := HTTPRequestMetrics(collector, getRoutePattern)(next)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		hist, err := collector.Durations.GetMetricWith(
			makeLabels(http.MethodGet, "/", userAgentTypeBrowser, strconv.Itoa(http.StatusOK)))
		require.NoError(t, err)
		testutil.RequireSamplesCountInHistogram(t, hist.(prometheus.Histogram), 1)
	})

	t.Run("panic in the next handler is observed as 500 and re-panicked", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
		handler := HTTPRequestMetrics(collector, getRoutePattern)(next)

		require.Panics(t, func() {
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})

		hist, err := collector.Durations.GetMetricWith(
			makeLabels(http.MethodGet, "/", userAgentTypeHTTPClient, strconv.Itoa(http.StatusInternalServerError)))
		require.NoError(t, err)
		testutil.RequireSamplesCountInHistogram(t, hist.(prometheus.Histogram), 1)
	})

	t.Run("custom user agent type getter is used", func(t *testing.T) {
		collector := NewHTTPRequestMetricsCollector()
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(http.StatusOK)
		})
		handler := HTTPRequestMetricsWithOpts(collector, getRoutePattern, HTTPRequestMetricsOpts{
			GetUserAgentType: func(r *http.Request) string { return "robot" },
		})(next)

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		hist, err := collector.Durations.GetMetricWith(
			makeLabels(http.MethodGet, "/", "robot", strconv.Itoa(http.StatusOK)))
		require.NoError(t, err)
		testutil.RequireSamplesCountInHistogram(t, hist.(prometheus.Histogram), 1)
	})

	t.Run("nil route getter panics at construction", func(t *testing.T) {
		require.Panics(t, func() {
			HTTPRequestMetrics(NewHTTPRequestMetricsCollector(), nil)
		})
	})
}
