/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-gatekit/log"
	"github.com/acronis/go-gatekit/restapi"
)

type failingStore struct {
	incErr error
	decErr error
}

func (s *failingStore) Increment(_ context.Context, _ string, window time.Duration) (int, time.Duration, error) {
	if s.incErr != nil {
		return 0, 0, s.incErr
	}
	return 1, window, nil
}

func (s *failingStore) Decrement(_ context.Context, _ string) error {
	return s.decErr
}

func (s *failingStore) Reset(_ context.Context, _ string) error {
	return nil
}

type testMetricsCollector struct {
	admitted       atomic.Int32
	rejected       atomic.Int32
	rejectedDryRun atomic.Int32
}

func (c *testMetricsCollector) IncAdmitted() {
	c.admitted.Inc()
}

func (c *testMetricsCollector) IncRejected(dryRun bool) {
	if dryRun {
		c.rejectedDryRun.Inc()
		return
	}
	c.rejected.Inc()
}

func TestRequestLimitHandler_ServeHTTP(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// makeHandler builds the stage over a store with an injectable clock shared
	// between the store and the quota headers.
	makeHandler := func(
		t *testing.T, policy Policy, opts RequestLimitOpts, next http.Handler,
	) (http.Handler, *time.Time) {
		t.Helper()
		store, now := newTestMemoryStore(start)
		mw, err := RequestLimitWithOpts(policy, store, opts)
		require.NoError(t, err)
		handler := mw(next)
		handler.(*requestLimitHandler).timeNow = store.timeNow
		return handler, now
	}

	makeNext := func(statusCode int) (http.HandlerFunc, *atomic.Int32) {
		servedCount := atomic.NewInt32(0)
		return func(rw http.ResponseWriter, r *http.Request) {
			servedCount.Inc()
			rw.WriteHeader(statusCode)
		}, servedCount
	}

	sendReq := func(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remoteAddr
		respRec := httptest.NewRecorder()
		handler.ServeHTTP(respRec, req)
		return respRec
	}

	requireQuotaHeaders := func(t *testing.T, respRec *httptest.ResponseRecorder, wantLimit, wantRemaining int, wantReset time.Time) {
		t.Helper()
		require.Equal(t, strconv.Itoa(wantLimit), respRec.Header().Get(HeaderRateLimitLimit))
		require.Equal(t, strconv.Itoa(wantRemaining), respRec.Header().Get(HeaderRateLimitRemaining))
		require.Equal(t, wantReset.UTC().Format(time.RFC3339), respRec.Header().Get(HeaderRateLimitReset))
	}

	t.Run("requests within the quota are admitted, remaining decreases", func(t *testing.T) {
		next, servedCount := makeNext(http.StatusOK)
		handler, now := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 3}, RequestLimitOpts{}, next)
		resetAt := now.Add(time.Minute)

		for i, wantRemaining := range []int{2, 1, 0} {
			respRec := sendReq(handler, "192.0.2.10:4567")
			require.Equal(t, http.StatusOK, respRec.Code, "request #%d", i+1)
			requireQuotaHeaders(t, respRec, 3, wantRemaining, resetAt)
			require.Empty(t, respRec.Header().Get("Retry-After"))
		}
		require.Equal(t, 3, int(servedCount.Load()))
	})

	t.Run("request over the quota is rejected with 429 and Retry-After", func(t *testing.T) {
		next, servedCount := makeNext(http.StatusOK)
		handler, now := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 3}, RequestLimitOpts{}, next)
		resetAt := now.Add(time.Minute)

		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.10:4567").Code)
		}

		*now = now.Add(15 * time.Second)
		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Equal(t, http.StatusTooManyRequests, respRec.Code)
		requireQuotaHeaders(t, respRec, 3, 0, resetAt)

		retryAfterSecs, err := strconv.Atoi(respRec.Header().Get("Retry-After"))
		require.NoError(t, err)
		require.Equal(t, 45, retryAfterSecs)

		var apiErr restapi.Error
		require.NoError(t, json.Unmarshal(respRec.Body.Bytes(), &apiErr))
		require.Equal(t, "Too Many Requests", apiErr.Err)
		require.Equal(t, restapi.ErrMessageTooManyRequests, apiErr.Message)
		require.Equal(t, 45, apiErr.RetryAfter)

		require.Equal(t, 3, int(servedCount.Load()))
	})

	t.Run("window rollover readmits the key with a fresh quota", func(t *testing.T) {
		next, _ := makeNext(http.StatusOK)
		handler, now := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 3}, RequestLimitOpts{}, next)

		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.10:4567").Code)
		}
		require.Equal(t, http.StatusTooManyRequests, sendReq(handler, "192.0.2.10:4567").Code)

		*now = now.Add(61 * time.Second)
		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Equal(t, http.StatusOK, respRec.Code)
		requireQuotaHeaders(t, respRec, 3, 2, now.Add(time.Minute))
	})

	t.Run("keys are limited independently", func(t *testing.T) {
		next, _ := makeNext(http.StatusOK)
		handler, _ := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 1}, RequestLimitOpts{}, next)

		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.10:4567").Code)
		require.Equal(t, http.StatusTooManyRequests, sendReq(handler, "192.0.2.10:4567").Code)
		require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.11:4567").Code)
	})

	t.Run("zero max requests rejects every request", func(t *testing.T) {
		next, servedCount := makeNext(http.StatusOK)
		handler, _ := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 0}, RequestLimitOpts{}, next)

		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Equal(t, http.StatusTooManyRequests, respRec.Code)
		require.Equal(t, "0", respRec.Header().Get(HeaderRateLimitLimit))
		require.Equal(t, "0", respRec.Header().Get(HeaderRateLimitRemaining))
		require.Equal(t, 0, int(servedCount.Load()))
	})

	t.Run("skipOnFailure refunds failed requests", func(t *testing.T) {
		next, servedCount := makeNext(http.StatusInternalServerError)
		handler, _ := makeHandler(
			t, Policy{Window: time.Minute, MaxRequests: 5, SkipOnFailure: true}, RequestLimitOpts{}, next)

		for i := 0; i < 5; i++ {
			require.Equal(t, http.StatusInternalServerError, sendReq(handler, "192.0.2.10:4567").Code)
		}
		// Each failure was refunded, so the 6th request still finds the quota intact.
		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Equal(t, http.StatusInternalServerError, respRec.Code)
		require.Equal(t, "4", respRec.Header().Get(HeaderRateLimitRemaining))
		require.Equal(t, 6, int(servedCount.Load()))
	})

	t.Run("skipOnSuccess refunds successful requests only", func(t *testing.T) {
		statusCode := atomic.NewInt32(http.StatusOK)
		servedCount := atomic.NewInt32(0)
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			servedCount.Inc()
			rw.WriteHeader(int(statusCode.Load()))
		})
		handler, _ := makeHandler(
			t, Policy{Window: time.Minute, MaxRequests: 2, SkipOnSuccess: true}, RequestLimitOpts{}, next)

		for i := 0; i < 5; i++ {
			require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.10:4567").Code)
		}

		statusCode.Store(http.StatusUnauthorized)
		require.Equal(t, http.StatusUnauthorized, sendReq(handler, "192.0.2.10:4567").Code)
		require.Equal(t, http.StatusUnauthorized, sendReq(handler, "192.0.2.10:4567").Code)
		require.Equal(t, http.StatusTooManyRequests, sendReq(handler, "192.0.2.10:4567").Code)
		require.Equal(t, 7, int(servedCount.Load()))
	})

	t.Run("handler writing no status counts as success for skip flags", func(t *testing.T) {
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {})
		handler, _ := makeHandler(
			t, Policy{Window: time.Minute, MaxRequests: 1, SkipOnSuccess: true}, RequestLimitOpts{}, next)

		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusOK, sendReq(handler, "192.0.2.10:4567").Code)
		}
	})

	t.Run("key bypass forwards without accounting or headers", func(t *testing.T) {
		const headerClientID = "X-Client-ID"
		next, servedCount := makeNext(http.StatusOK)
		handler, _ := makeHandler(t, Policy{
			Window: time.Minute, MaxRequests: 1, GetKey: MakeGetKeyByHeader(headerClientID),
		}, RequestLimitOpts{}, next)

		for i := 0; i < 3; i++ {
			respRec := sendReq(handler, "192.0.2.10:4567")
			require.Equal(t, http.StatusOK, respRec.Code)
			require.Empty(t, respRec.Header().Get(HeaderRateLimitLimit))
			require.Empty(t, respRec.Header().Get(HeaderRateLimitRemaining))
			require.Empty(t, respRec.Header().Get(HeaderRateLimitReset))
		}
		require.Equal(t, 3, int(servedCount.Load()))
	})

	t.Run("legacy headers are emitted when enabled", func(t *testing.T) {
		next, _ := makeNext(http.StatusOK)
		handler, now := makeHandler(
			t, Policy{Window: time.Minute, MaxRequests: 3}, RequestLimitOpts{EmitLegacyHeaders: true}, next)

		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Equal(t, "3", respRec.Header().Get(HeaderXRateLimitLimit))
		require.Equal(t, "2", respRec.Header().Get(HeaderXRateLimitRemaining))
		require.Equal(t, strconv.FormatInt(now.Add(time.Minute).Unix(), 10), respRec.Header().Get(HeaderXRateLimitReset))
	})

	t.Run("legacy headers are absent by default", func(t *testing.T) {
		next, _ := makeNext(http.StatusOK)
		handler, _ := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 3}, RequestLimitOpts{}, next)

		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Empty(t, respRec.Header().Get(HeaderXRateLimitLimit))
		require.Empty(t, respRec.Header().Get(HeaderXRateLimitRemaining))
		require.Empty(t, respRec.Header().Get(HeaderXRateLimitReset))
	})

	t.Run("dry run logs violations but serves all requests", func(t *testing.T) {
		next, servedCount := makeNext(http.StatusOK)
		metrics := &testMetricsCollector{}
		handler, _ := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 1}, RequestLimitOpts{
			DryRun:           true,
			MetricsCollector: metrics,
		}, next)

		for i := 0; i < 4; i++ {
			respRec := sendReq(handler, "192.0.2.10:4567")
			require.Equal(t, http.StatusOK, respRec.Code)
		}
		require.Equal(t, 4, int(servedCount.Load()))
		require.Equal(t, 1, int(metrics.admitted.Load()))
		require.Equal(t, 3, int(metrics.rejectedDryRun.Load()))
		require.Equal(t, 0, int(metrics.rejected.Load()))
	})

	t.Run("store failure results in 500", func(t *testing.T) {
		next, servedCount := makeNext(http.StatusOK)
		mw, err := RequestLimitWithOpts(
			Policy{Window: time.Minute, MaxRequests: 3}, &failingStore{incErr: fmt.Errorf("backend is down")}, RequestLimitOpts{})
		require.NoError(t, err)
		handler := mw(next)

		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Equal(t, http.StatusInternalServerError, respRec.Code)
		require.Equal(t, 0, int(servedCount.Load()))
	})

	t.Run("custom OnError may fail open", func(t *testing.T) {
		next, servedCount := makeNext(http.StatusOK)
		mw, err := RequestLimitWithOpts(
			Policy{Window: time.Minute, MaxRequests: 3}, &failingStore{incErr: fmt.Errorf("backend is down")},
			RequestLimitOpts{OnError: func(
				rw http.ResponseWriter, r *http.Request, params RequestLimitParams,
				err error, next http.Handler, logger log.FieldLogger,
			) {
				next.ServeHTTP(rw, r)
			}})
		require.NoError(t, err)
		handler := mw(next)

		respRec := sendReq(handler, "192.0.2.10:4567")
		require.Equal(t, http.StatusOK, respRec.Code)
		require.Equal(t, 1, int(servedCount.Load()))
	})

	t.Run("concurrent requests admit exactly up to the quota", func(t *testing.T) {
		const concurrentReqsNum = 2
		next, servedCount := makeNext(http.StatusOK)
		handler, _ := makeHandler(t, Policy{Window: time.Minute, MaxRequests: 1}, RequestLimitOpts{}, next)

		var okCount, tooManyReqsCount, unexpectedCodeCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < concurrentReqsNum; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				switch sendReq(handler, "192.0.2.10:4567").Code {
				case http.StatusOK:
					okCount.Inc()
				case http.StatusTooManyRequests:
					tooManyReqsCount.Inc()
				default:
					unexpectedCodeCount.Inc()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, int(okCount.Load()))
		require.Equal(t, concurrentReqsNum-1, int(tooManyReqsCount.Load()))
		require.Equal(t, 0, int(unexpectedCodeCount.Load()))
		require.Equal(t, 1, int(servedCount.Load()))
	})

	t.Run("metrics count admitted and rejected requests", func(t *testing.T) {
		next, _ := makeNext(http.StatusOK)
		metrics := &testMetricsCollector{}
		handler, _ := makeHandler(
			t, Policy{Window: time.Minute, MaxRequests: 2}, RequestLimitOpts{MetricsCollector: metrics}, next)

		for i := 0; i < 5; i++ {
			sendReq(handler, "192.0.2.10:4567")
		}
		require.Equal(t, 2, int(metrics.admitted.Load()))
		require.Equal(t, 3, int(metrics.rejected.Load()))
		require.Equal(t, 0, int(metrics.rejectedDryRun.Load()))
	})
}

func TestRequestLimitConstruction(t *testing.T) {
	t.Run("nil store is an error", func(t *testing.T) {
		_, err := RequestLimit(Policy{Window: time.Minute, MaxRequests: 1}, nil)
		require.Error(t, err)
	})

	t.Run("invalid policy is an error", func(t *testing.T) {
		_, err := RequestLimit(Policy{Window: 0, MaxRequests: 1}, NewMemoryStore())
		require.Error(t, err)
		_, err = RequestLimit(Policy{Window: time.Minute, MaxRequests: -1}, NewMemoryStore())
		require.Error(t, err)
	})

	t.Run("must variant panics on error", func(t *testing.T) {
		require.Panics(t, func() {
			MustRequestLimit(Policy{Window: time.Minute, MaxRequests: 1}, nil)
		})
	})
}

func TestRequestLimitParamsRetryAfterSecs(t *testing.T) {
	require.Equal(t, 60, RequestLimitParams{UntilReset: time.Minute}.RetryAfterSecs())
	require.Equal(t, 1, RequestLimitParams{UntilReset: time.Millisecond}.RetryAfterSecs())
	require.Equal(t, 46, RequestLimitParams{UntilReset: 45*time.Second + 100*time.Millisecond}.RetryAfterSecs())
	require.Equal(t, 0, RequestLimitParams{UntilReset: 0}.RetryAfterSecs())
}
