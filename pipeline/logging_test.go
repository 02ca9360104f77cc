/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-gatekit/log"
	"github.com/acronis/go-gatekit/log/logtest"
)

func TestLoggingHandler_ServeHTTP(t *testing.T) {
	serve := func(opts LoggingOpts, target string, prepare func(r *http.Request) *http.Request, next http.HandlerFunc) string {
		var logOutput bytes.Buffer
		logger := logtest.NewLoggerWithOpts(logtest.LoggerOpts{Output: &logOutput})
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if prepare != nil {
			req = prepare(req)
		}
		if next == nil {
			next = func(rw http.ResponseWriter, r *http.Request) {
				rw.WriteHeader(http.StatusOK)
			}
		}
		LoggingWithOpts(logger, opts)(next).ServeHTTP(httptest.NewRecorder(), req)
		return logOutput.String()
	}

	t.Run("completion record carries request info", func(t *testing.T) {
		output := serve(LoggingOpts{}, "/hello?q=1", func(r *http.Request) *http.Request {
			r.RemoteAddr = "192.0.2.10:4567"
			r.Header.Set("User-Agent", "test-agent")
			ctx := NewContextWithRequestID(r.Context(), "ext-id")
			ctx = NewContextWithInternalRequestID(ctx, "int-id")
			return r.WithContext(ctx)
		}, nil)

		require.Contains(t, output, "response completed")
		require.Contains(t, output, `"request_id":"ext-id"`)
		require.Contains(t, output, `"int_request_id":"int-id"`)
		require.Contains(t, output, `"method":"GET"`)
		require.Contains(t, output, `"uri":"/hello?q=1"`)
		require.Contains(t, output, `"remote_addr_ip":"192.0.2.10"`)
		require.Contains(t, output, `"remote_addr_port":4567`)
		require.Contains(t, output, `"user_agent":"test-agent"`)
		require.Contains(t, output, `"status":200`)
		require.NotContains(t, output, "request started")
	})

	t.Run("request start record is logged when enabled", func(t *testing.T) {
		output := serve(LoggingOpts{RequestStart: true}, "/", nil, nil)
		require.Contains(t, output, "request started")
		require.Contains(t, output, "response completed")
	})

	t.Run("secret query params are masked", func(t *testing.T) {
		output := serve(LoggingOpts{SecretQueryParams: []string{"token"}}, "/callback?token=s3cr3t&x=1", nil, nil)
		require.NotContains(t, output, "s3cr3t")
		require.Contains(t, output, LoggingSecretQueryPlaceholder)
	})

	t.Run("excluded endpoints are not logged on success", func(t *testing.T) {
		output := serve(LoggingOpts{ExcludedEndpoints: []string{"/healthz"}}, "/healthz", nil, nil)
		require.Empty(t, output)
	})

	t.Run("excluded endpoints are still logged on error status", func(t *testing.T) {
		output := serve(LoggingOpts{ExcludedEndpoints: []string{"/healthz"}}, "/healthz", nil,
			func(rw http.ResponseWriter, r *http.Request) {
				rw.WriteHeader(http.StatusInternalServerError)
			})
		require.Contains(t, output, "response completed")
		require.Contains(t, output, `"status":500`)
	})

	t.Run("logger is passed to the next handler via context", func(t *testing.T) {
		var loggerFromCtx log.FieldLogger
		serve(LoggingOpts{}, "/", nil, func(rw http.ResponseWriter, r *http.Request) {
			loggerFromCtx = GetLoggerFromContext(r.Context())
		})
		require.NotNil(t, loggerFromCtx)
	})

	t.Run("logging params extend the completion record", func(t *testing.T) {
		output := serve(LoggingOpts{}, "/", nil, func(rw http.ResponseWriter, r *http.Request) {
			GetLoggingParamsFromContext(r.Context()).ExtendFields(log.String("tenant_id", "tenant-42"))
		})
		require.Contains(t, output, `"tenant_id":"tenant-42"`)
	})

	t.Run("configured request headers are logged", func(t *testing.T) {
		output := serve(LoggingOpts{RequestHeaders: map[string]string{"X-Client-ID": "client_id"}}, "/",
			func(r *http.Request) *http.Request {
				r.Header.Set("X-Client-ID", "client-42")
				return r
			}, nil)
		require.Contains(t, output, `"client_id":"client-42"`)
	})
}
