/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-gatekit/log"
	"github.com/acronis/go-gatekit/pipeline"
	"github.com/acronis/go-gatekit/restapi"
)

// RouterOpts represents options for creating chi.Router.
type RouterOpts struct {
	ServiceNameInURL   string
	APIRoutes          map[APIVersion]APIRoute
	RootMiddlewares    []func(http.Handler) http.Handler
	HealthCheck        HealthCheck
	HealthCheckContext HealthCheckContext
	MetricsHandler     http.Handler
}

// NewRouter creates a new chi.Router and performs its basic configuration.
func NewRouter(logger log.FieldLogger, opts RouterOpts) chi.Router {
	router := chi.NewRouter()
	configureRouter(router, logger, opts)
	return router
}

// nolint // hugeParam: opts is heavy, it's ok in this case.
func configureRouter(router chi.Router, logger log.FieldLogger, opts RouterOpts) {
	router.Use(opts.RootMiddlewares...)

	// Expose endpoint for Prometheus.
	metricsHandler := opts.MetricsHandler
	if opts.MetricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Method(http.MethodGet, "/metrics", metricsHandler)

	if opts.HealthCheckContext != nil {
		router.Method(http.MethodGet, "/healthz", NewHealthCheckHandlerContext(opts.HealthCheckContext))
	} else {
		router.Method(http.MethodGet, "/healthz", NewHealthCheckHandler(opts.HealthCheck))
	}

	router.Route(fmt.Sprintf("/api/%s", opts.ServiceNameInURL), func(router chi.Router) {
		for ver, r := range opts.APIRoutes {
			router.Route(fmt.Sprintf("/v%d", ver), r)
		}
	})

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewErrorFromStatus(http.StatusNotFound, restapi.ErrMessageNotFound)
		restapi.RespondError(rw, http.StatusNotFound, apiErr, logger)
	})

	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewErrorFromStatus(http.StatusMethodNotAllowed, restapi.ErrMessageMethodNotAllowed)
		restapi.RespondError(rw, http.StatusMethodNotAllowed, apiErr, logger)
	})
}

// newDefaultPipeline builds the admission pipeline that is mounted in front of the router:
// request start time, request ID, logging, recovery, HTTP request metrics, in-flight limiting,
// request body limiting, and then the admission stages passed in the options (if any).
// Metrics collecting and in-flight limiting are not applied to the system endpoints.
//
// nolint // hugeParam: opts is heavy, it's ok in this case.
func newDefaultPipeline(
	router chi.Router,
	cfg *Config,
	logger log.FieldLogger,
	opts Opts,
	collector *pipeline.HTTPRequestMetricsCollector,
) (*pipeline.Pipeline, error) {
	stages := make([]pipeline.Stage, 0, 8)

	stages = append(stages, pipeline.Stage{
		Name: "request-start-time",
		Middleware: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(rw, r.WithContext(pipeline.NewContextWithRequestStartTime(r.Context(), time.Now())))
			})
		},
	})

	stages = append(stages, pipeline.Stage{Name: "request-id", Middleware: pipeline.RequestID()})

	loggingOpts := pipeline.LoggingOpts{
		RequestStart:           cfg.Log.RequestStart,
		RequestHeaders:         make(map[string]string, len(cfg.Log.RequestHeaders)),
		ExcludedEndpoints:      cfg.Log.ExcludedEndpoints,
		SecretQueryParams:      cfg.Log.SecretQueryParams,
		AddRequestInfoToLogger: cfg.Log.AddRequestInfoToLogger,
	}
	for _, headerName := range cfg.Log.RequestHeaders {
		logFieldKey := "req_header_" + strings.ToLower(strings.ReplaceAll(headerName, "-", "_"))
		loggingOpts.RequestHeaders[headerName] = logFieldKey
	}
	stages = append(stages, pipeline.Stage{Name: "logging", Middleware: pipeline.LoggingWithOpts(logger, loggingOpts)})

	stages = append(stages, pipeline.Stage{Name: "recovery", Middleware: pipeline.Recovery()})

	getRoutePattern := opts.HTTPRequestMetrics.GetRoutePattern
	if getRoutePattern == nil {
		getRoutePattern = makeRouterPatternGetter(router)
	}
	stages = append(stages, pipeline.Stage{
		Name:  "http-request-metrics",
		Scope: pipeline.RouteScope{Skip: systemEndpoints},
		Middleware: pipeline.HTTPRequestMetricsWithOpts(collector, getRoutePattern,
			pipeline.HTTPRequestMetricsOpts{GetUserAgentType: opts.HTTPRequestMetrics.GetUserAgentType}),
	})

	if cfg.Limits.MaxRequests != 0 {
		inFlightLimitMw, err := pipeline.InFlightLimit(cfg.Limits.MaxRequests)
		if err != nil {
			return nil, fmt.Errorf("create in-flight limit stage: %w", err)
		}
		stages = append(stages, pipeline.Stage{
			Name:       "in-flight-limit",
			Scope:      pipeline.RouteScope{Skip: systemEndpoints},
			Middleware: inFlightLimitMw,
		})
	}

	if cfg.Limits.MaxBodySizeBytes > 0 {
		stages = append(stages, pipeline.Stage{
			Name:       "request-body-limit",
			Middleware: pipeline.RequestBodyLimit(uint64(cfg.Limits.MaxBodySizeBytes)),
		})
	}

	stages = append(stages, opts.AdmissionStages...)

	// Stage scopes are matched against the registered route template ("/hello/{name}"),
	// not the raw URL with interpolated parameters. Unregistered paths fall back to the cleaned path.
	patternGetter := makeRouterPatternGetter(router)
	routeGetter := func(r *http.Request) string {
		if pattern := patternGetter(r); pattern != "" {
			return pattern
		}
		return pipeline.GetRoutePath(r)
	}

	return pipeline.New(router, pipeline.Opts{Stages: stages, RouteGetter: routeGetter})
}

// makeRouterPatternGetter returns a pipeline.RouteGetter that resolves the chi route pattern
// against the passed router. The pipeline runs before the router dispatches the request,
// so the route context is not populated yet and the pattern has to be matched explicitly.
func makeRouterPatternGetter(router chi.Router) pipeline.RouteGetter {
	return func(r *http.Request) string {
		if pattern := pipeline.GetChiRoutePattern(r); pattern != "" {
			return pattern
		}
		routePath := r.URL.RawPath
		if routePath == "" {
			routePath = r.URL.Path
		}
		rctx := chi.NewRouteContext()
		if !router.Match(rctx, r.Method, routePath) {
			return ""
		}
		return rctx.RoutePattern()
	}
}
