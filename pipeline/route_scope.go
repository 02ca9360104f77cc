/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
)

// RouteScope restricts a pipeline stage to a subset of routes.
//
// If Only is non-empty, the stage applies exclusively to routes that match one of its patterns.
// Otherwise, if Skip is non-empty, the stage applies to all routes except the matching ones.
// The zero value applies everywhere.
//
// A pattern matches the route exactly, except for the trailing "/*" form which matches
// the bare prefix and everything below it: "/docs/*" matches "/docs", "/docs/" and "/docs/x/y".
// Patterns are matched against the registered route template (chi route pattern when available),
// not the raw URL with interpolated parameters.
type RouteScope struct {
	Only []string
	Skip []string
}

// Matches reports whether a stage with this scope applies to the passed route.
func (s RouteScope) Matches(route string) bool {
	if len(s.Only) != 0 {
		for i := range s.Only {
			if routePatternMatches(s.Only[i], route) {
				return true
			}
		}
		return false
	}
	for i := range s.Skip {
		if routePatternMatches(s.Skip[i], route) {
			return false
		}
	}
	return true
}

func routePatternMatches(pattern, route string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return route == prefix || strings.HasPrefix(route, prefix+"/")
	}
	return pattern == route
}

// RouteGetter is a function for getting route identity from the request.
// The returned value is what RouteScope patterns are matched against.
type RouteGetter func(r *http.Request) string

// GetRoutePath returns the cleaned URL path of the request.
func GetRoutePath(r *http.Request) string {
	p := r.URL.Path
	if p == "" {
		return "/"
	}
	return path.Clean(p)
}

// GetChiRoutePattern extracts chi route pattern from the request.
// Empty string is returned when the request was not routed by chi
// or no route has matched.
func GetChiRoutePattern(r *http.Request) string {
	// modified code from https://github.com/go-chi/chi/issues/270#issuecomment-479184559
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		// Pattern is already available
		return pattern
	}

	routePath := r.URL.RawPath
	if routePath == "" {
		routePath = r.URL.Path
	}

	tctx := chi.NewRouteContext()
	if !rctx.Routes.Match(tctx, r.Method, routePath) {
		return ""
	}
	return tctx.RoutePattern()
}

// DefaultRouteGetter prefers the chi route pattern of the matched route
// and falls back to the cleaned URL path when the request was not routed by chi.
func DefaultRouteGetter(r *http.Request) string {
	if pattern := GetChiRoutePattern(r); pattern != "" {
		return pattern
	}
	return GetRoutePath(r)
}
