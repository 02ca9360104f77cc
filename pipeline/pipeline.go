/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"fmt"
	"net/http"
)

// Stage is a named, orderable unit of the request-processing pipeline.
// Middleware is a regular net/http middleware constructor; a stage that writes
// a response without invoking its successor terminates the chain for the request.
type Stage struct {
	Name       string
	Scope      RouteScope
	Middleware func(next http.Handler) http.Handler
}

// Opts represents an options for the Pipeline.
type Opts struct {
	// Stages is an ordered list of pipeline stages.
	// Stages are executed strictly in the order they are listed here.
	Stages []Stage

	// RouteGetter is a function for getting route identity for scope matching.
	// DefaultRouteGetter is used if not set.
	RouteGetter RouteGetter
}

// Pipeline executes an ordered, immutable list of stages for every incoming request
// and hands control to the final (business) handler when all applicable stages pass through.
type Pipeline struct {
	final       http.Handler
	stages      []Stage
	routeGetter RouteGetter
}

// New creates a new Pipeline with the passed final handler and options.
// Stage configuration is validated here; an error is returned for the empty
// or duplicate stage name and for the nil stage middleware.
func New(final http.Handler, opts Opts) (*Pipeline, error) {
	if final == nil {
		return nil, fmt.Errorf("final handler is mandatory")
	}
	seenNames := make(map[string]struct{}, len(opts.Stages))
	for i := range opts.Stages {
		stage := &opts.Stages[i]
		if stage.Name == "" {
			return nil, fmt.Errorf("stage #%d: name is empty", i)
		}
		if _, ok := seenNames[stage.Name]; ok {
			return nil, fmt.Errorf("stage %q is registered more than once", stage.Name)
		}
		seenNames[stage.Name] = struct{}{}
		if stage.Middleware == nil {
			return nil, fmt.Errorf("stage %q: middleware is nil", stage.Name)
		}
	}
	routeGetter := opts.RouteGetter
	if routeGetter == nil {
		routeGetter = DefaultRouteGetter
	}
	return &Pipeline{final: final, stages: opts.Stages, routeGetter: routeGetter}, nil
}

// MustNew is a version of New that panics on error.
func MustNew(final http.Handler, opts Opts) *Pipeline {
	p, err := New(final, opts)
	if err != nil {
		panic(err)
	}
	return p
}

// ServeHTTP implements the http.Handler interface.
//
// The response writer is wrapped once so that every stage observes
// whether an earlier stage has already written the response status.
func (p *Pipeline) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	p.serveFrom(0, WrapResponseWriterIfNeeded(rw, r.ProtoMajor), r)
}

// serveFrom advances through the stage list starting at the passed index,
// skipping the stages whose scope doesn't match the request route.
// Each applicable stage receives a successor handler that continues the walk;
// a stage that returns without calling the successor leaves the chain terminated.
func (p *Pipeline) serveFrom(idx int, rw http.ResponseWriter, r *http.Request) {
	route := p.routeGetter(r)
	for i := idx; i < len(p.stages); i++ {
		if !p.stages[i].Scope.Matches(route) {
			continue
		}
		nextIdx := i + 1
		next := http.HandlerFunc(func(nextRW http.ResponseWriter, nextR *http.Request) {
			if responseStatusSent(nextRW) {
				// The stage wrote a terminal response and still invoked its successor.
				return
			}
			p.serveFrom(nextIdx, nextRW, nextR)
		})
		p.stages[i].Middleware(next).ServeHTTP(rw, r)
		return
	}
	p.final.ServeHTTP(rw, r)
}

func responseStatusSent(rw http.ResponseWriter) bool {
	wrw, ok := rw.(WrapResponseWriter)
	return ok && wrw.Status() != 0
}
