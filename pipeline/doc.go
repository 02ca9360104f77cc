/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package pipeline implements the ordered request-processing pipeline that front-ends
// an HTTP service: an explicit list of named stages (request id, logging, recovery,
// metrics, admission control, ...) executed strictly in registration order for every
// request. Each stage carries a RouteScope that decides whether it applies to the
// requested route, and a stage that writes a response before passing control on
// terminates the chain for that request.
//
// The stage list is built once at startup and is immutable afterwards. Invalid stage
// configuration (empty or duplicate names, nil middleware) is rejected at construction
// time, never at request time.
package pipeline
