/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// WrapResponseWriter is a proxy around http.ResponseWriter that allows hooking into
// various parts of the response process. Status() returns 0 until the response status
// has been written, which is what the pipeline uses to detect a terminal response.
type WrapResponseWriter = chimiddleware.WrapResponseWriter

// NewWrapResponseWriter wraps an http.ResponseWriter.
func NewWrapResponseWriter(rw http.ResponseWriter, protoMajor int) WrapResponseWriter {
	return chimiddleware.NewWrapResponseWriter(rw, protoMajor)
}

// WrapResponseWriterIfNeeded wraps an http.ResponseWriter unless it is already wrapped.
func WrapResponseWriterIfNeeded(rw http.ResponseWriter, protoMajor int) WrapResponseWriter {
	if wrw, ok := rw.(WrapResponseWriter); ok {
		return wrw
	}
	return NewWrapResponseWriter(rw, protoMajor)
}
