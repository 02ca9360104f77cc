/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package restapi provides helpers for responding and consuming JSON over HTTP:
// responders with a stable error body, request body decoding with size limits,
// and a small logging client wrapper.
package restapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-gatekit/log"
)

// ContentTypeAppJSON represents MIME media type for JSON.
const ContentTypeAppJSON = "application/json"

// Does JSON marshaling with disabled HTML escaping.
func jsonMarshal(v interface{}) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return buffer.Bytes()[:buffer.Len()-1], nil
}

// RespondJSON sends a response with 200 HTTP status code,
// does JSON marshaling of data and writes the result in the response body.
func RespondJSON(rw http.ResponseWriter, respData interface{}, logger log.FieldLogger) {
	RespondCodeAndJSON(rw, http.StatusOK, respData, logger)
}

// RespondCodeAndJSON sends a response with the passed status code and sets the "Content-Type"
// to "application/json" if it's not already set. It performs JSON marshaling of the data and
// writes the result to the response body.
func RespondCodeAndJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	if respData == nil {
		rw.WriteHeader(statusCode)
		return
	}

	if rw.Header().Get("Content-Type") == "" {
		rw.Header().Set("Content-Type", ContentTypeAppJSON)
	}

	respJSON, err := jsonMarshal(respData)
	if err != nil {
		if logger != nil {
			logger.Error("error while marshaling json for response body", log.Error(err))
		}
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(statusCode)
	if _, err = rw.Write(respJSON); err != nil {
		if logger != nil {
			logger.Error("error while writing response body", log.Error(err))
		}
	}
}

// RespondError sets the HTTP status code in the response and writes the error in the body in JSON format.
// The error is logged (kind and message) and counted in metrics if they are registered.
func RespondError(rw http.ResponseWriter, httpStatusCode int, err *Error, logger log.FieldLogger) {
	if logger != nil {
		logger.Error("error in response",
			log.Int("response_code", httpStatusCode),
			log.String("error_kind", err.Err),
			log.String("error_message", err.Message),
		)
	}
	if metricsResponseErrors != nil {
		metricsResponseErrors.With(prometheus.Labels{
			metricsLabelResponseErrorStatus: strconv.Itoa(httpStatusCode),
		}).Inc()
	}
	RespondCodeAndJSON(rw, httpStatusCode, err, logger)
}

// RespondInternalError sends a response with 500 HTTP status code and the internal error JSON body.
func RespondInternalError(rw http.ResponseWriter, logger log.FieldLogger) {
	RespondError(rw, http.StatusInternalServerError, NewInternalError(), logger)
}

// RespondMalformedRequestError creates an Error from the passed MalformedRequestError and calls RespondError.
func RespondMalformedRequestError(rw http.ResponseWriter, reqErr *MalformedRequestError, logger log.FieldLogger) {
	RespondError(rw, reqErr.HTTPStatusCode, NewErrorFromStatus(reqErr.HTTPStatusCode, reqErr.Message), logger)
}

// RespondMalformedRequestOrInternalError calls RespondMalformedRequestError
// (if the passed error is *MalformedRequestError) or RespondInternalError (in other cases).
func RespondMalformedRequestOrInternalError(rw http.ResponseWriter, err error, logger log.FieldLogger) {
	var reqErr *MalformedRequestError
	if errors.As(err, &reqErr) {
		RespondMalformedRequestError(rw, reqErr, logger)
		return
	}
	RespondInternalError(rw, logger)
}
