/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"net/http"
	"strings"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-gatekit/netutil"
)

// GetKeyFunc is a function that is called for getting admission key for the request.
// The returned bypass flag tells the stage to forward the request without any accounting.
type GetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// GetKeyByRemoteAddr is the default GetKeyFunc: the client IP address.
// Reverse-proxy headers (X-Forwarded-For, X-Real-IP) take precedence over
// the connection's remote address.
func GetKeyByRemoteAddr(r *http.Request) (key string, bypass bool, err error) {
	return netutil.ClientIP(r), false, nil
}

// MakeGetKeyByHeader makes a GetKeyFunc that uses the value of the passed request header as a key.
// Requests without the header bypass the admission control.
func MakeGetKeyByHeader(headerName string) GetKeyFunc {
	return func(r *http.Request) (key string, bypass bool, err error) {
		headerVal := strings.TrimSpace(r.Header.Get(headerName))
		return headerVal, headerVal == "", nil
	}
}

// MakeGetKeyWithExemptions wraps a GetKeyFunc so that keys matching any of the passed
// glob patterns bypass the admission control (e.g. health-checker addresses).
func MakeGetKeyWithExemptions(getKey GetKeyFunc, exemptKeys []string) GetKeyFunc {
	compiledKeys := make([]func(s string) bool, 0, len(exemptKeys))
	for _, k := range exemptKeys {
		compiledKeys = append(compiledKeys, glob.Compile(k))
	}
	return func(r *http.Request) (string, bool, error) {
		key, bypass, err := getKey(r)
		if err != nil || bypass {
			return key, bypass, err
		}
		for i := range compiledKeys {
			if compiledKeys[i](key) {
				return key, true, nil
			}
		}
		return key, false, nil
	}
}
