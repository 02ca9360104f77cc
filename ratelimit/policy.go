/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-gatekit/restapi"
)

// Default values for the Policy fields.
// They live in the preset constructors (and in the config provider defaults),
// never in zero-value reinterpretation, so that the explicit MaxRequests == 0
// stays distinguishable from "unset".
const (
	DefaultWindow      = 15 * time.Minute
	DefaultMaxRequests = 100
)

// Policy is an immutable configuration of a single RequestLimit stage.
// It is validated once at stage construction; an invalid policy is a startup
// error and is never discovered at request time.
type Policy struct {
	// Window is the fixed window duration. Must be positive.
	Window time.Duration

	// MaxRequests is the number of requests admitted per key per window.
	// Zero means "always reject"; negative values are invalid.
	MaxRequests int

	// GetKey derives the admission key from the request.
	// GetKeyByRemoteAddr is used if not set.
	GetKey GetKeyFunc

	// SkipOnSuccess excludes requests that finished with a 2xx status from the quota:
	// such a request is counted up front and compensated with a decrement after
	// the response status is known.
	SkipOnSuccess bool

	// SkipOnFailure does the same for requests that finished with a status >= 400.
	SkipOnFailure bool

	// Message is a human-readable text put into the body of the 429 response.
	Message string
}

// Validate checks the policy invariants.
func (p *Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", p.Window)
	}
	if p.MaxRequests < 0 {
		return fmt.Errorf("max requests should not be negative, got %d", p.MaxRequests)
	}
	return nil
}

// DefaultPolicy returns the preset suitable as a global limit: 100 requests per 15 minutes,
// keyed by the client address.
func DefaultPolicy() Policy {
	return Policy{
		Window:      DefaultWindow,
		MaxRequests: DefaultMaxRequests,
		GetKey:      GetKeyByRemoteAddr,
		Message:     restapi.ErrMessageTooManyRequests,
	}
}

// StrictPolicy returns the preset for sensitive write endpoints: 10 requests per minute.
func StrictPolicy() Policy {
	return Policy{
		Window:      time.Minute,
		MaxRequests: 10,
		GetKey:      GetKeyByRemoteAddr,
		Message:     "Too many requests, please try again later.",
	}
}

// AuthAttemptPolicy returns the preset for authentication endpoints:
// 5 attempts per 15 minutes, and only failed attempts consume the quota.
func AuthAttemptPolicy() Policy {
	return Policy{
		Window:        DefaultWindow,
		MaxRequests:   5,
		GetKey:        GetKeyByRemoteAddr,
		SkipOnSuccess: true,
		Message:       "Too many authentication attempts, please try again later.",
	}
}
