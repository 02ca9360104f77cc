/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides outbound HTTP transport decorators:
// client-side rate limiting and retries with backoff that honor the Retry-After response header.
package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/acronis/go-gatekit/log"
)

// New constructs an *http.Client whose transport is wrapped
// with rate limiting and retries according to the configuration.
func New(cfg *Config) (*http.Client, error) {
	return NewWithOpts(cfg, Opts{})
}

// Must is a variant of New that panics on error.
func Must(cfg *Config) *http.Client {
	client, err := New(cfg)
	if err != nil {
		panic(err)
	}

	return client
}

// Opts provides options for NewWithOpts and MustWithOpts functions.
type Opts struct {
	// Delegate is the next RoundTripper in the chain.
	// http.DefaultTransport's clone is used when it's nil.
	Delegate http.RoundTripper

	// LoggerProvider is a function that provides a context-specific logger for retry attempts.
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// NewWithOpts constructs an *http.Client wrapping opts.Delegate
// with rate limiting and retries according to the configuration.
func NewWithOpts(cfg *Config, opts Opts) (*http.Client, error) {
	var err error
	delegate := opts.Delegate

	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	if cfg.RateLimits.Enabled {
		delegate, err = NewRateLimitingRoundTripperWithOpts(
			delegate, cfg.RateLimits.Limit, cfg.RateLimits.TransportOpts(),
		)
		if err != nil {
			return nil, fmt.Errorf("create rate limiting round tripper: %w", err)
		}
	}

	if cfg.Retries.Enabled {
		retryOpts := cfg.Retries.TransportOpts()
		retryOpts.LoggerProvider = opts.LoggerProvider
		retryOpts.BackoffPolicy = cfg.Retries.GetPolicy()
		delegate, err = NewRetryableRoundTripperWithOpts(delegate, retryOpts)
		if err != nil {
			return nil, fmt.Errorf("create retryable round tripper: %w", err)
		}
	}

	return &http.Client{Transport: delegate, Timeout: cfg.Timeout}, nil
}

// MustWithOpts is a variant of NewWithOpts that panics on error.
func MustWithOpts(cfg *Config, opts Opts) *http.Client {
	client, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}

	return client
}
