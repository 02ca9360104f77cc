/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"
)

// Rate describes the frequency of requests.
type Rate struct {
	Count    int
	Duration time.Duration
}

// Limiter interface defines the contract of the smoothing rate limiters.
// Unlike the fixed window counter of the RequestLimit stage, a Limiter gives
// a plain allow/deny answer and does not expose quota accounting to the client.
type Limiter interface {
	Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error)
}
