/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit implements admission control for HTTP requests.
//
// The central piece is the RequestLimit pipeline stage: a fixed window counter
// that accounts every request against a per-key counter before the downstream
// handler runs, annotates responses with RateLimit-* quota headers, and rejects
// with 429 once the counter exceeds the policy maximum. Counters live in a Store;
// the shipped MemoryStore keeps them in process memory behind a single mutex and
// does not survive restarts or horizontal scaling - a distributed deployment must
// swap in a backend with a native atomic increment (INCR+EXPIRE or similar).
//
// Store failures are fatal to the request and surface as 500 through the stage's
// OnError callback (fail loud). Operators preferring to fail open can supply their
// own OnError that forwards to the next handler instead.
//
// For traffic smoothing rather than strict quota accounting, the package also
// provides the Limiter interface with leaky bucket (GCRA) and sliding window
// implementations, pluggable into a pipeline via LimiterStage.
package ratelimit
