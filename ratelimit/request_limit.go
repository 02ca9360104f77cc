/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-gatekit/log"
	"github.com/acronis/go-gatekit/pipeline"
	"github.com/acronis/go-gatekit/restapi"
)

// Quota headers set by the RequestLimit stage on every request it processes.
const (
	HeaderRateLimitLimit     = "RateLimit-Limit"
	HeaderRateLimitRemaining = "RateLimit-Remaining"
	HeaderRateLimitReset     = "RateLimit-Reset"
)

// Legacy variants of the quota headers (epoch seconds in the reset one),
// emitted alongside when EmitLegacyHeaders is enabled.
const (
	HeaderXRateLimitLimit     = "X-RateLimit-Limit"
	HeaderXRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderXRateLimitReset     = "X-RateLimit-Reset"
)

// RequestLimitLogFieldKey it is the name of the logged field that contains the admission key.
const RequestLimitLogFieldKey = "rate_limit_key"

const userAgentLogFieldKey = "user_agent"

// RequestLimitParams contains data that relates to the admission decision
// and could be used for rejecting or handling an occurred error.
type RequestLimitParams struct {
	Key         string
	TotalHits   int
	MaxRequests int
	UntilReset  time.Duration
	Message     string
}

// RetryAfterSecs returns the value for the Retry-After header: the time until
// the window resets, in seconds rounded up.
func (p RequestLimitParams) RetryAfterSecs() int {
	return int(math.Ceil(p.UntilReset.Seconds()))
}

// RequestLimitOnRejectFunc is a function that is called for rejecting HTTP request
// when the admission quota is exceeded.
type RequestLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RequestLimitParams, next http.Handler, logger log.FieldLogger)

// RequestLimitOnErrorFunc is a function that is called in case of any error
// that may occur during the admission control (e.g. a counter store failure).
type RequestLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RequestLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RequestLimitOpts represents an options for the RequestLimit stage.
type RequestLimitOpts struct {
	// DryRun enables the mode in which quota violations are logged but never rejected.
	DryRun bool

	// EmitLegacyHeaders enables emitting X-RateLimit-* headers alongside the standard ones.
	EmitLegacyHeaders bool

	// MetricsCollector counts admission decisions. Metrics are disabled if not set.
	MetricsCollector MetricsCollector

	OnReject         RequestLimitOnRejectFunc
	OnRejectInDryRun RequestLimitOnRejectFunc
	OnError          RequestLimitOnErrorFunc
}

type requestLimitHandler struct {
	next   http.Handler
	store  Store
	policy Policy

	dryRun            bool
	emitLegacyHeaders bool
	metrics           MetricsCollector
	timeNow           func() time.Time

	onReject         RequestLimitOnRejectFunc
	onRejectInDryRun RequestLimitOnRejectFunc
	onError          RequestLimitOnErrorFunc
}

// RequestLimit is a stage that limits the number of admitted HTTP requests
// per admission key within a fixed time window, according to the passed policy.
func RequestLimit(policy Policy, store Store) (func(next http.Handler) http.Handler, error) {
	return RequestLimitWithOpts(policy, store, RequestLimitOpts{})
}

// MustRequestLimit is a version of RequestLimit that panics if an error occurs.
func MustRequestLimit(policy Policy, store Store) func(next http.Handler) http.Handler {
	mw, err := RequestLimit(policy, store)
	if err != nil {
		panic(err)
	}
	return mw
}

// RequestLimitWithOpts is a configurable version of the RequestLimit stage.
func RequestLimitWithOpts(policy Policy, store Store, opts RequestLimitOpts) (func(next http.Handler) http.Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is mandatory")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	if policy.GetKey == nil {
		policy.GetKey = GetKeyByRemoteAddr
	}
	if policy.Message == "" {
		policy.Message = restapi.ErrMessageTooManyRequests
	}
	metrics := opts.MetricsCollector
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	return func(next http.Handler) http.Handler {
		return &requestLimitHandler{
			next:              next,
			store:             store,
			policy:            policy,
			dryRun:            opts.DryRun,
			emitLegacyHeaders: opts.EmitLegacyHeaders,
			metrics:           metrics,
			timeNow:           time.Now,
			onReject:          makeRequestLimitOnRejectFunc(opts),
			onRejectInDryRun:  makeRequestLimitOnRejectInDryRunFunc(opts),
			onError:           makeRequestLimitOnErrorFunc(opts),
		}
	}, nil
}

// MustRequestLimitWithOpts is a version of RequestLimitWithOpts that panics if an error occurs.
func MustRequestLimitWithOpts(policy Policy, store Store, opts RequestLimitOpts) func(next http.Handler) http.Handler {
	mw, err := RequestLimitWithOpts(policy, store, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *requestLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := pipeline.GetLoggerFromContext(r.Context())

	key, bypass, err := h.policy.GetKey(r)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, 0, 0), fmt.Errorf("get key for rate limit: %w", err), h.next, logger)
		return
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	// Accounting happens before the downstream handler runs so that a slow or crashing
	// handler cannot be exploited to bypass the limit. The skip-flag exemption is applied
	// after the outcome is known, via compensating decrement.
	totalHits, untilReset, err := h.store.Increment(r.Context(), key, h.policy.Window)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, 0, 0), fmt.Errorf("increment counter for rate limit: %w", err), h.next, logger)
		return
	}

	params := h.makeParams(key, totalHits, untilReset)
	h.setQuotaHeaders(rw, params)

	if totalHits > h.policy.MaxRequests {
		if h.dryRun {
			h.metrics.IncRejected(true)
			h.onRejectInDryRun(rw, r, params, h.next, logger)
			return
		}
		h.metrics.IncRejected(false)
		h.onReject(rw, r, params, h.next, logger)
		return
	}

	h.metrics.IncAdmitted()

	if !h.policy.SkipOnSuccess && !h.policy.SkipOnFailure {
		h.next.ServeHTTP(rw, r)
		return
	}

	wrw := pipeline.WrapResponseWriterIfNeeded(rw, r.ProtoMajor)
	h.next.ServeHTTP(wrw, r)

	status := wrw.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if (h.policy.SkipOnSuccess && status >= 200 && status < 300) ||
		(h.policy.SkipOnFailure && status >= http.StatusBadRequest) {
		if dErr := h.store.Decrement(r.Context(), key); dErr != nil && logger != nil {
			logger.Error("decrement counter for rate limit",
				log.String(RequestLimitLogFieldKey, key), log.Error(dErr))
		}
	}
}

func (h *requestLimitHandler) makeParams(key string, totalHits int, untilReset time.Duration) RequestLimitParams {
	return RequestLimitParams{
		Key:         key,
		TotalHits:   totalHits,
		MaxRequests: h.policy.MaxRequests,
		UntilReset:  untilReset,
		Message:     h.policy.Message,
	}
}

func (h *requestLimitHandler) setQuotaHeaders(rw http.ResponseWriter, params RequestLimitParams) {
	remaining := params.MaxRequests - params.TotalHits
	if remaining < 0 {
		remaining = 0
	}
	resetAt := h.timeNow().Add(params.UntilReset)

	header := rw.Header()
	header.Set(HeaderRateLimitLimit, strconv.Itoa(params.MaxRequests))
	header.Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
	header.Set(HeaderRateLimitReset, resetAt.UTC().Format(time.RFC3339))

	if h.emitLegacyHeaders {
		header.Set(HeaderXRateLimitLimit, strconv.Itoa(params.MaxRequests))
		header.Set(HeaderXRateLimitRemaining, strconv.Itoa(remaining))
		header.Set(HeaderXRateLimitReset, strconv.FormatInt(resetAt.Unix(), 10))
	}
}

// DefaultRequestLimitOnReject sends 429 with the Retry-After header and the structured
// JSON body when the admission quota is exceeded.
func DefaultRequestLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RequestLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RequestLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	retryAfterSecs := params.RetryAfterSecs()
	rw.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	apiErr := restapi.NewTooManyRequestsError(params.Message, retryAfterSecs)
	restapi.RespondError(rw, http.StatusTooManyRequests, apiErr, logger)
}

// DefaultRequestLimitOnRejectInDryRun continues serving and only logs the fact
// of the exceeded quota when the dry-run mode is enabled.
func DefaultRequestLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params RequestLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RequestLimitLogFieldKey, params.Key),
			log.Int("total_hits", params.TotalHits),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultRequestLimitOnError sends 500 in case of any error that may occur during
// the admission control. Failing loud is the deliberate choice here: a broken counter
// store never silently admits or rejects. Operators preferring to fail open should
// supply their own OnError that forwards the request to the next handler.
func DefaultRequestLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RequestLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RequestLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, logger)
}

func makeRequestLimitOnRejectFunc(opts RequestLimitOpts) RequestLimitOnRejectFunc {
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultRequestLimitOnReject
}

func makeRequestLimitOnRejectInDryRunFunc(opts RequestLimitOpts) RequestLimitOnRejectFunc {
	if opts.OnRejectInDryRun != nil {
		return opts.OnRejectInDryRun
	}
	return DefaultRequestLimitOnRejectInDryRun
}

func makeRequestLimitOnErrorFunc(opts RequestLimitOpts) RequestLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRequestLimitOnError
}
