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
	"github.com/acronis/go-gatekit/lrucache"
	"github.com/acronis/go-gatekit/pipeline"
	"github.com/acronis/go-gatekit/restapi"
)

// DefaultLimiterStageMaxKeys is a default value of maximum keys number for the LimiterStage.
const DefaultLimiterStageMaxKeys = 10000

// DefaultLimiterStageBacklogTimeout determines how long the HTTP request may be in the backlog status.
const DefaultLimiterStageBacklogTimeout = time.Second * 5

// limiterBacklogSlotsProvider provides backlog slots for the LimiterStage.
type limiterBacklogSlotsProvider func(key string) chan struct{}

// LimiterParams contains data that relates to the smoothing limiter decision.
type LimiterParams struct {
	ResponseStatusCode  int
	Key                 string
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
}

// LimiterOnRejectFunc is a function that is called for rejecting HTTP request when the limit is exceeded.
type LimiterOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params LimiterParams, next http.Handler, logger log.FieldLogger)

// LimiterOnErrorFunc is a function that is called in case of any error that may occur during the limiting.
type LimiterOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params LimiterParams, err error, next http.Handler, logger log.FieldLogger)

// LimiterStageOpts represents an options for the LimiterStage.
type LimiterStageOpts struct {
	GetKey             GetKeyFunc
	MaxKeys            int
	ResponseStatusCode int
	DryRun             bool
	BacklogLimit       int
	BacklogTimeout     time.Duration

	OnReject         LimiterOnRejectFunc
	OnRejectInDryRun LimiterOnRejectFunc
	OnError          LimiterOnErrorFunc
}

type limiterStageHandler struct {
	next            http.Handler
	limiter         Limiter
	getKey          GetKeyFunc
	respStatusCode  int
	dryRun          bool
	getBacklogSlots limiterBacklogSlotsProvider
	backlogTimeout  time.Duration

	onReject         LimiterOnRejectFunc
	onRejectInDryRun LimiterOnRejectFunc
	onError          LimiterOnErrorFunc
}

// LimiterStage is a stage that smooths the rate of HTTP requests using the passed Limiter
// (leaky bucket or sliding window). Requests over the rate may optionally be backlogged
// for a bounded time instead of being rejected immediately.
//
// It serves traffic shaping; quota accounting with client-visible headers is the job
// of the RequestLimit stage.
func LimiterStage(limiter Limiter, opts LimiterStageOpts) (func(next http.Handler) http.Handler, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter is mandatory")
	}
	if opts.BacklogLimit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", opts.BacklogLimit)
	}

	maxKeys := 0
	if opts.GetKey != nil {
		maxKeys = opts.MaxKeys
		if maxKeys == 0 {
			maxKeys = DefaultLimiterStageMaxKeys
		}
	}

	var getBacklogSlots limiterBacklogSlotsProvider
	// Backlogging is disabled in dry-run mode to avoid blocking requests.
	if opts.BacklogLimit > 0 && !opts.DryRun {
		var err error
		if getBacklogSlots, err = newLimiterBacklogSlotsProvider(opts.BacklogLimit, maxKeys); err != nil {
			return nil, err
		}
	}

	backlogTimeout := opts.BacklogTimeout
	if backlogTimeout == 0 {
		backlogTimeout = DefaultLimiterStageBacklogTimeout
	}

	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusServiceUnavailable
	}

	return func(next http.Handler) http.Handler {
		return &limiterStageHandler{
			next:             next,
			limiter:          limiter,
			getKey:           opts.GetKey,
			respStatusCode:   respStatusCode,
			dryRun:           opts.DryRun,
			getBacklogSlots:  getBacklogSlots,
			backlogTimeout:   backlogTimeout,
			onReject:         makeLimiterOnRejectFunc(opts),
			onRejectInDryRun: makeLimiterOnRejectInDryRunFunc(opts),
			onError:          makeLimiterOnErrorFunc(opts),
		}
	}, nil
}

// MustLimiterStage is a version of LimiterStage that panics if an error occurs.
func MustLimiterStage(limiter Limiter, opts LimiterStageOpts) func(next http.Handler) http.Handler {
	mw, err := LimiterStage(limiter, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *limiterStageHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := pipeline.GetLoggerFromContext(r.Context())

	var key string
	var bypass bool
	var err error
	if h.getKey != nil {
		if key, bypass, err = h.getKey(r); err != nil {
			h.onError(rw, r, h.makeParams(key, false, 0), fmt.Errorf("get key for rate limit: %w", err), h.next, logger)
			return
		}
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	allow, retryAfter, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, false, 0), fmt.Errorf("rate limit: %w", err), h.next, logger)
		return
	}

	if allow {
		h.next.ServeHTTP(rw, r)
		return
	}

	if h.dryRun {
		h.onRejectInDryRun(rw, r, h.makeParams(key, false, retryAfter), h.next, logger)
		return
	}

	if h.getBacklogSlots == nil {
		h.onReject(rw, r, h.makeParams(key, false, retryAfter), h.next, logger)
		return
	}

	h.serveBacklogged(rw, r, key, retryAfter, logger)
}

// serveBacklogged parks the request in the backlog and periodically re-checks the limiter
// until the request is admitted, the backlog timeout fires, or the request is canceled.
func (h *limiterStageHandler) serveBacklogged(
	rw http.ResponseWriter, r *http.Request, key string, retryAfter time.Duration, logger log.FieldLogger,
) {
	backlogSlots := h.getBacklogSlots(key)
	backlogged := false
	select {
	case backlogSlots <- struct{}{}:
		backlogged = true
	default:
		// There are no free slots in the backlog, reject the request immediately.
		h.onReject(rw, r, h.makeParams(key, false, retryAfter), h.next, logger)
		return
	}

	freeBacklogSlotIfNeeded := func() {
		if backlogged {
			select {
			case <-backlogSlots:
				backlogged = false
			default:
			}
		}
	}
	defer freeBacklogSlotIfNeeded()

	backlogTimeoutTimer := time.NewTimer(h.backlogTimeout)
	defer backlogTimeoutTimer.Stop()

	retryTimer := time.NewTimer(retryAfter)
	defer retryTimer.Stop()

	for {
		select {
		case <-retryTimer.C:
			// Will do another check of the rate limit.
		case <-backlogTimeoutTimer.C:
			freeBacklogSlotIfNeeded()
			h.onReject(rw, r, h.makeParams(key, backlogged, retryAfter), h.next, logger)
			return
		case <-r.Context().Done():
			freeBacklogSlotIfNeeded()
			h.onError(rw, r, h.makeParams(key, backlogged, retryAfter), r.Context().Err(), h.next, logger)
			return
		}

		var allow bool
		var err error
		if allow, retryAfter, err = h.limiter.Allow(r.Context(), key); err != nil {
			freeBacklogSlotIfNeeded()
			h.onError(rw, r, h.makeParams(key, backlogged, retryAfter), fmt.Errorf("rate limit: %w", err), h.next, logger)
			return
		}

		if allow {
			freeBacklogSlotIfNeeded()
			h.next.ServeHTTP(rw, r)
			return
		}

		if !retryTimer.Stop() {
			select {
			case <-retryTimer.C:
			default:
			}
		}
		retryTimer.Reset(retryAfter)
	}
}

func (h *limiterStageHandler) makeParams(key string, backlogged bool, retryAfter time.Duration) LimiterParams {
	return LimiterParams{
		ResponseStatusCode:  h.respStatusCode,
		Key:                 key,
		RequestBacklogged:   backlogged,
		EstimatedRetryAfter: retryAfter,
	}
}

// DefaultLimiterOnReject sends a response with the configured status code (503 by default)
// and the Retry-After header estimated by the limiter.
func DefaultLimiterOnReject(
	rw http.ResponseWriter, r *http.Request, params LimiterParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RequestLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	retryAfterSecs := int(math.Ceil(params.EstimatedRetryAfter.Seconds()))
	rw.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	var apiErr *restapi.Error
	if params.ResponseStatusCode == http.StatusTooManyRequests {
		apiErr = restapi.NewTooManyRequestsError(restapi.ErrMessageTooManyRequests, retryAfterSecs)
	} else {
		apiErr = restapi.NewServiceUnavailableError(restapi.ErrMessageServiceUnavailable, retryAfterSecs)
	}
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultLimiterOnRejectInDryRun continues serving and only logs the fact of the exceeded limit
// when the dry-run mode is enabled.
func DefaultLimiterOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params LimiterParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RequestLimitLogFieldKey, params.Key),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultLimiterOnError sends 500 in case of any error that may occur during the limiting.
func DefaultLimiterOnError(
	rw http.ResponseWriter, r *http.Request, params LimiterParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RequestLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, logger)
}

func makeLimiterOnRejectFunc(opts LimiterStageOpts) LimiterOnRejectFunc {
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultLimiterOnReject
}

func makeLimiterOnRejectInDryRunFunc(opts LimiterStageOpts) LimiterOnRejectFunc {
	if opts.OnRejectInDryRun != nil {
		return opts.OnRejectInDryRun
	}
	return DefaultLimiterOnRejectInDryRun
}

func makeLimiterOnErrorFunc(opts LimiterStageOpts) LimiterOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultLimiterOnError
}

// newLimiterBacklogSlotsProvider creates a new backlog slots provider.
func newLimiterBacklogSlotsProvider(backlogLimit, maxKeys int) (limiterBacklogSlotsProvider, error) {
	if maxKeys == 0 {
		backlogSlots := make(chan struct{}, backlogLimit)
		return func(key string) chan struct{} {
			return backlogSlots
		}, nil
	}
	keysZone, err := lrucache.New[string, chan struct{}](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return func(key string) chan struct{} {
		backlogSlots, _ := keysZone.GetOrAdd(key, func() chan struct{} {
			return make(chan struct{}, backlogLimit)
		})
		return backlogSlots
	}, nil
}
