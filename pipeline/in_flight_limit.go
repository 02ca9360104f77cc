/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-gatekit/log"
	"github.com/acronis/go-gatekit/lrucache"
	"github.com/acronis/go-gatekit/restapi"
)

// DefaultInFlightLimitMaxKeys is a default value of maximum keys number for the InFlightLimit stage.
const DefaultInFlightLimitMaxKeys = 10000

// DefaultInFlightLimitBacklogTimeout determines how long the HTTP request may be in the backlog status.
const DefaultInFlightLimitBacklogTimeout = time.Second * 5

// Log fields for InFlightLimit stage.
const (
	InFlightLimitLogFieldKey        = "in_flight_limit_key"
	InFlightLimitLogFieldBacklogged = "in_flight_limit_backlogged"
)

// InFlightLimitParams contains data that relates to the in-flight limiting procedure
// and could be used for rejecting or handling an occurred error.
type InFlightLimitParams struct {
	ResponseStatusCode int
	GetRetryAfter      InFlightLimitGetRetryAfterFunc
	Key                string
	RequestBacklogged  bool
}

// InFlightLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the in-flight limit is exceeded.
type InFlightLimitGetRetryAfterFunc func(r *http.Request) time.Duration

// InFlightLimitOnRejectFunc is a function that is called for rejecting HTTP request when the in-flight limit is exceeded.
type InFlightLimitOnRejectFunc func(rw http.ResponseWriter, r *http.Request,
	params InFlightLimitParams, next http.Handler, logger log.FieldLogger)

// InFlightLimitOnErrorFunc is a function that is called in case of any error that may occur during the in-flight limiting.
type InFlightLimitOnErrorFunc func(rw http.ResponseWriter, r *http.Request,
	params InFlightLimitParams, err error, next http.Handler, logger log.FieldLogger)

// InFlightLimitGetKeyFunc is a function that is called for getting key for in-flight limiting.
type InFlightLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// inFlightSlotsProvider provides in-flight and backlog slots for limiting.
type inFlightSlotsProvider func(key string) (slots chan struct{}, backlogSlots chan struct{})

// InFlightLimitOpts represents an options for the stage to limit in-flight HTTP requests.
type InFlightLimitOpts struct {
	GetKey             InFlightLimitGetKeyFunc
	MaxKeys            int
	ResponseStatusCode int
	GetRetryAfter      InFlightLimitGetRetryAfterFunc
	BacklogLimit       int
	BacklogTimeout     time.Duration
	DryRun             bool

	OnReject         InFlightLimitOnRejectFunc
	OnRejectInDryRun InFlightLimitOnRejectFunc
	OnError          InFlightLimitOnErrorFunc
}

type inFlightLimitHandler struct {
	next           http.Handler
	getSlots       inFlightSlotsProvider
	backlogTimeout time.Duration
	dryRun         bool
	getKey         InFlightLimitGetKeyFunc
	respStatusCode int
	getRetryAfter  InFlightLimitGetRetryAfterFunc

	onReject         InFlightLimitOnRejectFunc
	onRejectInDryRun InFlightLimitOnRejectFunc
	onError          InFlightLimitOnErrorFunc
}

// InFlightLimit is a stage that limits the total number of currently served (in-flight) HTTP requests.
// It checks how many requests are in-flight and rejects with 503 if exceeded.
func InFlightLimit(limit int) (func(next http.Handler) http.Handler, error) {
	return InFlightLimitWithOpts(limit, InFlightLimitOpts{})
}

// MustInFlightLimit is a version of InFlightLimit that panics on error.
func MustInFlightLimit(limit int) func(next http.Handler) http.Handler {
	mw, err := InFlightLimit(limit)
	if err != nil {
		panic(err)
	}
	return mw
}

// InFlightLimitWithOpts is a configurable version of a stage to limit in-flight HTTP requests.
func InFlightLimitWithOpts(limit int, opts InFlightLimitOpts) (func(next http.Handler) http.Handler, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit should be positive, got %d", limit)
	}
	if opts.BacklogLimit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", opts.BacklogLimit)
	}

	backlogTimeout := opts.BacklogTimeout
	if backlogTimeout == 0 {
		backlogTimeout = DefaultInFlightLimitBacklogTimeout
	}

	maxKeys := 0
	if opts.GetKey != nil {
		maxKeys = opts.MaxKeys
		if maxKeys == 0 {
			maxKeys = DefaultInFlightLimitMaxKeys
		}
	}

	getSlots, err := newInFlightSlotsProvider(limit, opts.BacklogLimit, maxKeys)
	if err != nil {
		return nil, fmt.Errorf("create slots provider: %w", err)
	}

	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusServiceUnavailable
	}

	return func(next http.Handler) http.Handler {
		return &inFlightLimitHandler{
			next:             next,
			getSlots:         getSlots,
			backlogTimeout:   backlogTimeout,
			dryRun:           opts.DryRun,
			getKey:           opts.GetKey,
			respStatusCode:   respStatusCode,
			getRetryAfter:    opts.GetRetryAfter,
			onReject:         makeInFlightLimitOnRejectFunc(opts),
			onRejectInDryRun: makeInFlightLimitOnRejectInDryRunFunc(opts),
			onError:          makeInFlightLimitOnErrorFunc(opts),
		}
	}, nil
}

// MustInFlightLimitWithOpts is a version of InFlightLimitWithOpts that panics on error.
func MustInFlightLimitWithOpts(limit int, opts InFlightLimitOpts) func(next http.Handler) http.Handler {
	mw, err := InFlightLimitWithOpts(limit, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *inFlightLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var key string
	var bypass bool
	var err error
	if h.getKey != nil {
		if key, bypass, err = h.getKey(r); err != nil {
			h.onError(rw, r, h.makeParams(key, false), fmt.Errorf("get key for in-flight limit: %w", err),
				h.next, GetLoggerFromContext(r.Context()))
			return
		}
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	slots, backlogSlots := h.getSlots(key)

	backlogged := false
	defer func() {
		if backlogged {
			select {
			case <-backlogSlots:
			default:
			}
		}
	}()

	select {
	case backlogSlots <- struct{}{}:
		backlogged = true
	default:
		h.reject(rw, r, h.makeParams(key, false))
		return
	}

	h.serveBacklogged(rw, r, key, slots)
}

// serveBacklogged handles a request that has been placed in the backlog queue.
func (h *inFlightLimitHandler) serveBacklogged(rw http.ResponseWriter, r *http.Request, key string, slots chan struct{}) {
	acquired := false
	defer func() {
		if acquired {
			select {
			case <-slots:
			default:
			}
		}
	}()

	if h.dryRun {
		select {
		case slots <- struct{}{}:
			acquired = true
			h.next.ServeHTTP(rw, r)
		default:
			h.onRejectInDryRun(rw, r, h.makeParams(key, true), h.next, GetLoggerFromContext(r.Context()))
		}
		return
	}

	backlogTimeoutTimer := time.NewTimer(h.backlogTimeout)
	defer backlogTimeoutTimer.Stop()

	select {
	case slots <- struct{}{}:
		acquired = true
		h.next.ServeHTTP(rw, r)
	case <-backlogTimeoutTimer.C:
		h.reject(rw, r, h.makeParams(key, true))
	case <-r.Context().Done():
		h.onError(rw, r, h.makeParams(key, true), r.Context().Err(), h.next, GetLoggerFromContext(r.Context()))
	}
}

func (h *inFlightLimitHandler) reject(rw http.ResponseWriter, r *http.Request, params InFlightLimitParams) {
	if h.dryRun {
		h.onRejectInDryRun(rw, r, params, h.next, GetLoggerFromContext(r.Context()))
		return
	}
	h.onReject(rw, r, params, h.next, GetLoggerFromContext(r.Context()))
}

func (h *inFlightLimitHandler) makeParams(key string, backlogged bool) InFlightLimitParams {
	return InFlightLimitParams{
		ResponseStatusCode: h.respStatusCode,
		GetRetryAfter:      h.getRetryAfter,
		Key:                key,
		RequestBacklogged:  backlogged,
	}
}

// DefaultInFlightLimitOnReject sends 503 with the Retry-After header (if it can be determined)
// when the in-flight limit is exceeded.
func DefaultInFlightLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params InFlightLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(InFlightLimitLogFieldKey, params.Key),
			log.Bool(InFlightLimitLogFieldBacklogged, params.RequestBacklogged),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	retryAfterSecs := 0
	if params.GetRetryAfter != nil {
		retryAfterSecs = int(math.Ceil(params.GetRetryAfter(r).Seconds()))
		rw.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	apiErr := restapi.NewServiceUnavailableError(restapi.ErrMessageServiceUnavailable, retryAfterSecs)
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultInFlightLimitOnRejectInDryRun continues serving and only logs the fact of the exceeded limit
// when the dry-run mode is enabled.
func DefaultInFlightLimitOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params InFlightLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many in-flight requests, serving will be continued because of dry run mode",
			log.String(InFlightLimitLogFieldKey, params.Key),
			log.Bool(InFlightLimitLogFieldBacklogged, params.RequestBacklogged),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultInFlightLimitOnError sends 500 in case of any error that may occur during the in-flight limiting.
func DefaultInFlightLimitOnError(
	rw http.ResponseWriter, r *http.Request, params InFlightLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(InFlightLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, logger)
}

func makeInFlightLimitOnRejectFunc(opts InFlightLimitOpts) InFlightLimitOnRejectFunc {
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultInFlightLimitOnReject
}

func makeInFlightLimitOnRejectInDryRunFunc(opts InFlightLimitOpts) InFlightLimitOnRejectFunc {
	if opts.OnRejectInDryRun != nil {
		return opts.OnRejectInDryRun
	}
	return DefaultInFlightLimitOnRejectInDryRun
}

func makeInFlightLimitOnErrorFunc(opts InFlightLimitOpts) InFlightLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultInFlightLimitOnError
}

// newInFlightSlotsProvider creates a new slots provider for in-flight and backlog limiting.
func newInFlightSlotsProvider(limit, backlogLimit, maxKeys int) (inFlightSlotsProvider, error) {
	if maxKeys == 0 {
		slots := make(chan struct{}, limit)
		backlogSlots := make(chan struct{}, limit+backlogLimit)
		return func(key string) (chan struct{}, chan struct{}) {
			return slots, backlogSlots
		}, nil
	}

	type keysZoneItem struct {
		slots        chan struct{}
		backlogSlots chan struct{}
	}

	keysZone, err := lrucache.New[string, *keysZoneItem](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return func(key string) (chan struct{}, chan struct{}) {
		item, _ := keysZone.GetOrAdd(key, func() *keysZoneItem {
			return &keysZoneItem{
				slots:        make(chan struct{}, limit),
				backlogSlots: make(chan struct{}, limit+backlogLimit),
			}
		})
		return item.slots, item.backlogSlots
	}, nil
}
