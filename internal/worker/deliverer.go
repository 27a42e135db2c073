package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/engine"
	ws "github.com/Priya8975/event-delivery-core/internal/websocket"
)

const (
	DefaultAttemptTimeout = 10 * time.Second
	// DefaultDeferDelay is how long a delivery held back by an open
	// circuit or a paused subscription waits before it is looked at again.
	DefaultDeferDelay = 5 * time.Second
	rateLimitDelay    = time.Second
	maxResponseBody   = 1024
)

// DeliveryStore persists the delivery lifecycle.
type DeliveryStore interface {
	BeginAttempt(ctx context.Context, tenantID, id string, attemptNumber int) (bool, error)
	DeferDelivery(ctx context.Context, tenantID, id string, nextAttemptAt time.Time) error
	MarkDelivered(ctx context.Context, tenantID, id string, httpStatus int) error
	MarkRetrying(ctx context.Context, tenantID, id string, nextAttemptAt time.Time, httpStatus *int, lastError string) error
	MarkExhausted(ctx context.Context, tenantID, id string, httpStatus *int, lastError string) error
	RecordDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error
	InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// TargetSource returns a subscription's live signing secret, status and
// rate limit. It returns (nil, nil) for a deleted subscription.
type TargetSource interface {
	GetDeliveryTarget(ctx context.Context, tenantID, subscriptionID string) (*domain.DeliveryTarget, error)
}

// Scheduler queues a job to run at a given time.
type Scheduler interface {
	Schedule(ctx context.Context, job engine.DeliveryJob, at time.Time) error
}

// ExhaustedFunc is called after a delivery has been dead-lettered.
type ExhaustedFunc func(ctx context.Context, job engine.DeliveryJob, dl domain.DeadLetter)

// Deliverer runs single delivery attempts: it signs and POSTs the stored
// envelope, records the outcome, and schedules the next attempt or
// dead-letters the delivery.
type Deliverer struct {
	httpClient     *http.Client
	store          DeliveryStore
	targets        TargetSource
	scheduler      Scheduler
	circuitBreaker *engine.CircuitBreaker
	rateLimiter    *engine.RateLimiter
	hub            *ws.Hub
	onExhausted    ExhaustedFunc
	backoff        engine.Backoff
	attemptTimeout time.Duration
	deferDelay     time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

type Option func(*Deliverer)

func WithCircuitBreaker(cb *engine.CircuitBreaker) Option {
	return func(d *Deliverer) { d.circuitBreaker = cb }
}

func WithRateLimiter(rl *engine.RateLimiter) Option {
	return func(d *Deliverer) { d.rateLimiter = rl }
}

// WithHub streams delivery updates to connected dashboard clients.
func WithHub(hub *ws.Hub) Option {
	return func(d *Deliverer) { d.hub = hub }
}

func WithExhaustedHook(fn ExhaustedFunc) Option {
	return func(d *Deliverer) { d.onExhausted = fn }
}

func WithBackoff(b engine.Backoff) Option {
	return func(d *Deliverer) { d.backoff = b }
}

// WithAttemptTimeout bounds each HTTP attempt, including reading the
// response.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Deliverer) {
		if timeout > 0 {
			d.attemptTimeout = timeout
		}
	}
}

func WithDeferDelay(delay time.Duration) Option {
	return func(d *Deliverer) {
		if delay > 0 {
			d.deferDelay = delay
		}
	}
}

// NewDeliverer creates a deliverer with a configured HTTP client.
func NewDeliverer(store DeliveryStore, targets TargetSource, scheduler Scheduler, logger *slog.Logger, opts ...Option) *Deliverer {
	d := &Deliverer{
		store:          store,
		targets:        targets,
		scheduler:      scheduler,
		backoff:        engine.DefaultBackoff(),
		attemptTimeout: DefaultAttemptTimeout,
		deferDelay:     DefaultDeferDelay,
		now:            time.Now,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.httpClient = &http.Client{
		// Receivers must answer on the registered URL.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return d
}

// attemptResult is what one HTTP attempt produced.
type attemptResult struct {
	statusCode   *int
	responseBody string
	errMsg       string
	elapsed      time.Duration
}

func (r attemptResult) succeeded() bool {
	return r.errMsg == "" && r.statusCode != nil && *r.statusCode >= 200 && *r.statusCode < 300
}

func (r attemptResult) failure() string {
	if r.errMsg != "" {
		return r.errMsg
	}
	if r.statusCode != nil {
		return fmt.Sprintf("unexpected status %d", *r.statusCode)
	}
	return "no response"
}

// Deliver runs attempt job.Attempt of one delivery. Jobs for attempts that
// are already taken or past the delivery's budget are dropped.
func (d *Deliverer) Deliver(ctx context.Context, job engine.DeliveryJob) {
	log := d.logger.With(
		"delivery_id", job.DeliveryID,
		"subscription_id", job.SubscriptionID,
		"tenant_id", job.TenantID,
		"event_id", job.EventID,
		"attempt", job.Attempt,
	)

	if job.Attempt < 1 || job.Attempt > job.MaxAttempts {
		log.Warn("dropping job outside attempt budget", "max_attempts", job.MaxAttempts)
		return
	}

	target, err := d.targets.GetDeliveryTarget(ctx, job.TenantID, job.SubscriptionID)
	if err != nil {
		log.Error("failed to load delivery target", "error", err)
		d.deferJob(ctx, log, job, d.deferDelay, "target lookup failed")
		return
	}
	if target == nil {
		log.Info("subscription deleted, dropping job")
		return
	}

	switch target.Status {
	case domain.SubscriptionActive:
	case domain.SubscriptionPaused:
		d.deferJob(ctx, log, job, d.deferDelay, "subscription paused")
		return
	default:
		// A disabled subscription ends the lineage visibly instead of
		// leaving it to be re-queued forever.
		d.abandon(ctx, log, job, fmt.Sprintf("subscription %s", target.Status))
		return
	}

	if d.circuitBreaker != nil {
		if state, ok := d.circuitBreaker.AllowRequest(ctx, job.TenantID, job.SubscriptionID); !ok {
			d.deferJob(ctx, log, job, d.deferDelay, "circuit "+state)
			return
		}
	}
	if d.rateLimiter != nil && !d.rateLimiter.Allow(ctx, job.TenantID, job.SubscriptionID, target.RateLimitPerSecond) {
		d.deferJob(ctx, log, job, rateLimitDelay, "rate limited")
		return
	}

	began, err := d.store.BeginAttempt(ctx, job.TenantID, job.DeliveryID, job.Attempt)
	if err != nil {
		log.Error("failed to start delivery attempt", "error", err)
		d.deferJob(ctx, log, job, d.deferDelay, "attempt not started")
		return
	}
	if !began {
		log.Debug("attempt already taken or delivery finished, dropping job")
		return
	}

	result := d.send(ctx, job, target.Secret)
	d.recordAttempt(ctx, log, job, result)

	if result.succeeded() {
		d.onSuccess(ctx, log, job, result)
		return
	}
	d.onFailure(ctx, log, job, result)
}

// send performs one signed POST under the per-attempt timeout.
func (d *Deliverer) send(ctx context.Context, job engine.DeliveryJob, secret string) attemptResult {
	start := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(job.Payload))
	if err != nil {
		return attemptResult{errMsg: fmt.Sprintf("failed to create request: %v", err), elapsed: d.now().Sub(start)}
	}

	timestamp := strconv.FormatInt(start.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "event-delivery-core/1")
	req.Header.Set(HeaderDeliveryID, job.DeliveryID)
	req.Header.Set(HeaderEventID, job.EventID)
	req.Header.Set(HeaderEventType, job.EventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(job.Attempt))
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, Sign(secret, timestamp, job.Payload))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		msg := fmt.Sprintf("request failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timed out after %s", d.attemptTimeout)
		}
		return attemptResult{errMsg: msg, elapsed: d.now().Sub(start)}
	}
	defer resp.Body.Close()

	// Read at most 1KB of the response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	status := resp.StatusCode
	return attemptResult{statusCode: &status, responseBody: string(body), elapsed: d.now().Sub(start)}
}

func (d *Deliverer) onSuccess(ctx context.Context, log *slog.Logger, job engine.DeliveryJob, result attemptResult) {
	if err := d.store.MarkDelivered(ctx, job.TenantID, job.DeliveryID, *result.statusCode); err != nil {
		log.Error("failed to mark delivery delivered", "error", err)
	}
	if d.circuitBreaker != nil {
		d.circuitBreaker.RecordSuccess(ctx, job.TenantID, job.SubscriptionID)
	}

	log.Info("delivery successful",
		"status_code", *result.statusCode,
		"response_time_ms", result.elapsed.Milliseconds(),
	)
	d.broadcast(job, ws.TypeDeliverySuccess, result, nil)
}

func (d *Deliverer) onFailure(ctx context.Context, log *slog.Logger, job engine.DeliveryJob, result attemptResult) {
	if d.circuitBreaker != nil {
		d.circuitBreaker.RecordFailure(ctx, job.TenantID, job.SubscriptionID)
	}
	reason := result.failure()

	if job.Attempt >= job.MaxAttempts {
		d.exhaust(ctx, log, job, result.statusCode, reason)
		d.broadcast(job, ws.TypeDeliveryExhausted, result, nil)
		return
	}

	next := d.now().Add(d.backoff.Delay(job.Attempt)).UTC()
	if err := d.store.MarkRetrying(ctx, job.TenantID, job.DeliveryID, next, result.statusCode, reason); err != nil {
		// Left in attempting; the sweeper hands it back.
		log.Error("failed to mark delivery retrying", "error", err)
		return
	}

	retry := job
	retry.Attempt = job.Attempt + 1
	if err := d.scheduler.Schedule(ctx, retry, next); err != nil {
		log.Warn("retry recorded but not queued", "error", err)
	}

	log.Warn("delivery failed, retry scheduled",
		"error", reason,
		"status_code", result.statusCode,
		"response_time_ms", result.elapsed.Milliseconds(),
		"next_attempt_at", next,
	)
	d.broadcast(job, ws.TypeDeliveryRetrying, result, &next)
}

// abandon consumes the current attempt without sending and exhausts the
// delivery.
func (d *Deliverer) abandon(ctx context.Context, log *slog.Logger, job engine.DeliveryJob, reason string) {
	began, err := d.store.BeginAttempt(ctx, job.TenantID, job.DeliveryID, job.Attempt)
	if err != nil || !began {
		if err != nil {
			log.Error("failed to start delivery attempt", "error", err)
		}
		return
	}
	result := attemptResult{errMsg: reason}
	d.recordAttempt(ctx, log, job, result)
	d.exhaust(ctx, log, job, nil, reason)
	d.broadcast(job, ws.TypeDeliveryExhausted, result, nil)
}

func (d *Deliverer) exhaust(ctx context.Context, log *slog.Logger, job engine.DeliveryJob, statusCode *int, reason string) {
	if err := d.store.MarkExhausted(ctx, job.TenantID, job.DeliveryID, statusCode, reason); err != nil {
		log.Error("failed to mark delivery exhausted", "error", err)
		return
	}

	dl := domain.DeadLetter{
		DeliveryID:     job.DeliveryID,
		TenantID:       job.TenantID,
		EventID:        job.EventID,
		SubscriptionID: job.SubscriptionID,
		TotalAttempts:  job.Attempt,
		LastError:      &reason,
		LastHTTPStatus: statusCode,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.store.InsertDeadLetter(ctx, dl); err != nil {
		log.Error("failed to insert dead letter", "error", err)
	}

	log.Error("delivery exhausted",
		"error", reason,
		"status_code", statusCode,
		"max_attempts", job.MaxAttempts,
	)
	if d.onExhausted != nil {
		d.onExhausted(ctx, job, dl)
	}
}

// deferJob reschedules job without consuming an attempt.
func (d *Deliverer) deferJob(ctx context.Context, log *slog.Logger, job engine.DeliveryJob, delay time.Duration, reason string) {
	next := d.now().Add(delay).UTC()
	if err := d.store.DeferDelivery(ctx, job.TenantID, job.DeliveryID, next); err != nil {
		log.Warn("failed to record deferral", "error", err)
	}
	if err := d.scheduler.Schedule(ctx, job, next); err != nil {
		log.Error("failed to reschedule deferred job", "error", err)
		return
	}

	log.Info("delivery deferred", "reason", reason, "next_attempt_at", next)
	d.broadcast(job, ws.TypeDeliveryDeferred, attemptResult{errMsg: reason}, &next)
}

// recordAttempt appends the attempt to the delivery's history.
func (d *Deliverer) recordAttempt(ctx context.Context, log *slog.Logger, job engine.DeliveryJob, result attemptResult) {
	status := "success"
	if !result.succeeded() {
		status = "failed"
	}
	elapsed := int(result.elapsed.Milliseconds())

	attempt := domain.DeliveryAttempt{
		DeliveryID:     job.DeliveryID,
		TenantID:       job.TenantID,
		AttemptNumber:  job.Attempt,
		Status:         status,
		HTTPStatusCode: result.statusCode,
		ResponseTimeMs: &elapsed,
		CreatedAt:      d.now().UTC(),
	}
	if result.responseBody != "" {
		attempt.ResponseBody = &result.responseBody
	}
	if !result.succeeded() {
		reason := result.failure()
		attempt.ErrorMessage = &reason
	}

	if err := d.store.RecordDeliveryAttempt(ctx, attempt); err != nil {
		log.Error("failed to record delivery attempt", "error", err)
	}
}

func (d *Deliverer) broadcast(job engine.DeliveryJob, eventType string, result attemptResult, next *time.Time) {
	if d.hub == nil {
		return
	}
	ev := ws.DeliveryEvent{
		Type:           eventType,
		TenantID:       job.TenantID,
		DeliveryID:     job.DeliveryID,
		EventID:        job.EventID,
		SubscriptionID: job.SubscriptionID,
		TargetURL:      job.TargetURL,
		EventType:      job.EventType,
		Attempt:        job.Attempt,
		MaxAttempts:    job.MaxAttempts,
		StatusCode:     result.statusCode,
		ResponseMs:     result.elapsed.Milliseconds(),
		NextAttemptAt:  next,
		Timestamp:      d.now().UTC(),
	}
	if !result.succeeded() {
		ev.Error = result.failure()
	}
	d.hub.Broadcast(ev)
}
