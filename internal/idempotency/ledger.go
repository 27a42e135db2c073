// Package idempotency makes mutating requests safe to retry. A request
// carrying a client idempotency key runs at most once per tenant; later
// requests with the same key replay the stored response.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/keyspace"
	"github.com/google/uuid"
)

// MaxKeyLength bounds the client-supplied key.
const MaxKeyLength = 255

// DefaultTTL covers realistic client retry windows.
const DefaultTTL = 24 * time.Hour

var (
	ErrKeyReuseConflict = errors.New("idempotency key reused with a different request")
	ErrInvalidKey       = errors.New("invalid idempotency key")
	ErrRecordNotPending = errors.New("idempotency record is not pending")
)

// maxBeginRounds bounds the insert/read/reclaim loop when a row changes
// underneath us (reaped or reclaimed by a concurrent request).
const maxBeginRounds = 3

// Store is the relational source of truth. Implementations must enforce
// uniqueness of (tenant_id, key_hash) at the storage level.
type Store interface {
	// InsertIdempotencyRecord inserts rec unless a row with the same
	// (tenant, key hash) exists. inserted is false on conflict.
	InsertIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) (inserted bool, err error)
	GetIdempotencyRecord(ctx context.Context, tenantID, keyHash string) (*domain.IdempotencyRecord, error)
	// ReclaimIdempotencyRecord overwrites the existing row with rec only if
	// that row is expired at now or failed with the same fingerprint.
	ReclaimIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error)
	// FinalizeIdempotencyRecord moves a pending row to status, but only
	// while the row still carries claimToken.
	FinalizeIdempotencyRecord(ctx context.Context, tenantID, keyHash, claimToken string, status domain.IdempotencyStatus, responseStatus int, responseBody []byte) (bool, error)
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

// Cache is an optional acceleration layer for completed records. It is
// never the only copy of a response.
type Cache interface {
	Get(ctx context.Context, tenantID, keyHash string) (*domain.IdempotencyRecord, error)
	Put(ctx context.Context, rec domain.IdempotencyRecord, ttl time.Duration) error
}

// Outcome tells the caller what to do with the request.
type Outcome int

const (
	// OutcomeProceed: run the handler, then call Complete or Fail.
	OutcomeProceed Outcome = iota
	// OutcomeReplay: return Record's stored response verbatim.
	OutcomeReplay
	// OutcomeInFlight: another request with this key is running.
	OutcomeInFlight
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProceed:
		return "proceed"
	case OutcomeReplay:
		return "replay"
	case OutcomeInFlight:
		return "in_flight"
	}
	return "unknown"
}

// Request identifies one incoming mutating call.
type Request struct {
	TenantID    string
	ActorID     string
	Route       string
	Method      string
	Key         string
	Fingerprint string
}

// Claim names the pending record a proceeding request owns. A record
// reclaimed by a later request gets a new token, so a stale owner can no
// longer finalize it.
type Claim struct {
	TenantID string
	KeyHash  string
	Token    string
}

// BeginResult carries the outcome and, for replays, the stored record.
// Claim is set only for OutcomeProceed.
type BeginResult struct {
	Outcome Outcome
	KeyHash string
	Claim   Claim
	Record  *domain.IdempotencyRecord
}

// Ledger coordinates the store and the optional cache.
type Ledger struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithCache enables the cache fast path.
func WithCache(c Cache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithTTL sets how long records stay replayable.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TTL returns the record lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// KeyHash derives the stored key hash from the tenant and client key.
func KeyHash(tenantID, key string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Begin records the start of req. Exactly one concurrent caller per
// (tenant, key) gets OutcomeProceed; the store's unique constraint decides.
func (l *Ledger) Begin(ctx context.Context, req Request) (BeginResult, error) {
	if err := validateRequest(req); err != nil {
		return BeginResult{}, err
	}
	keyHash := KeyHash(req.TenantID, req.Key)

	if res, ok, err := l.fromCache(ctx, req, keyHash); ok {
		return res, err
	}

	for round := 0; round < maxBeginRounds; round++ {
		now := l.now().UTC()
		rec := l.newPending(req, keyHash, now)

		inserted, err := l.store.InsertIdempotencyRecord(ctx, rec)
		if err != nil {
			return BeginResult{}, fmt.Errorf("inserting idempotency record: %w", err)
		}
		if inserted {
			return proceed(rec), nil
		}

		existing, err := l.store.GetIdempotencyRecord(ctx, req.TenantID, keyHash)
		if err != nil {
			return BeginResult{}, fmt.Errorf("reading idempotency record: %w", err)
		}
		if existing == nil {
			// Reaped between insert and read.
			continue
		}

		if existing.Expired(now) {
			ok, err := l.store.ReclaimIdempotencyRecord(ctx, rec, now)
			if err != nil {
				return BeginResult{}, fmt.Errorf("reclaiming expired idempotency record: %w", err)
			}
			if ok {
				return proceed(rec), nil
			}
			continue
		}

		if existing.Fingerprint != req.Fingerprint {
			return BeginResult{KeyHash: keyHash}, ErrKeyReuseConflict
		}

		switch existing.Status {
		case domain.IdempotencyCompleted:
			return BeginResult{Outcome: OutcomeReplay, KeyHash: keyHash, Record: existing}, nil
		case domain.IdempotencyPending:
			return BeginResult{Outcome: OutcomeInFlight, KeyHash: keyHash}, nil
		case domain.IdempotencyFailed:
			ok, err := l.store.ReclaimIdempotencyRecord(ctx, rec, now)
			if err != nil {
				return BeginResult{}, fmt.Errorf("reclaiming failed idempotency record: %w", err)
			}
			if ok {
				return proceed(rec), nil
			}
		}
	}

	// The row kept changing under us; let the client come back later.
	return BeginResult{Outcome: OutcomeInFlight, KeyHash: keyHash}, nil
}

// Complete stores the response of a pending request for replay.
func (l *Ledger) Complete(ctx context.Context, c Claim, responseStatus int, responseBody []byte) error {
	ok, err := l.store.FinalizeIdempotencyRecord(ctx, c.TenantID, c.KeyHash, c.Token, domain.IdempotencyCompleted, responseStatus, responseBody)
	if err != nil {
		return fmt.Errorf("completing idempotency record: %w", err)
	}
	if !ok {
		return ErrRecordNotPending
	}

	if l.cache == nil {
		return nil
	}
	rec, err := l.store.GetIdempotencyRecord(ctx, c.TenantID, c.KeyHash)
	if err != nil || rec == nil {
		// The store has the response; the cache is only a shortcut.
		return nil
	}
	ttl := rec.ExpiresAt.Sub(l.now())
	if ttl <= 0 {
		return nil
	}
	if err := l.cache.Put(ctx, *rec, ttl); err != nil {
		l.logger.Warn("idempotency cache write failed", "error", err, "tenant_id", c.TenantID)
	}
	return nil
}

// Fail marks a pending request as failed. A later request with the same
// key and fingerprint may run again.
func (l *Ledger) Fail(ctx context.Context, c Claim) error {
	ok, err := l.store.FinalizeIdempotencyRecord(ctx, c.TenantID, c.KeyHash, c.Token, domain.IdempotencyFailed, 0, nil)
	if err != nil {
		return fmt.Errorf("failing idempotency record: %w", err)
	}
	if !ok {
		return ErrRecordNotPending
	}
	return nil
}

// Reap deletes expired records and returns how many were removed.
func (l *Ledger) Reap(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteExpiredIdempotencyRecords(ctx, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reaping idempotency records: %w", err)
	}
	return n, nil
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (l *Ledger) RunReaper(ctx context.Context, interval time.Duration) {
	l.logger.Info("idempotency reaper started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("idempotency reaper stopping")
			return
		case <-ticker.C:
			n, err := l.Reap(ctx)
			if err != nil {
				l.logger.Error("idempotency reap failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Info("reaped expired idempotency records", "count", n)
			}
		}
	}
}

func (l *Ledger) newPending(req Request, keyHash string, now time.Time) domain.IdempotencyRecord {
	rec := domain.IdempotencyRecord{
		TenantID:    req.TenantID,
		Route:       req.Route,
		Method:      req.Method,
		KeyHash:     keyHash,
		KeyValue:    req.Key,
		Fingerprint: req.Fingerprint,
		ClaimToken:  uuid.NewString(),
		Status:      domain.IdempotencyPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}
	if req.ActorID != "" {
		actor := req.ActorID
		rec.ActorID = &actor
	}
	return rec
}

func proceed(rec domain.IdempotencyRecord) BeginResult {
	return BeginResult{
		Outcome: OutcomeProceed,
		KeyHash: rec.KeyHash,
		Claim:   Claim{TenantID: rec.TenantID, KeyHash: rec.KeyHash, Token: rec.ClaimToken},
	}
}

// fromCache answers a replay or a reuse conflict from a live completed
// record in the cache. ok is false when the store must decide.
func (l *Ledger) fromCache(ctx context.Context, req Request, keyHash string) (BeginResult, bool, error) {
	if l.cache == nil {
		return BeginResult{}, false, nil
	}
	rec, err := l.cache.Get(ctx, req.TenantID, keyHash)
	if err != nil {
		l.logger.Warn("idempotency cache read failed", "error", err, "tenant_id", req.TenantID)
		return BeginResult{}, false, nil
	}
	if rec == nil || rec.Status != domain.IdempotencyCompleted || rec.Expired(l.now()) || rec.TenantID != req.TenantID {
		return BeginResult{}, false, nil
	}
	if rec.Fingerprint != req.Fingerprint {
		return BeginResult{KeyHash: keyHash}, true, ErrKeyReuseConflict
	}
	return BeginResult{Outcome: OutcomeReplay, KeyHash: keyHash, Record: rec}, true, nil
}

func validateRequest(req Request) error {
	if err := keyspace.ValidateTenantID(req.TenantID); err != nil {
		return err
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if key != req.Key {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidKey)
	}
	if len(req.Key) > MaxKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	if req.Fingerprint == "" {
		return fmt.Errorf("%w: missing request fingerprint", ErrInvalidKey)
	}
	return nil
}
