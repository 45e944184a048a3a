package idempotency

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Decision is the outcome of arbitration. When Replay is true the caller must
// return Record's status and body verbatim instead of executing the command.
// Reclaimed reports that an expired record was found and removed: the command
// proceeds as fresh, but side effects of the original attempt may still exist
// and there is no concurrent winner to wait for.
type Decision struct {
	Replay    bool
	Record    Record
	Reclaimed bool
}

// FinalizeParams describes the completed command outcome to cache.
type FinalizeParams struct {
	Key            string
	UserID         string
	HTTPMethod     string
	RequestPath    string
	ResponseStatus int
	ResponseBody   []byte
	ResourceID     string
	ResourceType   string
	CorrelationID  string
}

// Arbiter runs the check-then-proceed-then-finalize protocol over a Store.
// Dedup is keyed by (key, userID) alone; method and path are kept for audit.
type Arbiter struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// ArbiterOption customises an Arbiter.
type ArbiterOption func(*Arbiter)

// WithTTL overrides the record retention period.
func WithTTL(ttl time.Duration) ArbiterOption {
	return func(a *Arbiter) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) ArbiterOption {
	return func(a *Arbiter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewArbiter constructs an Arbiter over the given store.
func NewArbiter(store Store, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TTL reports the configured record retention period.
func (a *Arbiter) TTL() time.Duration {
	return a.ttl
}

// Arbitrate decides whether a command under key may proceed. A live record
// yields a replay decision; an expired record is removed and the command
// proceeds; an absent record proceeds. Method and path are accepted for the
// caller's convenience but do not participate in the lookup.
func (a *Arbiter) Arbitrate(ctx context.Context, key, userID, method, path string) (Decision, error) {
	if !ValidKey(key) {
		return Decision{}, ErrInvalidKey
	}
	_ = method
	_ = path

	rec, err := a.store.Find(ctx, key, userID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return Decision{}, nil
	case err != nil:
		return Decision{}, errors.Wrap(err, "find idempotency record")
	}

	if rec.Expired(a.now().UTC()) {
		if err := a.store.Delete(ctx, key, userID); err != nil {
			return Decision{}, errors.Wrap(err, "delete expired idempotency record")
		}
		return Decision{Reclaimed: true}, nil
	}

	return Decision{Replay: true, Record: rec}, nil
}

// Finalize caches a completed outcome. When the insert collides with a record
// written concurrently under the same key, the existing record wins: it is
// re-read and returned as the authoritative outcome, and the caller must
// discard its own result. This is what bounds the system to at-most-one
// persisted side effect per key.
func (a *Arbiter) Finalize(ctx context.Context, p FinalizeParams) (Record, error) {
	if !ValidKey(p.Key) {
		return Record{}, ErrInvalidKey
	}

	now := a.now().UTC()
	rec := Record{
		Key:            p.Key,
		UserID:         p.UserID,
		HTTPMethod:     p.HTTPMethod,
		RequestPath:    p.RequestPath,
		ResponseStatus: p.ResponseStatus,
		ResponseBody:   p.ResponseBody,
		ResourceID:     p.ResourceID,
		ResourceType:   p.ResourceType,
		CorrelationID:  p.CorrelationID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(a.ttl),
	}

	err := a.store.Insert(ctx, rec)
	switch {
	case errors.Is(err, ErrRecordExists):
		winner, findErr := a.store.Find(ctx, p.Key, p.UserID)
		if findErr != nil {
			return Record{}, errors.Wrap(findErr, "re-read winning idempotency record")
		}
		return winner, nil
	case err != nil:
		return Record{}, errors.Wrap(err, "insert idempotency record")
	}

	return rec, nil
}
