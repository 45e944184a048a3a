// Package idempotency implements client-keyed request deduplication: a
// durable store of response snapshots scoped by (key, user) and an arbiter
// that decides whether a command may proceed or must replay a cached outcome.
package idempotency

import (
	"context"
	"regexp"
	"time"

	"github.com/go-faster/errors"
)

// DefaultTTL is how long a completed record is retained before it is treated
// as absent and becomes eligible for the expiry sweep.
const DefaultTTL = 48 * time.Hour

// keyPattern validates client-supplied idempotency keys.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,255}$`)

// Sentinel errors for store and arbiter operations.
var (
	ErrInvalidKey     = errors.New("idempotency key must be 10-255 characters of [A-Za-z0-9_-]")
	ErrRecordNotFound = errors.New("idempotency record not found")
	ErrRecordExists   = errors.New("idempotency record already exists")
)

// ValidKey reports whether key matches the accepted key format.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Record is the cached outcome of a completed command, keyed by
// (Key, UserID). Records are immutable once written; the only mutation the
// store permits is deletion (explicit or by expiry sweep).
//
// HTTPMethod and RequestPath are recorded for audit only. They are never
// compared during arbitration: the client owns key semantics, so a key
// reused against a different operation replays the original outcome.
type Record struct {
	Key            string
	UserID         string
	HTTPMethod     string
	RequestPath    string
	ResponseStatus int
	ResponseBody   []byte
	ResourceID     string
	ResourceType   string
	CorrelationID  string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the record should be treated as absent at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists idempotency records. Insert must enforce (key, user_id)
// uniqueness among live records and return ErrRecordExists when a concurrent
// writer won the race; a record that expired before the incoming one was
// created is overwritten instead. That conflict signal is the mechanism the
// arbiter builds on.
type Store interface {
	Find(ctx context.Context, key, userID string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key, userID string) error

	// SweepExpired removes up to limit records whose ExpiresAt has passed
	// and returns the reclaimed batch, oldest first.
	SweepExpired(ctx context.Context, now time.Time, limit int) ([]Record, error)
}
