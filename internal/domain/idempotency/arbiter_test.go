package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	testKey  = "client-key-0001"
	testUser = "user-1"
)

func testParams(body string) FinalizeParams {
	return FinalizeParams{
		Key:            testKey,
		UserID:         testUser,
		HTTPMethod:     http.MethodPost,
		RequestPath:    "/api/orders",
		ResponseStatus: http.StatusCreated,
		ResponseBody:   []byte(body),
		ResourceID:     "order-1",
		ResourceType:   "order",
		CorrelationID:  "corr-1",
	}
}

func TestArbitrate_InvalidKey(t *testing.T) {
	arb := NewArbiter(NewMemoryStore())

	for _, key := range []string{"", "short", "has space in it", "bad!chars#here"} {
		_, err := arb.Arbitrate(context.Background(), key, testUser, http.MethodPost, "/api/orders")
		require.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestArbitrate_ProceedWhenAbsent(t *testing.T) {
	arb := NewArbiter(NewMemoryStore())

	dec, err := arb.Arbitrate(context.Background(), testKey, testUser, http.MethodPost, "/api/orders")
	require.NoError(t, err)
	assert.False(t, dec.Replay)
}

func TestFinalizeThenArbitrate_ReplayFidelity(t *testing.T) {
	arb := NewArbiter(NewMemoryStore())
	ctx := context.Background()

	rec, err := arb.Finalize(ctx, testParams(`{"id":"order-1"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.ResponseStatus)

	// Replays are stable no matter how often the key is retried.
	for range 5 {
		dec, err := arb.Arbitrate(ctx, testKey, testUser, http.MethodPost, "/api/orders")
		require.NoError(t, err)
		require.True(t, dec.Replay)
		assert.Equal(t, http.StatusCreated, dec.Record.ResponseStatus)
		assert.JSONEq(t, `{"id":"order-1"}`, string(dec.Record.ResponseBody))
	}
}

func TestArbitrate_KeyReuseAcrossPathsReplays(t *testing.T) {
	arb := NewArbiter(NewMemoryStore())
	ctx := context.Background()

	_, err := arb.Finalize(ctx, testParams(`{"id":"order-1"}`))
	require.NoError(t, err)

	// Same key against a different operation: the outcome is a replay of
	// the original response, by policy.
	dec, err := arb.Arbitrate(ctx, testKey, testUser, http.MethodPost, "/api/orders/order-1/cancel")
	require.NoError(t, err)
	require.True(t, dec.Replay)
	assert.Equal(t, "/api/orders", dec.Record.RequestPath)
}

func TestArbitrate_UserScoping(t *testing.T) {
	arb := NewArbiter(NewMemoryStore())
	ctx := context.Background()

	_, err := arb.Finalize(ctx, testParams(`{"id":"order-1"}`))
	require.NoError(t, err)

	dec, err := arb.Arbitrate(ctx, testKey, "user-2", http.MethodPost, "/api/orders")
	require.NoError(t, err)
	assert.False(t, dec.Replay, "record must be scoped by (key, user)")
}

func TestArbitrate_ExpiredRecordRemoved(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	arb := NewArbiter(store, WithClock(clock), WithTTL(time.Hour))
	ctx := context.Background()

	_, err := arb.Finalize(ctx, testParams(`{"id":"order-1"}`))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	dec, err := arb.Arbitrate(ctx, testKey, testUser, http.MethodPost, "/api/orders")
	require.NoError(t, err)
	assert.False(t, dec.Replay)
	assert.True(t, dec.Reclaimed, "caller must learn the record aged out")
	assert.Equal(t, 0, store.Len(), "expired record should be reclaimed at lookup")

	// A fresh attempt under the same key may now finalize again.
	_, err = arb.Finalize(ctx, testParams(`{"id":"order-2"}`))
	require.NoError(t, err)
}

func TestMemoryStore_InsertOverwritesExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := Record{
		Key:            testKey,
		UserID:         testUser,
		ResponseStatus: http.StatusCreated,
		ResponseBody:   []byte(`{"id":"old"}`),
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:      time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Insert(ctx, old))

	// A contender created while the stored record is live loses.
	live := old
	live.ResponseBody = []byte(`{"id":"contender"}`)
	live.CreatedAt = old.CreatedAt.Add(time.Hour)
	require.ErrorIs(t, store.Insert(ctx, live), ErrRecordExists)

	// A record created after the stored one expired replaces it in place.
	fresh := old
	fresh.ResponseBody = []byte(`{"id":"fresh"}`)
	fresh.CreatedAt = old.ExpiresAt.Add(time.Minute)
	fresh.ExpiresAt = fresh.CreatedAt.Add(DefaultTTL)
	require.NoError(t, store.Insert(ctx, fresh))

	got, err := store.Find(ctx, testKey, testUser)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"fresh"}`, string(got.ResponseBody))
	assert.Equal(t, 1, store.Len())
}

func TestArbiterTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, NewArbiter(NewMemoryStore()).TTL())
	assert.Equal(t, time.Hour, NewArbiter(NewMemoryStore(), WithTTL(time.Hour)).TTL())
	// Non-positive overrides keep the default.
	assert.Equal(t, DefaultTTL, NewArbiter(NewMemoryStore(), WithTTL(0)).TTL())
}

func TestFinalize_ConflictReturnsWinner(t *testing.T) {
	store := NewMemoryStore()
	arb := NewArbiter(store)
	ctx := context.Background()

	_, err := arb.Finalize(ctx, testParams(`{"id":"winner"}`))
	require.NoError(t, err)

	// A concurrent duplicate arrives late with its own result; the stored
	// record is authoritative and the loser's body is discarded.
	rec, err := arb.Finalize(ctx, testParams(`{"id":"loser"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"winner"}`, string(rec.ResponseBody))
	assert.Equal(t, 1, store.Len())
}

func TestFinalize_ConcurrentWritersConverge(t *testing.T) {
	store := NewMemoryStore()
	arb := NewArbiter(store)

	const writers = 16
	results := make([]Record, writers)

	g, ctx := errgroup.WithContext(context.Background())
	for i := range writers {
		g.Go(func() error {
			rec, err := arb.Finalize(ctx, testParams(fmt.Sprintf(`{"attempt":%d}`, i)))
			if err != nil {
				return err
			}
			results[i] = rec
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 1, store.Len(), "exactly one record must persist")
	for i := 1; i < writers; i++ {
		assert.Equal(t, string(results[0].ResponseBody), string(results[i].ResponseBody),
			"all concurrent writers must observe the same outcome")
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("abcdefghij"))
	assert.True(t, ValidKey("ABC-123_xyz-0000"))
	assert.False(t, ValidKey("abcdefghi"))      // 9 chars
	assert.False(t, ValidKey("has space 1234")) // whitespace
	assert.False(t, ValidKey("exclaim!0123456789"))

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, ValidKey(string(long)))
	assert.True(t, ValidKey(string(long[:255])))
}
