package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryKey struct {
	key    string
	userID string
}

// MemoryStore is a mutex-guarded map implementation of Store, used by unit
// tests and local development. Insert has the same conflict semantics as the
// PostgreSQL store, so arbitration races can be exercised without a database.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memoryKey]Record)}
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, key, userID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memoryKey{key, userID}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

// Insert implements Store. A live record under the same (key, userID) wins
// the conflict; a record that expired before rec was created is overwritten
// in place. Expiry is judged against rec.CreatedAt so clock-injecting callers
// see the same outcome as the durable store.
func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := memoryKey{rec.Key, rec.UserID}
	if existing, ok := s.records[id]; ok && !existing.Expired(rec.CreatedAt) {
		return ErrRecordExists
	}
	s.records[id] = cloneRecord(rec)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, memoryKey{key, userID})
	return nil
}

// SweepExpired implements Store.
func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Record
	for _, rec := range s.records {
		if rec.Expired(now) {
			expired = append(expired, cloneRecord(rec))
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(s.records, memoryKey{rec.Key, rec.UserID})
	}
	return expired, nil
}

// Len reports the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func cloneRecord(rec Record) Record {
	if len(rec.ResponseBody) > 0 {
		rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	}
	return rec
}
