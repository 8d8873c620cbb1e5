package idempotency

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/tenant"
)

// Record is the stored response for a resolved idempotency key. A record
// only ever exists fully formed: it is written once, after the protected
// operation completed, and replayed verbatim until its TTL lapses.
type Record struct {
	TenantID        tenant.TenantID
	Key             string
	ResponseHash    string // hex sha256 over the canonical JSON of the payload
	ResponsePayload []byte
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// IsExpired reports whether the record has outlived its TTL.
func (r Record) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// MatchesHash reports whether hash equals r.ResponseHash using a
// constant-time comparison, so probing for the stored hash byte-by-byte
// can't be timed from outside.
func (r Record) MatchesHash(hash string) bool {
	got, err1 := hex.DecodeString(hash)
	want, err2 := hex.DecodeString(r.ResponseHash)
	if err1 != nil || err2 != nil || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// HashPayload computes a canonical sha256 over a JSON payload: decode,
// re-encode with sorted keys, hash. Semantically identical payloads with
// differently-ordered fields hash the same way.
func HashPayload(payload []byte) string {
	canonical := payload
	var generic any
	if err := json.Unmarshal(payload, &generic); err == nil {
		if c, err := canonicalJSON(generic); err == nil {
			canonical = c
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalJSON(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte("[")
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalJSON(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// ConflictError is returned by Put when an unexpired record already exists
// for the key with a different response payload — the same key was reused
// for a different operation, a client violation distinct from storage
// failure.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return "idempotency conflict for key " + e.Key
}

// ToAppError converts a ConflictError into the platform's AppError shape.
func (e *ConflictError) ToAppError() *apperror.AppError {
	return apperror.NewIdempotencyConflict(e.Key)
}

// Store is the port every idempotency backend (Postgres, in-memory) must
// satisfy. Put is insert-if-absent followed by a re-read; that pattern,
// backed by the unique constraint on (tenant, key), is the single source of
// truth for duplicate resolution — there is no pending state and no lock
// taken before the protected operation runs.
type Store interface {
	// Get returns the stored record for key, or (nil, nil) if absent.
	// Expired records are lazily removed and read as absent.
	Get(ctx context.Context, tenantID tenant.TenantID, key string) (*Record, error)

	// Put atomically inserts the record if absent and re-reads. If an
	// unexpired record already exists with the same response hash, the
	// existing record is returned. If the hash differs, a ConflictError is
	// returned.
	Put(ctx context.Context, tenantID tenant.TenantID, key string, payload []byte, ttl time.Duration) (*Record, error)

	// Delete removes a record, reporting whether one existed.
	Delete(ctx context.Context, tenantID tenant.TenantID, key string) (bool, error)
}

// InMemoryStore is a reference Store used in tests and in deployments that
// don't need cross-process idempotency sharing.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func inMemoryKey(tenantID tenant.TenantID, key string) string {
	return string(tenantID) + "\x00" + key
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, tenantID tenant.TenantID, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := inMemoryKey(tenantID, key)
	rec, ok := s.records[k]
	if !ok {
		return nil, nil
	}
	if rec.IsExpired(time.Now()) {
		delete(s.records, k)
		return nil, nil
	}
	found := *rec
	return &found, nil
}

// Put implements Store.
func (s *InMemoryStore) Put(_ context.Context, tenantID tenant.TenantID, key string, payload []byte, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	k := inMemoryKey(tenantID, key)
	hash := HashPayload(payload)

	existing, ok := s.records[k]
	if ok && !existing.IsExpired(now) {
		if !existing.MatchesHash(hash) {
			return nil, &ConflictError{Key: key}
		}
		found := *existing
		return &found, nil
	}

	rec := &Record{
		TenantID:        tenantID,
		Key:             key,
		ResponseHash:    hash,
		ResponsePayload: payload,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	s.records[k] = rec
	created := *rec
	return &created, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(_ context.Context, tenantID tenant.TenantID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := inMemoryKey(tenantID, key)
	_, ok := s.records[k]
	delete(s.records, k)
	return ok, nil
}

var _ Store = (*InMemoryStore)(nil)
