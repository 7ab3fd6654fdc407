package payloadstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key has no stored payload.
var ErrNotFound = errors.New("payloadstore: not found")

// Store is the payload-store client (C5): get/set a JSON payload by
// id with TTL, and an atomic NX lock keyed "lock:"+id with a
// 15-second expiry.
type Store struct {
	rdb *redis.Client
}

const lockTTL = 15 * time.Second

// New connects to the configured redis-compatible endpoint. url may be
// a redis:// or rediss:// URL; token, if non-empty, is used as the
// password when the URL doesn't already carry credentials.
func New(url, token string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("payloadstore: parse redis url: %w", err)
	}
	if token != "" && opts.Password == "" {
		opts.Password = token
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// Ping verifies connectivity within a bounded timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Get fetches the JSON payload stored at id. Returns ErrNotFound if
// absent (a dangling vector hit is handled by the caller, not here).
func (s *Store) Get(ctx context.Context, id string) (json.RawMessage, error) {
	v, err := s.rdb.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payloadstore: get %s: %w", id, err)
	}
	return json.RawMessage(v), nil
}

// Set writes payload at id with the given expiry.
func (s *Store) Set(ctx context.Context, id string, payload json.RawMessage, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, id, []byte(payload), ttl).Err(); err != nil {
		return fmt.Errorf("payloadstore: set %s: %w", id, err)
	}
	return nil
}

// Del removes id.
func (s *Store) Del(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("payloadstore: del %s: %w", id, err)
	}
	return nil
}

// Lock is an acquired NX lock. Release frees it; calling Release again
// once the key is gone is a no-op.
type Lock struct {
	store *Store
	key   string
	owner string
}

// AcquireLock attempts to take "lock:"+id via SETNX with a 15-second
// TTL. ok is false if another writer currently holds it; the caller
// must not write to either store in that case, guaranteeing at most
// one writer lands a given id's write-back.
func (s *Store) AcquireLock(ctx context.Context, id string) (lock *Lock, ok bool, err error) {
	key := "lock:" + id
	owner := uuid.NewString()
	acquired, err := s.rdb.SetNX(ctx, key, owner, lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("payloadstore: acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &Lock{store: s, key: key, owner: owner}, true, nil
}

// Release deletes the lock key only if it is still owned by this
// acquirer, guarding against releasing a lock some other writer took
// over after this one's TTL expired.
func (l *Lock) Release(ctx context.Context) error {
	val, err := l.store.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("payloadstore: release lock %s: %w", l.key, err)
	}
	if val != l.owner {
		return nil
	}
	return l.store.Del(ctx, l.key)
}
