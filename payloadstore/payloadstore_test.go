package payloadstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduitcache/semcache/payloadstore"
)

func newTestStore(t *testing.T) *payloadstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := payloadstore.New("redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store
}

func TestGetSetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"streamParts":[]}`)
	if err := store.Set(ctx, "llm:abc", payload, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "llm:abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Get() = %s, want %s", got, payload)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "llm:does-not-exist")
	if !errors.Is(err, payloadstore.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wins int
	var held []*payloadstore.Lock
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, ok, err := store.AcquireLock(ctx, "llm:race")
			if err != nil {
				t.Errorf("AcquireLock() error = %v", err)
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			wins++
			held = append(held, lock)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Release only after every writer has tried, so a released lock
	// cannot be taken by a writer that arrives late.
	for _, lock := range held {
		if err := lock.Release(ctx); err != nil {
			t.Errorf("Release() error = %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
}

func TestReleaseTwiceIsSafe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lock, ok, err := store.AcquireLock(ctx, "llm:expiring")
	if err != nil || !ok {
		t.Fatalf("AcquireLock() = (_, %v, %v)", ok, err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	// Releasing twice must not error even though the key is now gone.
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}
