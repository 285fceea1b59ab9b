package keyval_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lepko/internal/keyval"
	"lepko/internal/testsupport/redisstub"
)

func newStubStore(t *testing.T, opts redisstub.Options) *keyval.RedisStore {
	t.Helper()
	stub, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("redisstub.Start: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	store, err := keyval.NewRedisStore(keyval.RedisConfig{
		Addr:     stub.Addr(),
		Password: opts.Password,
	})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newStubStore(t, redisstub.Options{})
	ctx := context.Background()

	if err := store.Put(ctx, "drop:link:abc", "https://cdn/x.bin", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, ok, err := store.Get(ctx, "drop:link:abc")
	if err != nil || !ok || value != "https://cdn/x.bin" {
		t.Fatalf("Get = %q, %v, %v", value, ok, err)
	}
	exists, err := store.Exists(ctx, "drop:link:abc")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}
	if err := store.Delete(ctx, "drop:link:abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "drop:link:abc"); ok {
		t.Fatal("expected record to be gone after Delete")
	}
	// Deleting again is a no-op, not an error.
	if err := store.Delete(ctx, "drop:link:abc"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestRedisStoreTakeConsumes(t *testing.T) {
	store := newStubStore(t, redisstub.Options{})
	ctx := context.Background()

	if err := store.Put(ctx, "token", "payload", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	const takers = 16
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			value, ok, err := store.Take(ctx, "token")
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			if ok {
				if value != "payload" {
					t.Errorf("Take = %q, want payload", value)
				}
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one successful take, got %d", got)
	}
	if _, ok, _ := store.Get(ctx, "token"); ok {
		t.Fatal("expected record to be consumed")
	}
}

func TestRedisStoreAuth(t *testing.T) {
	store := newStubStore(t, redisstub.Options{Password: "hunter2"})
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := store.Put(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestRedisStoreRequiresAddr(t *testing.T) {
	if _, err := keyval.NewRedisStore(keyval.RedisConfig{}); err == nil {
		t.Fatal("expected error for missing addr")
	}
}
