// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package locks_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/locks"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

func testKey(table string) locks.Key {
	return locks.Key{
		Project: "p1",
		Branch:  "default",
		Table:   registry.TableRef{Bucket: registry.BucketRef{Stage: "in", Name: "main"}, Name: table},
	}
}

func TestManagerMutualExclusion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := locks.NewManager(zaptest.NewLogger(t))
	key := testKey("orders")

	var inCritical atomic.Int32
	var maxSeen atomic.Int32
	for i := 0; i < 8; i++ {
		ctx.Go(func() error {
			return manager.WithLock(ctx, key, func(ctx context.Context) error {
				current := inCritical.Add(1)
				defer inCritical.Add(-1)
				if current > maxSeen.Load() {
					maxSeen.Store(current)
				}
				time.Sleep(time.Millisecond)
				return nil
			})
		})
	}
	ctx.Cleanup()
	require.EqualValues(t, 1, maxSeen.Load())
}

func TestManagerIndependentKeys(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := locks.NewManager(zaptest.NewLogger(t))

	releaseA, err := manager.Acquire(ctx, testKey("a"))
	require.NoError(t, err)
	defer releaseA()

	// A lock on a different table does not block.
	done := make(chan struct{})
	ctx.Go(func() error {
		defer close(done)
		return manager.WithLock(ctx, testKey("b"), func(ctx context.Context) error { return nil })
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}

func TestManagerCollectUnused(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := locks.NewManager(zaptest.NewLogger(t))

	release, err := manager.Acquire(ctx, testKey("orders"))
	require.NoError(t, err)
	require.Equal(t, 1, manager.Len())

	// A held lock is never collected.
	require.Zero(t, manager.CollectUnused(0))
	release()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, manager.CollectUnused(time.Millisecond))
	require.Zero(t, manager.Len())
}

func TestFingerprint(t *testing.T) {
	base := locks.Fingerprint("POST", "/api/v1/projects/p1/buckets", "p1", []byte(`{"stage":"in","name":"main"}`))

	// Key order in the JSON body does not matter.
	reordered := locks.Fingerprint("POST", "/api/v1/projects/p1/buckets", "p1", []byte(`{"name":"main","stage":"in"}`))
	require.Equal(t, base, reordered)

	// Whitespace does not matter either.
	spaced := locks.Fingerprint("POST", "/api/v1/projects/p1/buckets", "p1", []byte(` {"stage": "in", "name": "main"} `))
	require.Equal(t, base, spaced)

	require.NotEqual(t, base, locks.Fingerprint("PUT", "/api/v1/projects/p1/buckets", "p1", []byte(`{"stage":"in","name":"main"}`)))
	require.NotEqual(t, base, locks.Fingerprint("POST", "/api/v1/projects/p2/buckets", "p1", []byte(`{"stage":"in","name":"main"}`)))
	require.NotEqual(t, base, locks.Fingerprint("POST", "/api/v1/projects/p1/buckets", "p2", []byte(`{"stage":"in","name":"main"}`)))
	require.NotEqual(t, base, locks.Fingerprint("POST", "/api/v1/projects/p1/buckets", "p1", []byte(`{"stage":"out","name":"main"}`)))
}

func openRegistry(t *testing.T, ctx *testcontext.Context) *registry.DB {
	t.Helper()
	db, err := registry.Open(ctx, zaptest.NewLogger(t), filepath.Join(ctx.Dir("registry"), "metadata.db"))
	require.NoError(t, err)
	return db
}

func TestGateExecute(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	gate := locks.NewGate(db)
	fingerprint := locks.Fingerprint("POST", "/x", "p1", []byte(`{}`))

	calls := 0
	fn := func(ctx context.Context) (locks.Response, error) {
		calls++
		return locks.Response{StatusCode: 201, Body: []byte(`{"id":"b1"}`)}, nil
	}

	resp, cached, err := gate.Execute(ctx, "key-1", fingerprint, fn)
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, 201, resp.StatusCode)
	require.Equal(t, 1, calls)

	// Same key and fingerprint replays the cached response without re-running.
	resp, cached, err = gate.Execute(ctx, "key-1", fingerprint, fn)
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, 201, resp.StatusCode)
	require.JSONEq(t, `{"id":"b1"}`, string(resp.Body))
	require.Equal(t, 1, calls)

	// Same key with a different fingerprint is a conflict.
	other := locks.Fingerprint("POST", "/y", "p1", []byte(`{}`))
	_, _, err = gate.Execute(ctx, "key-1", other, fn)
	require.True(t, faults.Conflict.Has(err))
	require.Equal(t, 1, calls)

	// An empty key bypasses the cache.
	_, cached, err = gate.Execute(ctx, "", fingerprint, fn)
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, 2, calls)
}

func TestGateDoesNotCacheFailures(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	gate := locks.NewGate(db)
	fingerprint := locks.Fingerprint("POST", "/x", "p1", nil)

	calls := 0
	_, _, err := gate.Execute(ctx, "key-1", fingerprint, func(ctx context.Context) (locks.Response, error) {
		calls++
		return locks.Response{}, faults.FailedPrecondition.New("not yet")
	})
	require.True(t, faults.FailedPrecondition.Has(err))

	// The failure was not cached; a retry runs the function again.
	resp, cached, err := gate.Execute(ctx, "key-1", fingerprint, func(ctx context.Context) (locks.Response, error) {
		calls++
		return locks.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	})
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 2, calls)
}

func TestGateEvict(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	gate := locks.NewGate(db)

	require.NoError(t, db.Idempotency().Put(ctx, registry.IdempotencyEntry{
		Key: "stale", Fingerprint: "f", ResponseBody: []byte(`{}`),
		StatusCode: 200, InsertedAt: time.Now().Add(-gate.TTL() - time.Minute),
	}))
	require.NoError(t, db.Idempotency().Put(ctx, registry.IdempotencyEntry{
		Key: "fresh", Fingerprint: "f", ResponseBody: []byte(`{}`),
		StatusCode: 200, InsertedAt: time.Now(),
	}))

	deleted, err := gate.Evict(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, found, err := db.Idempotency().Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, found)
}
