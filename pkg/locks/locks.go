// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package locks implements per-table mutual exclusion and the idempotency
// gate every write passes through.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/pkg/registry"
)

var (
	mon = monkit.Package()

	// Error is the default locks error class.
	Error = errs.Class("locks")

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tablehouse_table_lock_wait_seconds",
		Help:    "Time spent waiting for a table lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	lockQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablehouse_table_lock_queue_depth",
		Help: "Writers currently waiting for or holding table locks.",
	})
)

// Key identifies one lockable table.
type Key struct {
	Project string
	Branch  string
	Table   registry.TableRef
}

type tableLock struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// Manager hands out per-table locks. Locks are created lazily and collected
// by the janitor once unreferenced.
type Manager struct {
	log *zap.Logger

	guard sync.Mutex
	locks map[Key]*tableLock
}

// NewManager creates a lock manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		log:   log,
		locks: make(map[Key]*tableLock),
	}
}

// Acquire blocks until the table lock is available and returns the release
// function. Acquisition order is FIFO by arrival; the wait time is recorded.
func (m *Manager) Acquire(ctx context.Context, key Key) (release func(), err error) {
	defer mon.Task()(&ctx)(&err)

	m.guard.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &tableLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.guard.Unlock()

	lockQueueDepth.Inc()
	start := time.Now()
	lock.mu.Lock()
	lockWaitSeconds.Observe(time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		lock.mu.Unlock()
		m.release(key, lock)
		lockQueueDepth.Dec()
		return nil, Error.Wrap(err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.mu.Unlock()
			m.release(key, lock)
			lockQueueDepth.Dec()
		})
	}, nil
}

func (m *Manager) release(key Key, lock *tableLock) {
	m.guard.Lock()
	lock.refs--
	lock.lastUsed = time.Now()
	m.guard.Unlock()
}

// CollectUnused drops locks that have been unreferenced longer than maxIdle
// and returns how many were collected. Called by the janitor on a slow
// cadence.
func (m *Manager) CollectUnused(maxIdle time.Duration) int {
	m.guard.Lock()
	defer m.guard.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	collected := 0
	for key, lock := range m.locks {
		if lock.refs == 0 && lock.lastUsed.Before(cutoff) {
			delete(m.locks, key)
			collected++
		}
	}
	return collected
}

// Len returns how many locks are currently tracked.
func (m *Manager) Len() int {
	m.guard.Lock()
	defer m.guard.Unlock()
	return len(m.locks)
}

// WithLock runs fn while holding the table lock, releasing on all exit paths.
func (m *Manager) WithLock(ctx context.Context, key Key, fn func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	release, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
