// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package locks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

// DefaultIdempotencyTTL bounds how long cached responses are replayed.
const DefaultIdempotencyTTL = 10 * time.Minute

var idempotencyConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tablehouse_idempotency_conflicts_total",
	Help: "Idempotency keys reused with a different request fingerprint.",
})

// Response is the cached shape of a completed write.
type Response struct {
	StatusCode int
	Body       []byte
}

// Fingerprint computes the stable request fingerprint: method, normalized
// path, authenticated project id, and the canonicalised body.
func Fingerprint(method, path, projectID string, body []byte) string {
	canonical := body
	var decoded interface{}
	if json.Unmarshal(body, &decoded) == nil {
		if compact, err := json.Marshal(decoded); err == nil {
			canonical = compact
		}
	}

	h := sha256.New()
	for _, part := range [][]byte{[]byte(method), []byte(path), []byte(projectID), canonical} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Gate wraps writes with the idempotency cache.
type Gate struct {
	db  *registry.DB
	ttl time.Duration
}

// NewGate creates an idempotency gate over the registry cache.
func NewGate(db *registry.DB) *Gate {
	return &Gate{db: db, ttl: DefaultIdempotencyTTL}
}

// TTL returns the cache entry lifetime.
func (gate *Gate) TTL() time.Duration { return gate.ttl }

// Execute consults the cache before running fn. A hit with a matching
// fingerprint replays the cached response byte for byte; a hit with a
// different fingerprint is a conflict. The key may be empty, which bypasses
// the cache entirely.
func (gate *Gate) Execute(ctx context.Context, key, fingerprint string, fn func(ctx context.Context) (Response, error)) (_ Response, cached bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if key == "" {
		resp, err := fn(ctx)
		return resp, false, err
	}

	entry, found, err := gate.db.Idempotency().Get(ctx, key)
	if err != nil {
		return Response{}, false, err
	}
	if found && time.Since(entry.InsertedAt) < gate.ttl {
		if entry.Fingerprint != fingerprint {
			idempotencyConflicts.Inc()
			return Response{}, false, faults.Conflict.New("idempotency key %q reused with a different request", key)
		}
		return Response{StatusCode: entry.StatusCode, Body: bytes.Clone(entry.ResponseBody)}, true, nil
	}

	resp, err := fn(ctx)
	if err != nil {
		return Response{}, false, err
	}

	putErr := gate.db.Idempotency().Put(ctx, registry.IdempotencyEntry{
		Key:          key,
		Fingerprint:  fingerprint,
		ResponseBody: resp.Body,
		StatusCode:   resp.StatusCode,
		InsertedAt:   time.Now(),
	})
	if putErr != nil {
		// The write itself succeeded; a failed cache insert only costs
		// replay protection for this key.
		mon.Counter("idempotency_cache_put_failures").Inc(1)
	}
	return resp, false, nil
}

// Evict removes cache entries older than the TTL and returns how many were
// deleted. Called by the janitor.
func (gate *Gate) Evict(ctx context.Context) (int64, error) {
	return gate.db.Idempotency().DeleteOlderThan(ctx, time.Now().Add(-gate.ttl))
}
