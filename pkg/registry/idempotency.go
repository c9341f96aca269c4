// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// IdempotencyEntry is a cached write response keyed by the client-supplied
// idempotency key.
type IdempotencyEntry struct {
	Key          string
	Fingerprint  string
	ResponseBody []byte
	StatusCode   int
	InsertedAt   time.Time
}

type idempotencyDB struct {
	parent *DB
}

// Put caches a completed write response under its key. An existing entry is
// left untouched: the first completed response wins.
func (db *idempotencyDB) Put(ctx context.Context, entry IdempotencyEntry) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, fingerprint, response_body, status_code, inserted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		entry.Key, entry.Fingerprint, entry.ResponseBody, entry.StatusCode, entry.InsertedAt.UTC())
	return Error.Wrap(err)
}

// Get returns the cached entry for a key, if present.
func (db *idempotencyDB) Get(ctx context.Context, key string) (_ IdempotencyEntry, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var entry IdempotencyEntry
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT key, fingerprint, response_body, status_code, inserted_at
		 FROM idempotency WHERE key = ?`, key).
		Scan(&entry.Key, &entry.Fingerprint, &entry.ResponseBody, &entry.StatusCode, &entry.InsertedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return IdempotencyEntry{}, false, Error.Wrap(err)
	}
	return entry, true, nil
}

// DeleteOlderThan evicts entries inserted before the cutoff and reports how
// many were removed.
func (db *idempotencyDB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE inserted_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	deleted, err = res.RowsAffected()
	return deleted, Error.Wrap(err)
}
