// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// APIKey is a project-scoped credential. Keys are stored only as SHA256
// hashes; the plaintext is shown once on creation.
type APIKey struct {
	ProjectID   string
	KeyHash     string
	Description string
	Scopes      []string
	CreatedAt   time.Time
}

type apiKeysDB struct {
	parent *DB
}

// Create stores a new key hash for a project.
func (db *apiKeysDB) Create(ctx context.Context, key APIKey) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO api_keys (project_id, key_hash, description, scopes, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key.ProjectID, key.KeyHash, key.Description, string(scopes), key.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("api key already exists")
	}
	return Error.Wrap(err)
}

// LookupByHash resolves a presented key hash to its row. Fails closed with
// Unauthenticated when the hash is unknown.
func (db *apiKeysDB) LookupByHash(ctx context.Context, keyHash string) (_ APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	var key APIKey
	var scopes string
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT project_id, key_hash, description, scopes, created_at
		 FROM api_keys WHERE key_hash = ?`, keyHash).
		Scan(&key.ProjectID, &key.KeyHash, &key.Description, &scopes, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, faults.Unauthenticated.New("unknown api key")
	}
	if err != nil {
		return APIKey{}, Error.Wrap(err)
	}
	if err := json.Unmarshal([]byte(scopes), &key.Scopes); err != nil {
		return APIKey{}, Error.Wrap(err)
	}
	return key, nil
}

// ListByProject returns all keys of a project.
func (db *apiKeysDB) ListByProject(ctx context.Context, projectID string) (_ []APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT project_id, key_hash, description, scopes, created_at
		 FROM api_keys WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var keys []APIKey
	for rows.Next() {
		var key APIKey
		var scopes string
		if err := rows.Scan(&key.ProjectID, &key.KeyHash, &key.Description, &scopes, &key.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		if err := json.Unmarshal([]byte(scopes), &key.Scopes); err != nil {
			return nil, Error.Wrap(err)
		}
		keys = append(keys, key)
	}
	return keys, Error.Wrap(rows.Err())
}

// Revoke removes a key by hash. Subsequent requests with the key fail closed.
func (db *apiKeysDB) Revoke(ctx context.Context, keyHash string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key_hash = ?`, keyHash)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("api key")
	}
	return nil
}
