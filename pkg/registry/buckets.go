// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/tablehouse/tablehouse/pkg/faults"
)

// Bucket is a namespaced container for tables, realised as a directory.
type Bucket struct {
	ProjectID string
	Ref       BucketRef
	CreatedAt time.Time
}

type bucketsDB struct {
	parent *DB
}

// Create inserts a bucket row.
func (db *bucketsDB) Create(ctx context.Context, bucket Bucket) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO buckets (project_id, stage, name, created_at) VALUES (?, ?, ?, ?)`,
		bucket.ProjectID, bucket.Ref.Stage, bucket.Ref.Name, bucket.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("bucket %q already exists", bucket.Ref.Display())
	}
	return Error.Wrap(err)
}

// Get returns a bucket.
func (db *bucketsDB) Get(ctx context.Context, projectID string, ref BucketRef) (_ Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	bucket := Bucket{ProjectID: projectID, Ref: ref}
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT created_at FROM buckets WHERE project_id = ? AND stage = ? AND name = ?`,
		projectID, ref.Stage, ref.Name).Scan(&bucket.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, faults.NotFound.New("bucket %q", ref.Display())
	}
	return bucket, Error.Wrap(err)
}

// List returns the buckets of a project.
func (db *bucketsDB) List(ctx context.Context, projectID string) (_ []Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT stage, name, created_at FROM buckets WHERE project_id = ? ORDER BY stage, name`,
		projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var buckets []Bucket
	for rows.Next() {
		bucket := Bucket{ProjectID: projectID}
		if err := rows.Scan(&bucket.Ref.Stage, &bucket.Ref.Name, &bucket.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		buckets = append(buckets, bucket)
	}
	return buckets, Error.Wrap(rows.Err())
}

// Delete removes a bucket row together with its table rows. Tables must have
// been dropped at the engine level first; the registry does not touch files.
func (db *bucketsDB) Delete(ctx context.Context, projectID string, ref BucketRef) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.parent.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM buckets WHERE project_id = ? AND stage = ? AND name = ?`,
			projectID, ref.Stage, ref.Name)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return faults.NotFound.New("bucket %q", ref.Display())
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM tables WHERE project_id = ? AND bucket_stage = ? AND bucket_name = ?`,
			projectID, ref.Stage, ref.Name)
		return Error.Wrap(err)
	})
}
