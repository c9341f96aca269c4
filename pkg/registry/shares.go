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

// Share offers a source project's bucket to a target project.
type Share struct {
	SrcProject    string
	Bucket        BucketRef
	TargetProject string
	CreatedAt     time.Time
}

// Link materialises a share inside the target project under the same bucket
// name. Reads pass through to the source; writes are denied.
type Link struct {
	TargetProject string
	Bucket        BucketRef
	SrcProject    string
	CreatedAt     time.Time
}

type sharesDB struct {
	parent *DB
}

// CreateShare records a bucket share.
func (db *sharesDB) CreateShare(ctx context.Context, share Share) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO shares (src_project, bucket_stage, bucket_name, target_project, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		share.SrcProject, share.Bucket.Stage, share.Bucket.Name, share.TargetProject, share.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("bucket %q already shared with %q", share.Bucket.Display(), share.TargetProject)
	}
	return Error.Wrap(err)
}

// GetShare returns a share row.
func (db *sharesDB) GetShare(ctx context.Context, srcProject string, bucket BucketRef, targetProject string) (_ Share, err error) {
	defer mon.Task()(&ctx)(&err)

	share := Share{SrcProject: srcProject, Bucket: bucket, TargetProject: targetProject}
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT created_at FROM shares
		 WHERE src_project = ? AND bucket_stage = ? AND bucket_name = ? AND target_project = ?`,
		srcProject, bucket.Stage, bucket.Name, targetProject).Scan(&share.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Share{}, faults.NotFound.New("share of %q to %q", bucket.Display(), targetProject)
	}
	return share, Error.Wrap(err)
}

// DeleteShare removes a share row.
func (db *sharesDB) DeleteShare(ctx context.Context, srcProject string, bucket BucketRef, targetProject string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx,
		`DELETE FROM shares
		 WHERE src_project = ? AND bucket_stage = ? AND bucket_name = ? AND target_project = ?`,
		srcProject, bucket.Stage, bucket.Name, targetProject)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("share of %q to %q", bucket.Display(), targetProject)
	}
	return nil
}

// ListSharesBySource returns shares offered by a project.
func (db *sharesDB) ListSharesBySource(ctx context.Context, srcProject string) (_ []Share, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT bucket_stage, bucket_name, target_project, created_at
		 FROM shares WHERE src_project = ? ORDER BY bucket_stage, bucket_name, target_project`, srcProject)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var shares []Share
	for rows.Next() {
		share := Share{SrcProject: srcProject}
		if err := rows.Scan(&share.Bucket.Stage, &share.Bucket.Name, &share.TargetProject, &share.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		shares = append(shares, share)
	}
	return shares, Error.Wrap(rows.Err())
}

// CreateLink materialises a share in the target project.
func (db *sharesDB) CreateLink(ctx context.Context, link Link) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO links (target_project, bucket_stage, bucket_name, src_project, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		link.TargetProject, link.Bucket.Stage, link.Bucket.Name, link.SrcProject, link.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("bucket %q already linked", link.Bucket.Display())
	}
	return Error.Wrap(err)
}

// GetLink returns the link occupying a bucket name in the target project,
// if any.
func (db *sharesDB) GetLink(ctx context.Context, targetProject string, bucket BucketRef) (_ Link, err error) {
	defer mon.Task()(&ctx)(&err)

	link := Link{TargetProject: targetProject, Bucket: bucket}
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT src_project, created_at FROM links
		 WHERE target_project = ? AND bucket_stage = ? AND bucket_name = ?`,
		targetProject, bucket.Stage, bucket.Name).Scan(&link.SrcProject, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, faults.NotFound.New("link %q", bucket.Display())
	}
	return link, Error.Wrap(err)
}

// ListLinks returns the links of a target project.
func (db *sharesDB) ListLinks(ctx context.Context, targetProject string) (_ []Link, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT bucket_stage, bucket_name, src_project, created_at
		 FROM links WHERE target_project = ? ORDER BY bucket_stage, bucket_name`, targetProject)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var links []Link
	for rows.Next() {
		link := Link{TargetProject: targetProject}
		if err := rows.Scan(&link.Bucket.Stage, &link.Bucket.Name, &link.SrcProject, &link.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		links = append(links, link)
	}
	return links, Error.Wrap(rows.Err())
}

// DeleteLink removes a link row.
func (db *sharesDB) DeleteLink(ctx context.Context, targetProject string, bucket BucketRef) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx,
		`DELETE FROM links WHERE target_project = ? AND bucket_stage = ? AND bucket_name = ?`,
		targetProject, bucket.Stage, bucket.Name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("link %q", bucket.Display())
	}
	return nil
}
