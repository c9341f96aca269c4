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
	"github.com/tablehouse/tablehouse/pkg/layout"
)

// Branch table sources. A branch_tables row exists only once a branch has
// diverged from main for that table.
const (
	SourceMain       = "main"
	SourceBranch     = "branch"
	SourceBranchOnly = "branch_only"
)

// Branch is a copy-on-write development line of a project.
type Branch struct {
	ProjectID string
	ID        string
	Name      string
	CreatedAt time.Time
}

// BranchTable records a branch's divergence from main for one table.
type BranchTable struct {
	ProjectID string
	BranchID  string
	Table     TableRef
	Source    string
	CreatedAt time.Time
}

type branchesDB struct {
	parent *DB
}

// Create inserts a branch row. The default branch is a sentinel and is never
// stored.
func (db *branchesDB) Create(ctx context.Context, branch Branch) (err error) {
	defer mon.Task()(&ctx)(&err)

	if branch.ID == layout.DefaultBranch {
		return faults.InvalidArgument.New("branch id %q is reserved", layout.DefaultBranch)
	}
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO branches (project_id, branch_id, name, created_at) VALUES (?, ?, ?, ?)`,
		branch.ProjectID, branch.ID, branch.Name, branch.CreatedAt.UTC())
	if isConstraint(err) {
		return faults.Conflict.New("branch %q already exists", branch.ID)
	}
	return Error.Wrap(err)
}

// Get returns a branch by id.
func (db *branchesDB) Get(ctx context.Context, projectID, branchID string) (_ Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	branch := Branch{ProjectID: projectID, ID: branchID}
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT name, created_at FROM branches WHERE project_id = ? AND branch_id = ?`,
		projectID, branchID).Scan(&branch.Name, &branch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, faults.NotFound.New("branch %q", branchID)
	}
	return branch, Error.Wrap(err)
}

// List returns the branches of a project.
func (db *branchesDB) List(ctx context.Context, projectID string) (_ []Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT branch_id, name, created_at FROM branches WHERE project_id = ? ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var branches []Branch
	for rows.Next() {
		branch := Branch{ProjectID: projectID}
		if err := rows.Scan(&branch.ID, &branch.Name, &branch.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		branches = append(branches, branch)
	}
	return branches, Error.Wrap(rows.Err())
}

// Delete removes a branch and cascades its branch table rows.
func (db *branchesDB) Delete(ctx context.Context, projectID, branchID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.parent.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM branches WHERE project_id = ? AND branch_id = ?`, projectID, branchID)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return faults.NotFound.New("branch %q", branchID)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM branch_tables WHERE project_id = ? AND branch_id = ?`, projectID, branchID)
		return Error.Wrap(err)
	})
}

// GetTable returns the branch table row for one table, or NotFound when the
// branch has not diverged for it.
func (db *branchesDB) GetTable(ctx context.Context, projectID, branchID string, ref TableRef) (_ BranchTable, err error) {
	defer mon.Task()(&ctx)(&err)

	bt := BranchTable{ProjectID: projectID, BranchID: branchID, Table: ref}
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT source, created_at FROM branch_tables
		 WHERE project_id = ? AND branch_id = ? AND bucket_stage = ? AND bucket_name = ? AND table_name = ?`,
		projectID, branchID, ref.Bucket.Stage, ref.Bucket.Name, ref.Name).
		Scan(&bt.Source, &bt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BranchTable{}, faults.NotFound.New("branch table %q", ref.Name)
	}
	return bt, Error.Wrap(err)
}

// UpsertTable records a branch's divergence for one table.
func (db *branchesDB) UpsertTable(ctx context.Context, bt BranchTable) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO branch_tables (project_id, branch_id, bucket_stage, bucket_name, table_name, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, branch_id, bucket_stage, bucket_name, table_name)
		 DO UPDATE SET source = excluded.source`,
		bt.ProjectID, bt.BranchID, bt.Table.Bucket.Stage, bt.Table.Bucket.Name, bt.Table.Name,
		bt.Source, bt.CreatedAt.UTC())
	return Error.Wrap(err)
}

// ListTables returns every diverged table of a branch.
func (db *branchesDB) ListTables(ctx context.Context, projectID, branchID string) (_ []BranchTable, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT bucket_stage, bucket_name, table_name, source, created_at FROM branch_tables
		 WHERE project_id = ? AND branch_id = ? ORDER BY bucket_stage, bucket_name, table_name`,
		projectID, branchID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tables []BranchTable
	for rows.Next() {
		bt := BranchTable{ProjectID: projectID, BranchID: branchID}
		if err := rows.Scan(&bt.Table.Bucket.Stage, &bt.Table.Bucket.Name, &bt.Table.Name, &bt.Source, &bt.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		tables = append(tables, bt)
	}
	return tables, Error.Wrap(rows.Err())
}

// DeleteTable removes a branch table row.
func (db *branchesDB) DeleteTable(ctx context.Context, projectID, branchID string, ref TableRef) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`DELETE FROM branch_tables
		 WHERE project_id = ? AND branch_id = ? AND bucket_stage = ? AND bucket_name = ? AND table_name = ?`,
		projectID, branchID, ref.Bucket.Stage, ref.Bucket.Name, ref.Name)
	return Error.Wrap(err)
}
