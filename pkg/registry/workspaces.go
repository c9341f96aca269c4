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

// Workspace statuses.
const (
	WorkspaceActive  = "active"
	WorkspaceExpired = "expired"
	WorkspaceError   = "error"
)

// Workspace is a per-user engine file with read-only attachments of project
// tables.
type Workspace struct {
	ID             string
	ProjectID      string
	BranchID       string
	DBPath         string
	SizeLimitBytes int64
	ExpiresAt      time.Time
	Status         string
}

// Credential is a workspace login. The password is stored hashed.
type Credential struct {
	WorkspaceID  string
	Username     string
	PasswordHash string
}

type workspacesDB struct {
	parent *DB
}

// Create inserts a workspace and its credential in one transaction.
func (db *workspacesDB) Create(ctx context.Context, workspace Workspace, credential Credential) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.parent.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (id, project_id, branch_id, db_path, size_limit_bytes, expires_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			workspace.ID, workspace.ProjectID, workspace.BranchID, workspace.DBPath,
			workspace.SizeLimitBytes, workspace.ExpiresAt.UTC(), workspace.Status)
		if isConstraint(err) {
			return faults.Conflict.New("workspace %q already exists", workspace.ID)
		}
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workspace_credentials (workspace_id, username, password_hash) VALUES (?, ?, ?)`,
			credential.WorkspaceID, credential.Username, credential.PasswordHash)
		if isConstraint(err) {
			return faults.Conflict.New("username %q already exists", credential.Username)
		}
		return Error.Wrap(err)
	})
}

const workspaceColumns = `id, project_id, branch_id, db_path, size_limit_bytes, expires_at, status`

func scanWorkspace(scan func(dest ...interface{}) error) (Workspace, error) {
	var w Workspace
	err := scan(&w.ID, &w.ProjectID, &w.BranchID, &w.DBPath, &w.SizeLimitBytes, &w.ExpiresAt, &w.Status)
	return w, err
}

// Get returns a workspace by id.
func (db *workspacesDB) Get(ctx context.Context, id string) (_ Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.parent.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	workspace, err := scanWorkspace(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, faults.NotFound.New("workspace %q", id)
	}
	return workspace, Error.Wrap(err)
}

// GetByUsername resolves a pg-wire login to its workspace and credential.
func (db *workspacesDB) GetByUsername(ctx context.Context, username string) (_ Workspace, _ Credential, err error) {
	defer mon.Task()(&ctx)(&err)

	var w Workspace
	var c Credential
	err = db.parent.db.QueryRowContext(ctx,
		`SELECT w.id, w.project_id, w.branch_id, w.db_path, w.size_limit_bytes, w.expires_at, w.status,
			c.workspace_id, c.username, c.password_hash
		 FROM workspace_credentials c JOIN workspaces w ON w.id = c.workspace_id
		 WHERE c.username = ?`, username).
		Scan(&w.ID, &w.ProjectID, &w.BranchID, &w.DBPath, &w.SizeLimitBytes, &w.ExpiresAt, &w.Status,
			&c.WorkspaceID, &c.Username, &c.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, Credential{}, faults.Unauthenticated.New("unknown user %q", username)
	}
	return w, c, Error.Wrap(err)
}

// List returns a project's workspaces.
func (db *workspacesDB) List(ctx context.Context, projectID string) (_ []Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var workspaces []Workspace
	for rows.Next() {
		workspace, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		workspaces = append(workspaces, workspace)
	}
	return workspaces, Error.Wrap(rows.Err())
}

// ListExpired returns active workspaces past their expiry.
func (db *workspacesDB) ListExpired(ctx context.Context, now time.Time) (_ []Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE status = ? AND expires_at <= ?`,
		WorkspaceActive, now.UTC())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var workspaces []Workspace
	for rows.Next() {
		workspace, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		workspaces = append(workspaces, workspace)
	}
	return workspaces, Error.Wrap(rows.Err())
}

// UpdateStatus sets a workspace's status.
func (db *workspacesDB) UpdateStatus(ctx context.Context, id, status string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`UPDATE workspaces SET status = ? WHERE id = ?`, status, id)
	return Error.Wrap(err)
}

// UpdatePassword replaces the credential's password hash. Existing sessions
// remain connected; only new logins verify against the new hash.
func (db *workspacesDB) UpdatePassword(ctx context.Context, workspaceID, passwordHash string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	res, err := db.parent.db.ExecContext(ctx,
		`UPDATE workspace_credentials SET password_hash = ? WHERE workspace_id = ?`,
		passwordHash, workspaceID)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return faults.NotFound.New("workspace %q", workspaceID)
	}
	return nil
}

// Delete removes a workspace, its credential, and its session rows.
func (db *workspacesDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.parent.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return faults.NotFound.New("workspace %q", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workspace_credentials WHERE workspace_id = ?`, id); err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM pg_sessions WHERE workspace_id = ?`, id)
		return Error.Wrap(err)
	})
}
