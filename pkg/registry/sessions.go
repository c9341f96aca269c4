// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Session is a live pg-wire connection bound to a workspace.
type Session struct {
	ID             string
	WorkspaceID    string
	ClientAddr     string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

type sessionsDB struct {
	parent *DB
}

// Create records a new session.
func (db *sessionsDB) Create(ctx context.Context, session Session) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`INSERT INTO pg_sessions (session_id, workspace_id, client_addr, connected_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.WorkspaceID, session.ClientAddr,
		session.ConnectedAt.UTC(), session.LastActivityAt.UTC())
	return Error.Wrap(err)
}

// Touch bumps the session's last activity time.
func (db *sessionsDB) Touch(ctx context.Context, id string, at time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`UPDATE pg_sessions SET last_activity_at = ? WHERE session_id = ?`, at.UTC(), id)
	return Error.Wrap(err)
}

// Delete removes a session row on disconnect.
func (db *sessionsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.parent.locked()()

	_, err = db.parent.db.ExecContext(ctx,
		`DELETE FROM pg_sessions WHERE session_id = ?`, id)
	return Error.Wrap(err)
}

// ListByWorkspace returns the live sessions of a workspace.
func (db *sessionsDB) ListByWorkspace(ctx context.Context, workspaceID string) (_ []Session, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.parent.db.QueryContext(ctx,
		`SELECT session_id, workspace_id, client_addr, connected_at, last_activity_at
		 FROM pg_sessions WHERE workspace_id = ? ORDER BY connected_at`, workspaceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.WorkspaceID, &session.ClientAddr,
			&session.ConnectedAt, &session.LastActivityAt); err != nil {
			return nil, Error.Wrap(err)
		}
		sessions = append(sessions, session)
	}
	return sessions, Error.Wrap(rows.Err())
}
