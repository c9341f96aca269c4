// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package workspace manages per-user engine files with read-only attachments
// of project tables, credentials for the pg-wire front-end, and expiry.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"time"

	"github.com/google/uuid"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/layout"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

var (
	mon = monkit.Package()

	// Error is the default workspace error class.
	Error = errs.Class("workspace")
)

// Workspace defaults.
const (
	DefaultTTL       = 24 * time.Hour
	DefaultSizeLimit = 10 << 30 // 10 GiB
)

// Created is the creation result; the password appears here once and is never
// recoverable afterwards.
type Created struct {
	Workspace registry.Workspace
	Username  string
	Password  string
}

// Attachment is one read-only attach of a project table into a session.
type Attachment struct {
	// Alias is the schema name the table appears under, derived from
	// bucket and table.
	Alias string
	Path  string
	Table registry.TableRef
}

// Engine manages workspaces.
type Engine struct {
	log   *zap.Logger
	db    *registry.DB
	paths *layout.Layout
}

// NewEngine creates the workspace engine.
func NewEngine(log *zap.Logger, db *registry.DB, paths *layout.Layout) *Engine {
	return &Engine{log: log, db: db, paths: paths}
}

// Create allocates the workspace file and mints credentials.
func (e *Engine) Create(ctx context.Context, project, branchID string, ttl time.Duration, sizeLimit int64) (_ Created, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := e.db.Projects().Get(ctx, project); err != nil {
		return Created{}, err
	}
	if branchID != "" && branchID != layout.DefaultBranch {
		if _, err := e.db.Branches().Get(ctx, project, branchID); err != nil {
			return Created{}, err
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sizeLimit <= 0 {
		sizeLimit = DefaultSizeLimit
	}

	id := uuid.NewString()
	dbPath := e.paths.WorkspacePath(id)

	// allocate the engine file up front so a broken data dir fails here
	fileDB, err := dbutil.OpenSQLite(ctx, dbPath, dbutil.DefaultOptions())
	if err != nil {
		return Created{}, faults.IOFailure.Wrap(err)
	}
	if err := fileDB.Close(); err != nil {
		return Created{}, faults.IOFailure.Wrap(errs.Combine(err, os.Remove(dbPath)))
	}

	username, password, passwordHash, err := mintCredential(id)
	if err != nil {
		_ = os.Remove(dbPath)
		return Created{}, err
	}

	workspace := registry.Workspace{
		ID:             id,
		ProjectID:      project,
		BranchID:       branchID,
		DBPath:         dbPath,
		SizeLimitBytes: sizeLimit,
		ExpiresAt:      time.Now().UTC().Add(ttl),
		Status:         registry.WorkspaceActive,
	}
	credential := registry.Credential{
		WorkspaceID:  id,
		Username:     username,
		PasswordHash: passwordHash,
	}
	if err := e.db.Workspaces().Create(ctx, workspace, credential); err != nil {
		_ = os.Remove(dbPath)
		return Created{}, err
	}

	e.log.Info("workspace created",
		zap.String("workspace", id),
		zap.String("project", project))
	return Created{Workspace: workspace, Username: username, Password: password}, nil
}

func mintCredential(workspaceID string) (username, password, passwordHash string, err error) {
	var random [8]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", Error.Wrap(err)
	}
	username = "ws_" + workspaceID + "_" + hex.EncodeToString(random[:])

	var secret [18]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", "", "", Error.Wrap(err)
	}
	password = hex.EncodeToString(secret[:])

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", Error.Wrap(err)
	}
	return username, password, string(hash), nil
}

// Get returns the workspace row.
func (e *Engine) Get(ctx context.Context, project, id string) (_ registry.Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, err := e.db.Workspaces().Get(ctx, id)
	if err != nil {
		return registry.Workspace{}, err
	}
	if workspace.ProjectID != project {
		return registry.Workspace{}, faults.NotFound.New("workspace %q", id)
	}
	return workspace, nil
}

// List returns a project's workspaces.
func (e *Engine) List(ctx context.Context, project string) ([]registry.Workspace, error) {
	return e.db.Workspaces().List(ctx, project)
}

// Login verifies a pg-wire login and returns the workspace.
func (e *Engine) Login(ctx context.Context, username, password string) (_ registry.Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, credential, err := e.db.Workspaces().GetByUsername(ctx, username)
	if err != nil {
		return registry.Workspace{}, err
	}
	if workspace.Status != registry.WorkspaceActive {
		return registry.Workspace{}, faults.Unauthenticated.New("workspace %q is %s", workspace.ID, workspace.Status)
	}
	if time.Now().After(workspace.ExpiresAt) {
		return registry.Workspace{}, faults.Unauthenticated.New("workspace %q has expired", workspace.ID)
	}
	if bcrypt.CompareHashAndPassword([]byte(credential.PasswordHash), []byte(password)) != nil {
		return registry.Workspace{}, faults.Unauthenticated.New("bad password")
	}
	return workspace, nil
}

// ResetCredential rotates the password. Connected sessions stay; new logins
// need the new password.
func (e *Engine) ResetCredential(ctx context.Context, project, id string) (password string, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := e.Get(ctx, project, id); err != nil {
		return "", err
	}
	var secret [18]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", Error.Wrap(err)
	}
	password = hex.EncodeToString(secret[:])
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if err := e.db.Workspaces().UpdatePassword(ctx, id, string(hash)); err != nil {
		return "", err
	}
	return password, nil
}

// Attachments lists the read-only attaches for a session: every table of the
// owning project, resolved through the branch (live view or branch copy).
func (e *Engine) Attachments(ctx context.Context, workspace registry.Workspace) (_ []Attachment, err error) {
	defer mon.Task()(&ctx)(&err)

	tables, err := e.db.Tables().ListByProject(ctx, workspace.ProjectID)
	if err != nil {
		return nil, err
	}

	branchID := workspace.BranchID
	if branchID == "" {
		branchID = layout.DefaultBranch
	}

	var attachments []Attachment
	seen := map[string]bool{}
	add := func(ref registry.TableRef, path string) {
		alias := ref.Bucket.DirName() + "_" + ref.Name
		if seen[alias] {
			return
		}
		seen[alias] = true
		attachments = append(attachments, Attachment{Alias: alias, Path: path, Table: ref})
	}

	for _, table := range tables {
		path := e.paths.TablePath(workspace.ProjectID, layout.DefaultBranch,
			table.Ref.Bucket.Stage, table.Ref.Bucket.Name, table.Ref.Name)
		if branchID != layout.DefaultBranch {
			bt, err := e.db.Branches().GetTable(ctx, workspace.ProjectID, branchID, table.Ref)
			if err == nil && bt.Source != registry.SourceMain {
				path = e.paths.TablePath(workspace.ProjectID, branchID,
					table.Ref.Bucket.Stage, table.Ref.Bucket.Name, table.Ref.Name)
			} else if err != nil && !faults.NotFound.Has(err) {
				return nil, err
			}
		}
		add(table.Ref, path)
	}

	if branchID != layout.DefaultBranch {
		branchTables, err := e.db.Branches().ListTables(ctx, workspace.ProjectID, branchID)
		if err != nil {
			return nil, err
		}
		for _, bt := range branchTables {
			if bt.Source != registry.SourceBranchOnly {
				continue
			}
			add(bt.Table, e.paths.TablePath(workspace.ProjectID, branchID,
				bt.Table.Bucket.Stage, bt.Table.Bucket.Name, bt.Table.Name))
		}
	}
	return attachments, nil
}

// Delete removes the workspace rows and then the engine file.
func (e *Engine) Delete(ctx context.Context, project, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, err := e.Get(ctx, project, id)
	if err != nil {
		return err
	}
	if err := e.db.Workspaces().Delete(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(workspace.DBPath); err != nil && !os.IsNotExist(err) {
		e.log.Warn("workspace file not removed",
			zap.String("workspace", id), zap.Error(err))
	}
	return nil
}

// ExpireOnce marks active workspaces past expiry and removes their files.
// Run by a janitor cycle.
func (e *Engine) ExpireOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := e.db.Workspaces().ListExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, workspace := range expired {
		if err := e.db.Workspaces().UpdateStatus(ctx, workspace.ID, registry.WorkspaceExpired); err != nil {
			return err
		}
		if err := os.Remove(workspace.DBPath); err != nil && !os.IsNotExist(err) {
			e.log.Warn("expired workspace file not removed",
				zap.String("workspace", workspace.ID), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		e.log.Debug("workspaces expired", zap.Int("count", len(expired)))
	}
	return nil
}
