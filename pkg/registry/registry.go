// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package registry implements the metadata registry: a single engine file
// holding all relational state of the service. Only this package mutates
// registry rows. Writes are serialised by a process-wide writer guard; reads
// go through the pooled connections directly.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/tablehouse/tablehouse/internal/dbutil"
	"github.com/tablehouse/tablehouse/internal/migrate"
	"github.com/tablehouse/tablehouse/pkg/layout"
)

var (
	mon = monkit.Package()

	// Error is the default registry error class.
	Error = errs.Class("registry")
)

// BucketRef identifies a bucket within a project by stage and bare name.
type BucketRef struct {
	Stage string
	Name  string
}

// Display returns the user-facing bucket name, e.g. "in.c-s".
func (b BucketRef) Display() string { return layout.BucketDisplayName(b.Stage, b.Name) }

// DirName returns the directory and schema name, e.g. "in_c_s".
func (b BucketRef) DirName() string { return layout.BucketDirName(b.Stage, b.Name) }

// ParseBucket parses a user-facing bucket name. Accepted forms are
// "{stage}.c-{name}", "{stage}.{name}" and, with an explicit stage,
// a bare name with or without the "c-" prefix.
func ParseBucket(name string) (BucketRef, error) {
	stage, rest, ok := strings.Cut(name, ".")
	if !ok || (stage != "in" && stage != "out") {
		return BucketRef{}, Error.New("invalid bucket name: %q", name)
	}
	rest = strings.TrimPrefix(rest, "c-")
	if rest == "" {
		return BucketRef{}, Error.New("invalid bucket name: %q", name)
	}
	return BucketRef{Stage: stage, Name: rest}, nil
}

// NormalizeBucket builds a BucketRef from separate stage and name fields,
// tolerating the "c-" prefix on the name.
func NormalizeBucket(stage, name string) (BucketRef, error) {
	if stage != "in" && stage != "out" {
		return BucketRef{}, Error.New("invalid bucket stage: %q", stage)
	}
	name = strings.TrimPrefix(name, "c-")
	if name == "" {
		return BucketRef{}, Error.New("empty bucket name")
	}
	return BucketRef{Stage: stage, Name: name}, nil
}

// TableRef identifies a table within a project.
type TableRef struct {
	Bucket BucketRef
	Name   string
}

// DB provides access to the metadata registry.
type DB struct {
	log *zap.Logger
	db  *sql.DB

	writeMu sync.Mutex

	projects    *projectsDB
	apiKeys     *apiKeysDB
	buckets     *bucketsDB
	tables      *tablesDB
	branches    *branchesDB
	shares      *sharesDB
	snapshots   *snapshotsDB
	settings    *settingsDB
	files       *filesDB
	workspaces  *workspacesDB
	sessions    *sessionsDB
	idempotency *idempotencyDB
}

// Open opens (creating if necessary) the registry file and applies pending
// migrations. A failure to open or migrate is fatal to the process.
func Open(ctx context.Context, log *zap.Logger, path string) (*DB, error) {
	raw, err := dbutil.OpenSQLite(ctx, path, dbutil.RegistryOptions())
	if err != nil {
		return nil, Error.Wrap(err)
	}

	db := &DB{log: log, db: raw}
	db.projects = &projectsDB{db}
	db.apiKeys = &apiKeysDB{db}
	db.buckets = &bucketsDB{db}
	db.tables = &tablesDB{db}
	db.branches = &branchesDB{db}
	db.shares = &sharesDB{db}
	db.snapshots = &snapshotsDB{db}
	db.settings = &settingsDB{db}
	db.files = &filesDB{db}
	db.workspaces = &workspacesDB{db}
	db.sessions = &sessionsDB{db}
	db.idempotency = &idempotencyDB{db}

	if err := db.Migration().Run(ctx, log.Named("migrate"), raw); err != nil {
		return nil, Error.Wrap(errs.Combine(err, raw.Close()))
	}
	return db, nil
}

// Close closes the registry.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// locked acquires the process-wide writer guard and returns the unlock.
func (db *DB) locked() func() {
	db.writeMu.Lock()
	return db.writeMu.Unlock
}

// withTx runs fn inside a write transaction under the writer guard.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer db.locked()()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := fn(tx); err != nil {
		return errs.Combine(err, tx.Rollback())
	}
	return Error.Wrap(tx.Commit())
}

// Projects returns the projects repository.
func (db *DB) Projects() *projectsDB { return db.projects }

// APIKeys returns the api keys repository.
func (db *DB) APIKeys() *apiKeysDB { return db.apiKeys }

// Buckets returns the buckets repository.
func (db *DB) Buckets() *bucketsDB { return db.buckets }

// Tables returns the tables repository.
func (db *DB) Tables() *tablesDB { return db.tables }

// Branches returns the branches repository.
func (db *DB) Branches() *branchesDB { return db.branches }

// Shares returns the shares and links repository.
func (db *DB) Shares() *sharesDB { return db.shares }

// Snapshots returns the snapshots repository.
func (db *DB) Snapshots() *snapshotsDB { return db.snapshots }

// Settings returns the hierarchical settings repository.
func (db *DB) Settings() *settingsDB { return db.settings }

// Files returns the files repository.
func (db *DB) Files() *filesDB { return db.files }

// Workspaces returns the workspaces repository.
func (db *DB) Workspaces() *workspacesDB { return db.workspaces }

// Sessions returns the pg sessions repository.
func (db *DB) Sessions() *sessionsDB { return db.sessions }

// Idempotency returns the idempotency cache repository.
func (db *DB) Idempotency() *idempotencyDB { return db.idempotency }

// isConstraint reports whether the engine rejected a write due to a
// uniqueness or foreign key constraint.
func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Migration returns the registry schema migration. Steps are forward-only;
// new steps are appended, existing steps never change.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Description: "initial schema",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE projects (
						id          TEXT NOT NULL PRIMARY KEY,
						name        TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						created_at  TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE api_keys (
						project_id  TEXT NOT NULL,
						key_hash    TEXT NOT NULL PRIMARY KEY,
						description TEXT NOT NULL DEFAULT '',
						scopes      TEXT NOT NULL DEFAULT '[]',
						created_at  TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE buckets (
						project_id TEXT NOT NULL,
						stage      TEXT NOT NULL,
						name       TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, stage, name)
					)`,
					`CREATE TABLE tables (
						project_id   TEXT NOT NULL,
						bucket_stage TEXT NOT NULL,
						bucket_name  TEXT NOT NULL,
						name         TEXT NOT NULL,
						columns      TEXT NOT NULL,
						primary_key  TEXT NOT NULL DEFAULT '[]',
						row_count    INTEGER NOT NULL DEFAULT 0,
						size_bytes   INTEGER NOT NULL DEFAULT 0,
						created_at   TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, bucket_stage, bucket_name, name)
					)`,
					`CREATE TABLE branches (
						project_id TEXT NOT NULL,
						branch_id  TEXT NOT NULL,
						name       TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, branch_id)
					)`,
					`CREATE TABLE branch_tables (
						project_id   TEXT NOT NULL,
						branch_id    TEXT NOT NULL,
						bucket_stage TEXT NOT NULL,
						bucket_name  TEXT NOT NULL,
						table_name   TEXT NOT NULL,
						source       TEXT NOT NULL,
						created_at   TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, branch_id, bucket_stage, bucket_name, table_name)
					)`,
					`CREATE TABLE shares (
						src_project    TEXT NOT NULL,
						bucket_stage   TEXT NOT NULL,
						bucket_name    TEXT NOT NULL,
						target_project TEXT NOT NULL,
						created_at     TIMESTAMP NOT NULL,
						PRIMARY KEY (src_project, bucket_stage, bucket_name, target_project)
					)`,
					`CREATE TABLE links (
						target_project TEXT NOT NULL,
						bucket_stage   TEXT NOT NULL,
						bucket_name    TEXT NOT NULL,
						src_project    TEXT NOT NULL,
						created_at     TIMESTAMP NOT NULL,
						PRIMARY KEY (target_project, bucket_stage, bucket_name)
					)`,
					`CREATE TABLE snapshots (
						id            TEXT NOT NULL PRIMARY KEY,
						project_id    TEXT NOT NULL,
						bucket_stage  TEXT NOT NULL,
						bucket_name   TEXT NOT NULL,
						table_name    TEXT NOT NULL,
						kind          TEXT NOT NULL,
						trigger_name  TEXT NOT NULL,
						created_at    TIMESTAMP NOT NULL,
						expires_at    TIMESTAMP NOT NULL,
						row_count     INTEGER NOT NULL DEFAULT 0,
						size_bytes    INTEGER NOT NULL DEFAULT 0,
						artifact_path TEXT NOT NULL
					)`,
					`CREATE INDEX snapshots_expiry ON snapshots (expires_at)`,
					`CREATE TABLE snapshot_settings (
						scope     TEXT NOT NULL,
						scope_key TEXT NOT NULL,
						key       TEXT NOT NULL,
						value     TEXT NOT NULL,
						PRIMARY KEY (scope, scope_key, key)
					)`,
					`CREATE TABLE files (
						id           TEXT NOT NULL PRIMARY KEY,
						project_id   TEXT NOT NULL,
						name         TEXT NOT NULL,
						size_bytes   INTEGER NOT NULL,
						sha256       TEXT NOT NULL,
						tags         TEXT NOT NULL DEFAULT '[]',
						storage_path TEXT NOT NULL,
						created_at   TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX files_project ON files (project_id)`,
					`CREATE TABLE staged_uploads (
						upload_key   TEXT NOT NULL PRIMARY KEY,
						project_id   TEXT NOT NULL,
						name         TEXT NOT NULL,
						staging_path TEXT NOT NULL,
						staged_until TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE workspaces (
						id               TEXT NOT NULL PRIMARY KEY,
						project_id       TEXT NOT NULL,
						branch_id        TEXT NOT NULL DEFAULT 'default',
						db_path          TEXT NOT NULL,
						size_limit_bytes INTEGER NOT NULL,
						expires_at       TIMESTAMP NOT NULL,
						status           TEXT NOT NULL DEFAULT 'active'
					)`,
					`CREATE TABLE workspace_credentials (
						workspace_id  TEXT NOT NULL,
						username      TEXT NOT NULL PRIMARY KEY,
						password_hash TEXT NOT NULL
					)`,
					`CREATE TABLE pg_sessions (
						session_id       TEXT NOT NULL PRIMARY KEY,
						workspace_id     TEXT NOT NULL,
						client_addr      TEXT NOT NULL,
						connected_at     TIMESTAMP NOT NULL,
						last_activity_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE idempotency (
						key           TEXT NOT NULL PRIMARY KEY,
						fingerprint   TEXT NOT NULL,
						response_body BLOB NOT NULL,
						status_code   INTEGER NOT NULL,
						inserted_at   TIMESTAMP NOT NULL
					)`,
				},
			},
		},
	}
}
