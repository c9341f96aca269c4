// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

package registry_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tablehouse/tablehouse/internal/testcontext"
	"github.com/tablehouse/tablehouse/pkg/faults"
	"github.com/tablehouse/tablehouse/pkg/registry"
)

func openRegistry(t *testing.T, ctx *testcontext.Context) *registry.DB {
	t.Helper()
	db, err := registry.Open(ctx, zaptest.NewLogger(t), filepath.Join(ctx.Dir("registry"), "metadata.db"))
	require.NoError(t, err)
	return db
}

func TestParseBucket(t *testing.T) {
	ref, err := registry.ParseBucket("in.c-main")
	require.NoError(t, err)
	require.Equal(t, registry.BucketRef{Stage: "in", Name: "main"}, ref)
	require.Equal(t, "in.c-main", ref.Display())
	require.Equal(t, "in_c_main", ref.DirName())

	ref, err = registry.ParseBucket("out.results")
	require.NoError(t, err)
	require.Equal(t, registry.BucketRef{Stage: "out", Name: "results"}, ref)

	for _, bad := range []string{"", "main", "mid.c-x", "in.", "in.c-"} {
		_, err := registry.ParseBucket(bad)
		require.Error(t, err, bad)
	}
}

func TestNormalizeBucket(t *testing.T) {
	ref, err := registry.NormalizeBucket("in", "c-main")
	require.NoError(t, err)
	require.Equal(t, registry.BucketRef{Stage: "in", Name: "main"}, ref)

	ref, err = registry.NormalizeBucket("out", "results")
	require.NoError(t, err)
	require.Equal(t, registry.BucketRef{Stage: "out", Name: "results"}, ref)

	_, err = registry.NormalizeBucket("stage", "x")
	require.Error(t, err)
	_, err = registry.NormalizeBucket("in", "c-")
	require.Error(t, err)
}

func TestProjects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	err := db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "first", CreatedAt: time.Now()})
	require.NoError(t, err)

	err = db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "dup", CreatedAt: time.Now()})
	require.True(t, faults.Conflict.Has(err))

	project, err := db.Projects().Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "first", project.Name)

	_, err = db.Projects().Get(ctx, "nope")
	require.True(t, faults.NotFound.Has(err))

	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p2", Name: "second", CreatedAt: time.Now()}))
	projects, err := db.Projects().List(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)

	require.NoError(t, db.Projects().Delete(ctx, "p2"))
	_, err = db.Projects().Get(ctx, "p2")
	require.True(t, faults.NotFound.Has(err))
}

func TestProjectDeleteCascades(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	bucket := registry.BucketRef{Stage: "in", Name: "main"}
	require.NoError(t, db.Projects().Create(ctx, registry.Project{ID: "p1", Name: "p", CreatedAt: time.Now()}))
	require.NoError(t, db.APIKeys().Create(ctx, registry.APIKey{ProjectID: "p1", KeyHash: "h1", CreatedAt: time.Now()}))
	require.NoError(t, db.Buckets().Create(ctx, registry.Bucket{ProjectID: "p1", Ref: bucket, CreatedAt: time.Now()}))
	require.NoError(t, db.Tables().Create(ctx, registry.Table{
		ProjectID: "p1",
		Ref:       registry.TableRef{Bucket: bucket, Name: "orders"},
		Columns:   []registry.Column{{Name: "id", Type: "INTEGER"}},
		CreatedAt: time.Now(),
	}))

	require.NoError(t, db.Projects().Delete(ctx, "p1"))

	_, err := db.APIKeys().LookupByHash(ctx, "h1")
	require.True(t, faults.NotFound.Has(err))
	_, err = db.Buckets().Get(ctx, "p1", bucket)
	require.True(t, faults.NotFound.Has(err))
	tables, err := db.Tables().ListByProject(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, tables)
}

func TestTables(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	bucket := registry.BucketRef{Stage: "in", Name: "main"}
	ref := registry.TableRef{Bucket: bucket, Name: "orders"}
	columns := []registry.Column{
		{Name: "id", Type: "INTEGER", Nullable: false},
		{Name: "name", Type: "TEXT", Nullable: true, Default: "unknown"},
	}

	require.NoError(t, db.Tables().Create(ctx, registry.Table{
		ProjectID:  "p1",
		Ref:        ref,
		Columns:    columns,
		PrimaryKey: []string{"id"},
		CreatedAt:  time.Now(),
	}))

	err := db.Tables().Create(ctx, registry.Table{ProjectID: "p1", Ref: ref, Columns: columns, CreatedAt: time.Now()})
	require.True(t, faults.Conflict.Has(err))

	table, err := db.Tables().Get(ctx, "p1", ref)
	require.NoError(t, err)
	require.Equal(t, columns, table.Columns)
	require.Equal(t, []string{"id"}, table.PrimaryKey)
	require.True(t, table.HasPrimaryKey())

	require.NoError(t, db.Tables().UpdateStats(ctx, "p1", ref, 42, 4096))
	table, err = db.Tables().Get(ctx, "p1", ref)
	require.NoError(t, err)
	require.EqualValues(t, 42, table.RowCount)
	require.EqualValues(t, 4096, table.SizeBytes)

	newColumns := append(columns, registry.Column{Name: "total", Type: "DOUBLE", Nullable: true})
	require.NoError(t, db.Tables().UpdateSchema(ctx, "p1", ref, newColumns, nil))
	table, err = db.Tables().Get(ctx, "p1", ref)
	require.NoError(t, err)
	require.Equal(t, newColumns, table.Columns)
	require.False(t, table.HasPrimaryKey())

	listed, err := db.Tables().List(ctx, "p1", bucket)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, db.Tables().Delete(ctx, "p1", ref))
	err = db.Tables().Delete(ctx, "p1", ref)
	require.True(t, faults.NotFound.Has(err))
}

func TestBranches(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	err := db.Branches().Create(ctx, registry.Branch{ProjectID: "p1", ID: "default", Name: "x", CreatedAt: time.Now()})
	require.True(t, faults.InvalidArgument.Has(err))

	require.NoError(t, db.Branches().Create(ctx, registry.Branch{ProjectID: "p1", ID: "dev", Name: "dev work", CreatedAt: time.Now()}))
	err = db.Branches().Create(ctx, registry.Branch{ProjectID: "p1", ID: "dev", Name: "again", CreatedAt: time.Now()})
	require.True(t, faults.Conflict.Has(err))

	ref := registry.TableRef{Bucket: registry.BucketRef{Stage: "in", Name: "main"}, Name: "orders"}
	require.NoError(t, db.Branches().UpsertTable(ctx, registry.BranchTable{
		ProjectID: "p1", BranchID: "dev", Table: ref,
		Source: registry.SourceBranch, CreatedAt: time.Now(),
	}))

	bt, err := db.Branches().GetTable(ctx, "p1", "dev", ref)
	require.NoError(t, err)
	require.Equal(t, registry.SourceBranch, bt.Source)

	tables, err := db.Branches().ListTables(ctx, "p1", "dev")
	require.NoError(t, err)
	require.Len(t, tables, 1)

	require.NoError(t, db.Branches().Delete(ctx, "p1", "dev"))
	_, err = db.Branches().GetTable(ctx, "p1", "dev", ref)
	require.True(t, faults.NotFound.Has(err))
}

func TestSharesAndLinks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	bucket := registry.BucketRef{Stage: "out", Name: "results"}
	require.NoError(t, db.Shares().CreateShare(ctx, registry.Share{
		SrcProject: "p1", Bucket: bucket, TargetProject: "p2", CreatedAt: time.Now(),
	}))

	share, err := db.Shares().GetShare(ctx, "p1", bucket, "p2")
	require.NoError(t, err)
	require.Equal(t, "p2", share.TargetProject)

	shares, err := db.Shares().ListSharesBySource(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, shares, 1)

	require.NoError(t, db.Shares().CreateLink(ctx, registry.Link{
		TargetProject: "p2", Bucket: bucket, SrcProject: "p1", CreatedAt: time.Now(),
	}))
	link, err := db.Shares().GetLink(ctx, "p2", bucket)
	require.NoError(t, err)
	require.Equal(t, "p1", link.SrcProject)

	require.NoError(t, db.Shares().DeleteLink(ctx, "p2", bucket))
	_, err = db.Shares().GetLink(ctx, "p2", bucket)
	require.True(t, faults.NotFound.Has(err))

	require.NoError(t, db.Shares().DeleteShare(ctx, "p1", bucket, "p2"))
	_, err = db.Shares().GetShare(ctx, "p1", bucket, "p2")
	require.True(t, faults.NotFound.Has(err))
}

func TestSettings(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	err := db.Settings().Set(ctx, registry.Setting{
		Scope: "galaxy", ScopeKey: "p1", Key: registry.KeyAutoRetentionDays, Value: "3",
	})
	require.True(t, faults.InvalidArgument.Has(err))

	require.NoError(t, db.Settings().Set(ctx, registry.Setting{
		Scope: registry.ScopeProject, ScopeKey: "p1",
		Key: registry.KeyAutoSnapshotTriggers, Value: "drop_table,truncate",
	}))

	value, found, err := db.Settings().Get(ctx, registry.ScopeProject, "p1", registry.KeyAutoSnapshotTriggers)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "drop_table,truncate", value)

	// Set on an existing key overwrites.
	require.NoError(t, db.Settings().Set(ctx, registry.Setting{
		Scope: registry.ScopeProject, ScopeKey: "p1",
		Key: registry.KeyAutoSnapshotTriggers, Value: "",
	}))
	value, found, err = db.Settings().Get(ctx, registry.ScopeProject, "p1", registry.KeyAutoSnapshotTriggers)
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, value)

	settings, err := db.Settings().ListScope(ctx, registry.ScopeProject, "p1")
	require.NoError(t, err)
	require.Len(t, settings, 1)

	require.NoError(t, db.Settings().Unset(ctx, registry.ScopeProject, "p1", registry.KeyAutoSnapshotTriggers))
	_, found, err = db.Settings().Get(ctx, registry.ScopeProject, "p1", registry.KeyAutoSnapshotTriggers)
	require.NoError(t, err)
	require.False(t, found)
}

func TestSnapshotRows(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	ref := registry.TableRef{Bucket: registry.BucketRef{Stage: "in", Name: "main"}, Name: "orders"}
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.Snapshots().Create(ctx, registry.Snapshot{
		ID: "s1", ProjectID: "p1", Table: ref,
		Kind: registry.SnapshotManual, Trigger: "manual",
		CreatedAt: now, ExpiresAt: now.Add(90 * 24 * time.Hour),
		RowCount: 10, SizeBytes: 100, ArtifactPath: "/tmp/a",
	}))
	require.NoError(t, db.Snapshots().Create(ctx, registry.Snapshot{
		ID: "s2", ProjectID: "p1", Table: ref,
		Kind: registry.SnapshotAuto, Trigger: "drop_table",
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour),
		RowCount: 5, SizeBytes: 50, ArtifactPath: "/tmp/b",
	}))

	snapshot, err := db.Snapshots().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, ref, snapshot.Table)

	all, err := db.Snapshots().List(ctx, "p1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	filtered, err := db.Snapshots().List(ctx, "p1", &ref)
	require.NoError(t, err)
	require.Len(t, filtered, 2)

	other := registry.TableRef{Bucket: ref.Bucket, Name: "other"}
	filtered, err = db.Snapshots().List(ctx, "p1", &other)
	require.NoError(t, err)
	require.Empty(t, filtered)

	expired, err := db.Snapshots().ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "s2", expired[0].ID)

	require.NoError(t, db.Snapshots().Delete(ctx, "s2"))
	_, err = db.Snapshots().Get(ctx, "s2")
	require.True(t, faults.NotFound.Has(err))
}

func TestIdempotencyEntries(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openRegistry(t, ctx)
	defer ctx.Check(db.Close)

	_, found, err := db.Idempotency().Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Idempotency().Put(ctx, registry.IdempotencyEntry{
		Key: "k1", Fingerprint: "f1", ResponseBody: []byte(`{"ok":true}`),
		StatusCode: 201, InsertedAt: time.Now(),
	}))

	entry, found, err := db.Idempotency().Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "f1", entry.Fingerprint)
	require.Equal(t, 201, entry.StatusCode)

	deleted, err := db.Idempotency().DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, found, err = db.Idempotency().Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, found)
}
